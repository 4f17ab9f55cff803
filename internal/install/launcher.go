package install

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// CommandLauncher runs an argv template per install. Placeholders {path},
// {uri}, {mime} and {action} are substituted in every argument. The child
// is started and reaped in the background; its exit status is only logged.
type CommandLauncher struct {
	Argv []string
}

func (l *CommandLauncher) Launch(_ context.Context, a Artifact) error {
	if len(l.Argv) == 0 {
		return errors.New("install command is empty")
	}

	r := strings.NewReplacer(
		"{path}", a.Path,
		"{uri}", a.URI,
		"{mime}", a.MIMEType,
		"{action}", a.Action,
	)
	argv := make([]string, len(l.Argv))
	for i, arg := range l.Argv {
		argv[i] = r.Replace(arg)
	}

	// Not bound to ctx: the install flow outlives the request that launched it.
	cmd := exec.Command(argv[0], argv[1:]...)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}

	pid := cmd.Process.Pid
	log.Info("install command started", "pid", pid, "command", argv[0])
	go func() {
		start := time.Now()
		err := cmd.Wait()
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			log.Warn("install command exited with error", "pid", pid, "error", err, "durationMs", elapsed)
			return
		}
		log.Info("install command exited", "pid", pid, "durationMs", elapsed)
	}()
	return nil
}

// LogLauncher only logs the artifact. Used for dry runs and when no
// install command is configured.
type LogLauncher struct{}

func (LogLauncher) Launch(_ context.Context, a Artifact) error {
	log.Info("install ready (no launcher configured)", "path", a.Path, "uri", a.URI, "mime", a.MIMEType, "action", a.Action)
	return nil
}

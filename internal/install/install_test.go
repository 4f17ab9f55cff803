package install

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLauncher struct {
	mu        sync.Mutex
	artifacts []Artifact
	err       error
}

func (l *recordingLauncher) Launch(_ context.Context, a Artifact) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.artifacts = append(l.artifacts, a)
	return l.err
}

func (l *recordingLauncher) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.artifacts)
}

func writeArtifact(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInstallLaunchesValidArtifact(t *testing.T) {
	l := &recordingLauncher{}
	tr := NewTrigger(l, "")
	path := writeArtifact(t, "foo.apk", "PK")

	require.NoError(t, tr.Install(context.Background(), path))
	require.Equal(t, 1, l.calls())

	a := l.artifacts[0]
	assert.Equal(t, path, a.Path)
	assert.Equal(t, APKMIMEType, a.MIMEType)
	assert.Equal(t, DefaultAction, a.Action)
	assert.True(t, strings.HasPrefix(a.URI, "file://"), a.URI)
	assert.True(t, strings.HasSuffix(a.URI, "/foo.apk"), a.URI)
}

func TestInstallRejectsBadArtifacts(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.apk")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	cases := map[string]string{
		"missing":   filepath.Join(dir, "missing.apk"),
		"empty":     empty,
		"directory": dir,
		"blank":     "",
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			l := &recordingLauncher{}
			err := NewTrigger(l, "").Install(context.Background(), path)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInstallLaunch)
			assert.NotErrorIs(t, err, ErrLaunch)
			assert.Equal(t, 0, l.calls())
		})
	}
}

func TestInstallRejectsUnreadableArtifact(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not enforced")
	}
	if os.Getuid() == 0 {
		t.Skip("root can read anything")
	}
	path := writeArtifact(t, "locked.apk", "PK")
	require.NoError(t, os.Chmod(path, 0o000))

	err := NewTrigger(&recordingLauncher{}, "").Install(context.Background(), path)
	assert.ErrorIs(t, err, ErrInstallLaunch)
}

func TestInstallLauncherErrorIsErrLaunch(t *testing.T) {
	l := &recordingLauncher{err: errors.New("no installer")}
	path := writeArtifact(t, "foo.apk", "PK")

	err := NewTrigger(l, "custom.ACTION").Install(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunch)
	assert.NotErrorIs(t, err, ErrInstallLaunch)
	assert.Equal(t, "custom.ACTION", l.artifacts[0].Action)
}

func TestMIMEType(t *testing.T) {
	assert.Equal(t, APKMIMEType, MIMEType("/x/Foo.APK"))
	assert.Equal(t, "application/octet-stream", MIMEType("/x/foo.unknownext"))
	assert.Equal(t, "application/octet-stream", MIMEType("/x/noext"))
}

func TestCommandLauncherSubstitutesPlaceholders(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	out := filepath.Join(t.TempDir(), "launched.txt")
	l := &CommandLauncher{Argv: []string{"/bin/sh", "-c", `printf '%s|%s|%s' "$1" "$2" "$3" > "$4"`, "sh", "{path}", "{mime}", "{action}", out}}

	a := Artifact{Path: "/tmp/foo.apk", URI: "file:///tmp/foo.apk", MIMEType: APKMIMEType, Action: DefaultAction}
	require.NoError(t, l.Launch(context.Background(), a))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && string(data) == "/tmp/foo.apk|"+APKMIMEType+"|"+DefaultAction
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCommandLauncherStartFailure(t *testing.T) {
	err := (&CommandLauncher{Argv: []string{"/definitely/not/a/binary"}}).Launch(context.Background(), Artifact{})
	assert.Error(t, err)

	err = (&CommandLauncher{}).Launch(context.Background(), Artifact{})
	assert.Error(t, err)
}

func TestLogLauncherNeverFails(t *testing.T) {
	assert.NoError(t, LogLauncher{}.Launch(context.Background(), Artifact{Path: "/x.apk"}))
}

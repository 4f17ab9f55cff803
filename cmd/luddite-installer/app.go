package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/luddite-os/installer/internal/appstore"
	"github.com/luddite-os/installer/internal/catalog"
	"github.com/luddite-os/installer/internal/config"
	"github.com/luddite-os/installer/internal/httputil"
	"github.com/luddite-os/installer/internal/install"
	"github.com/luddite-os/installer/internal/logging"
	"github.com/luddite-os/installer/internal/source"
	"github.com/luddite-os/installer/internal/transfer"
	"github.com/luddite-os/installer/internal/workerpool"
)

var log = logging.L("main")

type appOptions struct {
	dryRun bool
	// console prints sink lines to out, or stdout when out is nil.
	console bool
	// clear starts the console with a form feed.
	clear bool
	out   io.Writer
	lines *logging.Broadcaster
}

// app holds the wired components for one command invocation.
type app struct {
	cfg   *config.Config
	store *appstore.Store

	pool    *workerpool.Pool
	console *logging.ConsoleSink
	logFile io.Closer
}

// withApp loads config, sets up logging, wires the store and runs fn, then
// tears everything down in reverse order.
func withApp(ctx context.Context, opts appOptions, fn func(context.Context, *app) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a := &app{cfg: cfg}
	defer a.close()

	if err := a.setupLogging(); err != nil {
		return err
	}

	// ValidateTiered logs each problem itself.
	res := cfg.ValidateTiered()
	if res.HasFatals() {
		return fmt.Errorf("invalid config: %w", errors.Join(res.Fatals...))
	}

	if err := a.wire(opts); err != nil {
		return err
	}
	return fn(ctx, a)
}

func (a *app) setupLogging() error {
	var out io.Writer = os.Stderr
	if a.cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(a.cfg.LogFile, a.cfg.LogMaxSizeMB, a.cfg.LogMaxBackups)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.logFile = rw
		out = io.MultiWriter(os.Stderr, rw)
	}
	logging.Init(a.cfg.LogFormat, a.cfg.LogLevel, out)

	if a.cfg.AuditURL != "" {
		logging.InitShipper(logging.ShipperConfig{
			URL:        a.cfg.AuditURL,
			APIKey:     a.cfg.APIKey,
			Version:    version,
			HTTPClient: httputil.NewClient(30 * time.Second),
			MinLevel:   a.cfg.AuditLevel,
		})
	}
	return nil
}

func (a *app) wire(opts appOptions) error {
	cfg := a.cfg

	retry := httputil.DefaultRetryConfig()
	retry.MaxRetries = cfg.CatalogMaxRetries
	catalogClient := catalog.New(catalog.Config{
		URL:        cfg.APIURL,
		APIKey:     cfg.APIKey,
		HTTPClient: httputil.NewClient(cfg.CatalogTimeout()),
		Retry:      retry,
	})

	// Downloads are bounded by the tracker timeout, not the HTTP client.
	registry := source.NewDefaultRegistry(source.Options{
		HTTPClient: httputil.NewClient(0),
		S3: source.S3Config{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			SessionToken:    cfg.S3SessionToken,
		},
		GCSCredentialsFile:    cfg.GCSCredentialsFile,
		AzureConnectionString: cfg.AzureConnectionString,
		B2AccountID:           cfg.B2AccountID,
		B2ApplicationKey:      cfg.B2ApplicationKey,
	})

	a.pool = workerpool.New(cfg.Workers, cfg.QueueSize)
	downloader := transfer.NewDownloader(transfer.DownloaderConfig{
		Dir:          cfg.DownloadDir,
		MinFreeBytes: cfg.MinFreeBytes,
		Registry:     registry,
		Pool:         a.pool,
	})
	tracker := transfer.NewTracker(downloader, cfg.DownloadDir, cfg.DownloadTimeout())

	var launcher install.Launcher = install.LogLauncher{}
	if !opts.dryRun && len(cfg.InstallCommand) > 0 {
		launcher = &install.CommandLauncher{Argv: cfg.InstallCommand}
	}

	visibility, err := transfer.ParseVisibility(cfg.Visibility)
	if err != nil {
		return err
	}

	sinks := logging.MultiSink{logging.SlogSink{}}
	if opts.console {
		out := opts.out
		if out == nil {
			out = os.Stdout
		}
		a.console = logging.NewConsoleSink(out)
		if opts.clear {
			a.console.Clear()
		}
		sinks = append(sinks, a.console)
	}
	if opts.lines != nil {
		sinks = append(sinks, opts.lines)
	}

	a.store = appstore.New(appstore.Config{
		Catalog:      catalogClient,
		Tracker:      tracker,
		Installer:    install.NewTrigger(launcher, cfg.InstallAction),
		Sink:         sinks,
		BucketURL:    cfg.StorageBucketURL,
		Visibility:   visibility,
		AllowMetered: cfg.AllowMetered,
		AllowRoaming: cfg.AllowRoaming,
	})

	log.Debug("installer wired",
		"apiUrl", cfg.APIURL,
		"downloadDir", cfg.DownloadDir,
		"schemes", registry.Schemes(),
		"dryRun", opts.dryRun,
	)
	return nil
}

func (a *app) close() {
	if a.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.pool.Shutdown(ctx)
		cancel()
	}
	if a.console != nil {
		a.console.Close()
	}
	logging.StopShipper()
	if a.logFile != nil {
		logging.Init(a.cfg.LogFormat, a.cfg.LogLevel, nil)
		a.logFile.Close()
	}
}

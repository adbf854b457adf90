package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

// this is set by goreleaser
var version string

func main() {
	os.Exit(realMain())
}

func realMain() int {
	if version == "" {
		version = "DEV"
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("Exiting")
		return 1
	}
	return 0
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "offline-cache",
		Usage:   "Offline-first caching proxy",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to config file",
				Sources: cli.EnvVars("OFFLINE_CACHE_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "vv",
				Usage: "Verbosity: trace logging",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Log file to use (in addition to stdout)",
			},
			&cli.StringFlag{
				Name:  "origin",
				Usage: "Origin URL to fetch from (overrides config)",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Hostname of origin",
			},
			&cli.StringFlag{
				Name:  "cache-version",
				Usage: "Version tag of the cache (overrides config)",
			},
			&cli.StringFlag{
				Name:  "notification-url",
				Usage: "Page to open when a notification is clicked (overrides config)",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "Cache DB file name (use 'memory' for in-memory db)",
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Install, activate and serve requests",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "port",
						Usage: "Port to listen on",
					},
					&cli.BoolFlag{
						Name:  "no-activate",
						Usage: "Stay installed until a SKIP_WAITING message arrives",
					},
				},
				Action: serve,
			},
			{
				Name:   "install",
				Usage:  "Pre-cache the assets of the current version",
				Action: install,
			},
			{
				Name:   "activate",
				Usage:  "Install and delete the caches of all other versions",
				Action: activate,
			},
			{
				Name:   "sweep",
				Usage:  "Evict aged entries from the dynamic cache",
				Action: sweep,
			},
			{
				Name:   "clear",
				Usage:  "Delete all caches",
				Action: clearCaches,
			},
		},
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	// set log level
	logLevel := zerolog.DebugLevel
	if cmd.Bool("vv") {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilename := cmd.String("log-file"); logFilename != "" {
		logFileOutput, err := os.OpenFile(logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return ctx, fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return ctx, nil
}

// loadConfig reads the config file and environment, with command line flags taking precedence.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	c, err := config.Load(cmd.String("config"))
	if err != nil {
		return c, err
	}
	if cmd.IsSet("origin") {
		c.Origin = cmd.String("origin")
	}
	if cmd.IsSet("host") {
		c.Host = cmd.String("host")
	}
	if cmd.IsSet("cache-version") {
		c.Version = cmd.String("cache-version")
	}
	if cmd.IsSet("notification-url") {
		c.NotificationURL = cmd.String("notification-url")
	}
	if cmd.IsSet("db") {
		c.DB = cmd.String("db")
	}
	if cmd.IsSet("port") {
		c.Port = int(cmd.Int("port"))
	}
	return c, c.Validate()
}

func openWorker(cmd *cli.Command) (*offlinecache.Worker, cache.CacheProvider, config.Config, error) {
	c, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, c, err
	}
	originURL, err := url.Parse(c.Origin)
	if err != nil {
		return nil, nil, c, fmt.Errorf("parse origin: %w", err)
	}

	// set up sqlite memory provider
	dbFilename := c.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	store, err := cache.NewSQLiteCache(dbFilename)
	if err != nil {
		return nil, nil, c, fmt.Errorf("open cache db: %w", err)
	}

	wk, err := offlinecache.New(offlinecache.Config{
		Cache:              store,
		OriginURL:          *originURL,
		OriginHost:         c.Host,
		Version:            c.Version,
		Precache:           c.Precache,
		OfflinePage:        c.OfflinePage,
		FallbackImage:      c.FallbackImage,
		SkipWaiting:        c.SkipWaiting,
		MaxAge:             c.MaxAge,
		InstallConcurrency: c.InstallConcurrency,
		Rules:              c.Rules,
		Push: offlinecache.DefaultPushFormatter{
			Title: c.PushTitle,
			Body:  c.PushBody,
			Icon:  c.PushIcon,
		},
		NotificationURL: c.NotificationURL,
		Logger:          &log.Logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, c, err
	}
	return wk, store, c, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	wk, store, c, err := openWorker(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := wk.OnInstall(ctx).Wait(ctx); err != nil {
		return err
	}
	if !cmd.Bool("no-activate") {
		if err := wk.OnActivate(ctx).Wait(ctx); err != nil {
			return err
		}
	}
	go wk.RunMaintenance(ctx, c.SweepInterval)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.Port),
		Handler: wk.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server")
		}
	}()

	log.Info().Msgf("Serving port %v from %s (with hostname '%s')", c.Port, c.Origin, c.Host)
	err = server.ListenAndServe()
	wk.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func install(ctx context.Context, cmd *cli.Command) error {
	wk, store, _, err := openWorker(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	return wk.Install(ctx)
}

func activate(ctx context.Context, cmd *cli.Command) error {
	wk, store, _, err := openWorker(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := wk.Install(ctx); err != nil {
		return err
	}
	return wk.Activate(ctx)
}

func sweep(ctx context.Context, cmd *cli.Command) error {
	wk, store, _, err := openWorker(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	result, err := wk.OnPeriodicMaintenance(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("scanned", result.Scanned).
		Int("evicted", result.Evicted).
		Int("untimed", result.Untimed).
		Strs("evictedUris", result.EvictedURIs).
		Msg("Sweep done")
	return nil
}

func clearCaches(ctx context.Context, cmd *cli.Command) error {
	wk, store, _, err := openWorker(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	reply, err := wk.OnMessage(ctx, offlinecache.Message{Command: offlinecache.CommandClearCache})
	if err != nil {
		return err
	}
	log.Info().Strs("cleared", reply.Cleared).Msg("Caches cleared")
	return nil
}

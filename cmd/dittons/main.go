package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/checkpoint"
	"github.com/marmos91/dittons/pkg/config"
	"github.com/marmos91/dittons/pkg/namenode"
	"golang.org/x/sync/errgroup"
)

const usage = `DittoNS - Hierarchical Namespace Server

Usage:
  dittons <command> [flags]

Commands:
  init     Initialize a sample configuration file
  start    Start the namespace server

Flags:
  --config string   Path to config file (default: $XDG_CONFIG_HOME/dittons/config.yaml)
  --force           Force overwrite existing config file (init command only)

Examples:
  # Initialize config file
  dittons init

  # Start server with default config location
  dittons start

  # Start server with custom config
  dittons start --config /etc/dittons/config.yaml

  # Use environment variables to override config
  DITTONS_LOGGING_LEVEL=DEBUG dittons start
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	command := os.Args[1]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	configFile := flags.String("config", "", "Path to config file")
	force := flags.Bool("force", false, "Force overwrite existing config file")
	_ = flags.Parse(os.Args[2:])

	var err error
	switch command {
	case "init":
		err = runInit(*configFile, *force)
	case "start":
		err = runStart(*configFile)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", command, usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runInit writes a commented default configuration file.
func runInit(configFile string, force bool) error {
	path := configFile
	if path == "" {
		path = config.GetDefaultConfigPath()
	}
	if err := config.InitConfigToPath(path, force); err != nil {
		return err
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("Edit the file to customize the server, then run: dittons start")
	return nil
}

// runStart loads the configuration and runs the server until SIGINT/SIGTERM.
func runStart(configFile string) error {
	if configFile == "" && !config.ConfigExists() {
		fmt.Fprintf(os.Stderr, "No configuration file found at %s, using defaults\n", config.GetDefaultConfigPath())
		fmt.Fprintf(os.Stderr, "Run 'dittons init' to create one\n\n")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return fmt.Errorf("failed to set log output: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("DittoNS - Hierarchical Namespace Server")
	logger.Info("Log level: %s", cfg.Logging.Level)

	// the health probe is only served once ns is set
	var ns *namenode.Namesystem
	m := config.InitializeMetrics(cfg, func(ctx context.Context) error {
		if ns == nil {
			return errors.New("namespace not open")
		}
		return ns.Healthcheck(ctx)
	})

	s, err := config.CreateStore(ctx, &cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("Failed to close record store: %v", err)
		}
	}()

	var sink checkpoint.Sink
	if cfg.Checkpoint.Enabled || cfg.Checkpoint.RestoreOnStart {
		if sink, err = config.CreateCheckpointSink(ctx, &cfg.Checkpoint); err != nil {
			return err
		}
	}

	if cfg.Checkpoint.RestoreOnStart {
		header, err := checkpoint.Restore(ctx, s, sink)
		switch {
		case err == nil:
			logger.Info("Namespace %s restored from image taken at %s",
				header.NamespaceID, time.UnixMilli(header.CreatedAt).UTC().Format(time.RFC3339))
		case errors.Is(err, checkpoint.ErrNotEmpty):
			logger.Debug("Record store already holds a namespace, skipping restore")
		case errors.Is(err, checkpoint.ErrNoImage):
			logger.Info("No namespace image found, starting from the record store")
		default:
			return fmt.Errorf("failed to restore namespace: %w", err)
		}
	}

	ns, err = namenode.Open(ctx, s, config.NamenodeConfig(cfg), m.NamespaceMetrics)
	if err != nil {
		return fmt.Errorf("failed to open namespace: %w", err)
	}
	ns.Start()

	if st, err := ns.Stats(ctx); err == nil {
		logger.Info("Namespace %s: files=%d blocks=%d leases=%d safemode=%v",
			ns.NamespaceID(), st.FilesTotal, st.BlocksTotal, st.LeasesTotal, st.SafeMode)
	}

	var cp *checkpoint.Checkpointer
	if cfg.Checkpoint.Enabled {
		cp = checkpoint.New(ns, sink, config.CheckpointerConfig(&cfg.Checkpoint))
		cp.Start()
		logger.Info("Checkpoints every %v, keeping %d", cfg.Checkpoint.Interval, cfg.Checkpoint.Retain)
	}

	if path := watchedConfigPath(configFile); path != "" {
		err := config.Watch(path, func(c *config.Config) {
			config.ApplyReloadable(c, ns.Leases())
		})
		if err != nil {
			logger.Warn("Config hot reload disabled: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if m.Server != nil {
		g.Go(func() error {
			return m.Server.Start(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down (timeout %v)", cfg.Server.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return shutdown(shutdownCtx, ns, cp)
	})

	logger.Info("Server is running. Press Ctrl+C to stop.")
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Server stopped")
	return nil
}

// shutdown stops the checkpointer, takes a last image and stops the
// namespace workers.
func shutdown(ctx context.Context, ns *namenode.Namesystem, cp *checkpoint.Checkpointer) error {
	var errs []error

	if cp != nil {
		if err := cp.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("checkpointer: %w", err))
		}
		if stats, err := cp.RunNow(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
		} else {
			logger.Info("Final checkpoint: %s", stats.Summary())
		}
	}

	if err := ns.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("namespace: %w", err))
	}

	return errors.Join(errs...)
}

// watchedConfigPath returns the config file to watch, or "" if none exists.
func watchedConfigPath(configFile string) string {
	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			return configFile
		}
		return ""
	}
	if config.ConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return ""
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/theroutercompany/exception_handling/pkg/config"
	pkglog "github.com/theroutercompany/exception_handling/pkg/log"
	"github.com/theroutercompany/exception_handling/pkg/metrics"
	"github.com/theroutercompany/exception_handling/pkg/server"
)

const reloadDebounce = 250 * time.Millisecond

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		log.Fatalf("webapp %s: %v", os.Args[1], err)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: webapp <command> [flags]

commands:
  run       start the HTTP server (--config path, --watch)
  validate  load and validate a configuration file (--config path)`)
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	watch := fs.Bool("watch", false, "Watch the config file for changes and restart the server")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *watch && *configPath == "" {
		return errors.New("--config is required when --watch is enabled")
	}

	opts := []config.Option{}
	if *configPath != "" {
		opts = append(opts, config.WithPath(*configPath))
	}

	cfg, err := config.Load(opts...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if syncErr := pkglog.Sync(); syncErr != nil {
			log.Printf("logger sync failed: %v", syncErr)
		}
	}()

	var reloads <-chan config.Config
	if *watch {
		ch, err := watchConfig(ctx, *configPath, opts)
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		reloads = ch
	}

	for {
		next, err := serve(ctx, cfg, reloads)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		cfg = *next
	}
}

// serve runs one server generation. It returns the next configuration when a
// reload was requested, or nil once ctx is done.
func serve(ctx context.Context, cfg config.Config, reloads <-chan config.Config) (*config.Config, error) {
	logger, err := pkglog.Configure(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}

	srv, err := server.New(cfg, metrics.NewRegistry(), server.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("build server: %w", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- srv.Start(runCtx) }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, nil
	case next := <-reloads:
		logger.Infow("configuration changed, restarting server")
		stop()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			return nil, err
		}
		return &next, nil
	}
}

func watchConfig(ctx context.Context, path string, opts []config.Option) (<-chan config.Config, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	out := make(chan config.Config, 1)
	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				pending = time.After(reloadDebounce)
			case <-pending:
				pending = nil
				cfg, err := config.Load(opts...)
				if err != nil {
					pkglog.Shared().Warnw("ignoring invalid configuration change", "error", err, "path", abs)
					continue
				}
				select {
				case out <- cfg:
				default:
					// A reload is already queued; replace it with the newer config.
					select {
					case <-out:
					default:
					}
					out <- cfg
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				pkglog.Shared().Warnw("config watcher error", "error", err)
			}
		}
	}()
	return out, nil
}

func validateCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("--config is required")
	}
	if _, err := os.Stat(*configPath); err != nil {
		return fmt.Errorf("stat config: %w", err)
	}

	cfg, err := config.Load(config.WithPath(*configPath))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "configuration valid (environment=%s port=%d stackTraces=%t)\n", cfg.Environment, cfg.HTTP.Port, cfg.StackTraces())
	return nil
}

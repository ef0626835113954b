// Package cmd is the forwarding engine's CLI entry point.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	goFlags "github.com/jessevdk/go-flags"

	"github.com/0neday/dnsmasq/internal/config"
	"github.com/0neday/dnsmasq/internal/forward"
)

// Main is the entrypoint of the forwarding engine's CLI.
func Main() {
	opts, err := config.Parse(os.Args)
	if err != nil {
		if flagsErr, ok := err.(*goFlags.Error); ok && flagsErr.Type == goFlags.ErrHelp {
			os.Exit(0)
		}
		_, _ = fmt.Fprintln(os.Stderr, fmt.Errorf("parsing options: %w", err))
		os.Exit(osutil.ExitCodeArgumentError)
	}

	logOutput := os.Stdout
	if opts.LogOutput != "" {
		// #nosec G302 -- Trust the file path given in the configuration.
		logOutput, err = os.OpenFile(opts.LogOutput, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, fmt.Errorf("cannot create a log file: %w", err))
			os.Exit(osutil.ExitCodeArgumentError)
		}
		defer func() { _ = logOutput.Close() }()
	}

	lvl := slog.LevelInfo
	if opts.Verbose {
		lvl = slog.LevelDebug
	}

	l := slogutil.New(&slogutil.Config{
		Output: logOutput,
		Format: slogutil.FormatDefault,
		Level:  lvl,
	})

	ctx := context.Background()
	l.InfoContext(ctx, "forwarding engine starting")

	if err := run(ctx, l, opts); err != nil {
		l.ErrorContext(ctx, "running forwarding engine", slogutil.KeyError, err)

		if logOutput != os.Stdout {
			_ = logOutput.Close()
		}
		os.Exit(osutil.ExitCodeFailure)
	}
}

// run builds and starts the engine, then blocks until SIGINT/SIGTERM.
func run(ctx context.Context, l *slog.Logger, opts *config.Options) error {
	engConf, err := opts.BuildEngineConfig()
	if err != nil {
		return fmt.Errorf("building engine config: %w", err)
	}

	servers, err := opts.BuildServerSet()
	if err != nil {
		return fmt.Errorf("building server set: %w", err)
	}

	bogusAddrs, err := opts.BuildBogusAddrs()
	if err != nil {
		return fmt.Errorf("building bogus-nxdomain list: %w", err)
	}

	eng, err := forward.New(engConf, servers, l)
	if err != nil {
		return fmt.Errorf("constructing engine: %w", err)
	}
	eng.Bogus = forward.NewWildcardDetector(bogusAddrs)

	for _, addr := range opts.ListenAddrs {
		if err := eng.ListenUDP(addr); err != nil {
			return fmt.Errorf("listening udp on %s: %w", addr, err)
		}
		if err := eng.ListenTCP(addr); err != nil {
			return fmt.Errorf("listening tcp on %s: %w", addr, err)
		}
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	l.InfoContext(ctx, "forwarding engine started", "listen", opts.ListenAddrs, "upstreams", len(opts.Upstreams))

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	<-signalChannel

	l.InfoContext(ctx, "forwarding engine shutting down")

	if err := eng.Shutdown(ctx); err != nil {
		return fmt.Errorf("stopping engine: %w", err)
	}

	return nil
}

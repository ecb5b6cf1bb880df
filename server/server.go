// Package server wires together the config, route, certs, metrics,
// listener, and engine packages into the running proxy described by
// spec.md §3, mirroring how the teacher's server.Run assembles its
// sniffer, backend map, and proxy before starting the accept loop.
package server

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hostbridge/hostbridge/internal/certs"
	"github.com/hostbridge/hostbridge/internal/config"
	"github.com/hostbridge/hostbridge/internal/listener"
	"github.com/hostbridge/hostbridge/internal/metrics"
	"github.com/hostbridge/hostbridge/internal/route"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// parseLogLevel tries to parse the user-provided level string into a
// zapcore.Level, defaulting to Info on an empty or unrecognized value.
func parseLogLevel(levelStr string) zapcore.Level {
	if levelStr == "" {
		return zapcore.InfoLevel
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		fmt.Printf("Unknown log level %q; defaulting to INFO\n", levelStr)
		return zapcore.InfoLevel
	}
	return lvl
}

// snapshotSource is the subset of config.Watcher that run depends on,
// so a static configuration can stand in for a file-backed one without
// touching the filesystem.
type snapshotSource interface {
	Current() *config.Snapshot
}

// staticSource implements snapshotSource over a single fixed Snapshot,
// used by Run when the caller already has one in memory.
type staticSource struct{ snapshot *config.Snapshot }

func (s staticSource) Current() *config.Snapshot { return s.snapshot }

// RunWithConfigFile loads the configuration at path, watches it for
// changes, and serves traffic until ctx is cancelled or a fatal error
// occurs.
func RunWithConfigFile(ctx context.Context, path string) error {
	watcher, err := config.NewWatcher(path, zap.NewNop())
	if err != nil {
		return fmt.Errorf("server: load config: %w", err)
	}
	go watcher.Start()
	defer watcher.Stop()
	return run(ctx, watcher)
}

// Run serves traffic from a single, static configuration snapshot, for
// embedders and tests that already have a Snapshot and don't need file
// watching.
func Run(ctx context.Context, snapshot *config.Snapshot) error {
	return run(ctx, staticSource{snapshot: snapshot})
}

// state bundles a snapshot with the route.Resolver built from it, so a
// reload publishes both together: the listener pool never observes a
// resolver that doesn't match the snapshot it reports alongside it.
type state struct {
	snapshot *config.Snapshot
	resolver *route.Resolver
}

func run(ctx context.Context, src snapshotSource) error {
	if ctx == nil {
		ctx = context.Background()
	}

	initial := src.Current()
	lvl := parseLogLevel(initial.LogLevel)

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zapCfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	collector := metrics.New(nil)

	certProvider, err := certs.NewSelfSignedProvider(initial.CertDir, logger.Named("certs"))
	if err != nil {
		return fmt.Errorf("server: certificate provider: %w", err)
	}
	certProvider.OnIssued = collector.CertificateIssued

	current := &atomic.Pointer[state]{}
	if err := publish(current, initial); err != nil {
		return fmt.Errorf("server: initial route table: %w", err)
	}

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	go watchForReload(pollCtx, src, current, logger)

	pool := &listener.Pool{
		Logger:  logger,
		Metrics: collector,
		Certs:   certProvider,
	}

	logger.Info("hostbridge starting",
		zap.String("http_port", initial.HTTPPort),
		zap.String("https_port", initial.HTTPSPort),
		zap.Int("sites", len(initial.Sites)),
	)

	err = pool.Serve(ctx, func() (*config.Snapshot, *route.Resolver) {
		s := current.Load()
		return s.snapshot, s.resolver
	})
	if err != nil && ctx.Err() != nil {
		logger.Info("hostbridge shutting down")
		return nil
	}
	return err
}

// watchForReload polls src for a new Snapshot and republishes the
// derived state atomically whenever one appears. Polling rather than a
// push channel keeps snapshotSource a one-method interface that a bare
// static snapshot can satisfy trivially.
func watchForReload(ctx context.Context, src snapshotSource, current *atomic.Pointer[state], logger *zap.Logger) {
	const pollInterval = 500 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := src.Current()
			if snapshot == current.Load().snapshot {
				continue
			}
			if err := publish(current, snapshot); err != nil {
				logger.Error("rejected reloaded configuration", zap.Error(err))
				continue
			}
			logger.Info("configuration reloaded", zap.Int("sites", len(snapshot.Sites)))
		}
	}
}

func publish(current *atomic.Pointer[state], snapshot *config.Snapshot) error {
	resolver, err := route.New(snapshot)
	if err != nil {
		return err
	}
	current.Store(&state{snapshot: snapshot, resolver: resolver})
	return nil
}

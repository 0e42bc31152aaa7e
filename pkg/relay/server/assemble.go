package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/agentprofile"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/archive"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/config"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/handoff"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/metrics"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/transcript"
)

// Assemble builds a Server with every optional integration cfg enables: the
// agent profile, the Postgres archive mirror and the handoff targets.
func Assemble(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New("")

	settings, err := agentprofile.Resolve(cfg.AgentProfilePath, cfg.AgentPromptPath)
	if err != nil {
		return nil, err
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var store transcript.Store = transcript.FileStore{Dir: cfg.TranscriptDir}
	if cfg.DatabaseURL != "" {
		pg, err := archive.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("open transcript archive: %w", err)
		}
		closers = append(closers, pg.Close)
		store = transcript.MirrorStore{
			Primary: store,
			Mirrors: []transcript.Store{pg},
			Logger:  logger,
		}
		logger.Info("transcript archive enabled")
	}

	fanout := &handoff.Fanout{Metrics: m}
	if cfg.AnalyzerCommand != "" {
		fanout.Targets = append(fanout.Targets, handoff.Target{
			Name: "analyzer",
			Dispatcher: &handoff.ProcessLauncher{
				Command: cfg.AnalyzerCommand,
				Args:    cfg.AnalyzerArgs,
				Dir:     cfg.AnalyzerDir,
				Logger:  logger,
			},
		})
	}
	if cfg.CloudFunctionURL != "" {
		fanout.Targets = append(fanout.Targets, handoff.Target{
			Name: "cloud",
			Dispatcher: &handoff.CloudUploader{
				URL:     cfg.CloudFunctionURL,
				Timeout: cfg.CloudUploadTimeout,
				Logger:  logger,
			},
		})
	}
	if cfg.NATSURL != "" {
		nc, err := handoff.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		closers = append(closers, func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		})
		fanout.Targets = append(fanout.Targets, handoff.Target{
			Name:       "nats",
			Dispatcher: &handoff.NATSPublisher{Conn: nc, Subject: cfg.NATSSubject},
		})
	}
	for _, t := range fanout.Targets {
		logger.Info("transcript handoff target enabled", "target", t.Name)
	}

	s := New(cfg, logger, Deps{
		Metrics:  m,
		Store:    store,
		Handoff:  fanout,
		Settings: &settings,
	})
	s.closers = closers
	return s, nil
}

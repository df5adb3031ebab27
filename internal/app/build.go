package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/agent"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/httpapi"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/session"
	"github.com/ent0n29/parley/internal/style"
	"github.com/ent0n29/parley/internal/ticket"
	"github.com/ent0n29/parley/internal/transcode"
)

type SpeechInfo struct {
	Transcriber string
	Synthesizer string
	Agent       string
	Detail      string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Speech   SpeechInfo

	// Cleanup should be called on shutdown to release external resources (DB, redis).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	tickets, closeTickets, err := buildTicketStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ticket store init failed: %w", err)
	}

	styleStore, err := style.NewStore(ctx, cfg.DatabaseURL, cfg.StyleCacheSize)
	if err != nil {
		_ = closeTickets()
		return nil, fmt.Errorf("style store init failed: %w", err)
	}

	adapter, agentName, err := agent.NewAdapter(agent.Config{
		Mode:    cfg.AgentMode,
		HTTPURL: cfg.AgentHTTPURL,
		Timeout: cfg.AgentTimeout,
		Retries: 2,
	})
	if err != nil {
		_ = styleStore.Close()
		_ = closeTickets()
		return nil, fmt.Errorf("agent adapter init failed: %w", err)
	}

	speechSetup, err := resolveSpeechProviders(cfg)
	if err != nil {
		_ = styleStore.Close()
		_ = closeTickets()
		return nil, err
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		logger.Info("session expired", zap.String("connection_id", s.ID), zap.String("user_id", s.UserID))
	})

	opts := session.DefaultOptions()
	opts.DefaultVoice = cfg.DefaultVoice
	opts.TranscriberName = speechSetup.transcriberName
	opts.SynthesizerName = speechSetup.synthesizerName
	opts.AgentName = agentName

	deps := session.Deps{
		Manager:     sessions,
		Transcoder:  transcode.NewSelector(cfg.FFmpegPath),
		Transcriber: speechSetup.transcriber,
		Synthesizer: speechSetup.synthesizer,
		Agent:       adapter,
		Learner:     style.NewLearner(styleStore),
		Metrics:     metrics,
		Logger:      logger.Named("session"),
		Options:     opts,
	}

	api, err := httpapi.New(cfg, tickets, deps, logger.Named("http"))
	if err != nil {
		_ = styleStore.Close()
		_ = closeTickets()
		return nil, fmt.Errorf("http api init failed: %w", err)
	}

	cleanup := func() error {
		var errs []string
		if err := styleStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := closeTickets(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Speech: SpeechInfo{
			Transcriber: speechSetup.transcriberName,
			Synthesizer: speechSetup.synthesizerName,
			Agent:       agentName,
			Detail:      speechSetup.detail,
		},
		Cleanup: cleanup,
	}, nil
}

func buildTicketStore(ctx context.Context, cfg config.Config) (ticket.Store, func() error, error) {
	switch cfg.TicketStore {
	case "redis":
		s, err := ticket.NewRedisStore(ctx, cfg.RedisURL, cfg.TicketTTL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return ticket.NewMemoryStore(cfg.TicketTTL), func() error { return nil }, nil
	}
}

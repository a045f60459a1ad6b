package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/voxhall/relay/pkg/configutil"
	"github.com/voxhall/relay/pkg/logging"
	"github.com/voxhall/relay/pkg/notify"
	"github.com/voxhall/relay/pkg/relay"
	"github.com/voxhall/relay/pkg/session"
	"github.com/voxhall/relay/pkg/store"
	"github.com/voxhall/relay/pkg/stt"
	"github.com/voxhall/relay/pkg/stt/assemblyai"
	"github.com/voxhall/relay/pkg/stt/deepgram"
	"github.com/voxhall/relay/pkg/suggest"
	"github.com/voxhall/relay/pkg/telephony/twilio"
	"github.com/voxhall/relay/pkg/transcript"
)

// App owns the assembled service and its closeable resources.
type App struct {
	cfg    Config
	logger *slog.Logger

	server     *twilio.Server
	closeStore func()
	notifier   notify.Notifier
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "app"),
	}

	st, closeStore, err := openStore(ctx, cfg.Store, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closeStore = closeStore

	notifier, err := openNotifier(ctx, cfg.Notify)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open notifier: %w", err)
	}
	a.notifier = notifier

	advisor, err := buildAdvisor(ctx, cfg.Vendors.Advisor)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build advisor: %w", err)
	}
	if advisor == nil {
		a.logger.Warn("advisor_disabled")
	}

	factory, err := buildSTTFactory(cfg.Vendors.STT)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build stt client: %w", err)
	}

	filterCfg := transcript.FilterConfig{
		MinLength:   cfg.Relay.Filter.MinLength,
		FillerWords: cfg.Relay.Filter.FillerWords,
		DedupWindow: ms(cfg.Relay.Filter.DedupWindowMS),
		HistorySize: cfg.Relay.Filter.HistorySize,
	}
	filter := transcript.NewFilter(filterCfg)
	writer := transcript.NewWriter(st, notifier, logger)
	registry := session.NewRegistry(st, session.Config{
		MaxAttempts: cfg.Relay.Session.ResolveMaxAttempts,
		Backoff:     ms(cfg.Relay.Session.ResolveBackoffMS),
		BufferLimit: cfg.Relay.Session.BufferLimit,
		SeedWindow:  ms(cfg.Relay.Filter.DedupWindowMS),
		SeedLimit:   cfg.Relay.Filter.HistorySize,
	}, logger)
	newTrigger := func() *suggest.Trigger {
		return suggest.NewTrigger(advisor, st, notifier, logger, suggest.TriggerConfig{
			Cooldown:       ms(cfg.Relay.Suggest.CooldownMS),
			RequestTimeout: ms(cfg.Relay.Suggest.RequestTimeoutMS),
		})
	}
	orch := relay.NewOrchestrator(relay.Config{
		SampleRate:     cfg.Relay.SampleRate,
		ConnectTimeout: ms(cfg.Relay.ConnectTimeoutMS),
		TrackRoles:     trackRoles(cfg.Relay.TrackRoles),
	}, logger, registry, filter, writer, factory, newTrigger)

	switch strings.ToLower(strings.TrimSpace(cfg.Telephony.Provider)) {
	case "twilio":
		var tcfg twilio.Config
		if err := configutil.DecodeSettings(cfg.Telephony.Settings, &tcfg); err != nil {
			a.Close()
			return nil, fmt.Errorf("telephony.settings: %w", err)
		}
		a.server = twilio.NewServer(tcfg, st, orch, logger)
	default:
		a.Close()
		return nil, fmt.Errorf("telephony.provider %q is not supported", cfg.Telephony.Provider)
	}

	return a, nil
}

// Run serves until the context is canceled, then releases resources.
func (a *App) Run(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.logger.Info("shutdown_started")
	_ = a.server.Stop()
	a.Close()
	a.logger.Info("shutdown_complete")
	return nil
}

func (a *App) Close() {
	if c, ok := a.notifier.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if a.closeStore != nil {
		a.closeStore()
	}
}

func openStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (store.Store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "memory", "":
		return store.NewMemory(), func() {}, nil
	case "postgres":
		if cfg.Migrate {
			db, err := sql.Open("pgx", cfg.DSN)
			if err != nil {
				return nil, nil, err
			}
			if err := store.Migrate(ctx, db); err != nil {
				_ = db.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
			_ = db.Close()
			logger.Info("migrations_applied")
		}
		pg, err := store.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("store.driver %q is not supported", cfg.Driver)
	}
}

func openNotifier(ctx context.Context, cfg NotifyConfig) (notify.Notifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		return notify.Noop{}, nil
	case "redis":
		return notify.OpenRedis(ctx, notify.RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	default:
		return nil, fmt.Errorf("notify.provider %q is not supported", cfg.Provider)
	}
}

func buildAdvisor(ctx context.Context, cfg VendorConfig) (suggest.Advisor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		return nil, nil
	case "openai":
		if err := configutil.ValidateSettings(cfg.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "base_url"},
		}); err != nil {
			return nil, fmt.Errorf("vendors.advisor.settings: %w", err)
		}
		var s struct {
			APIKey  string `mapstructure:"api_key"`
			Model   string `mapstructure:"model"`
			BaseURL string `mapstructure:"base_url"`
		}
		if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
			return nil, err
		}
		if s.Model == "" {
			s.Model = "gpt-4o-mini"
		}
		adv := suggest.NewOpenAI(s.APIKey, s.Model)
		if s.BaseURL != "" {
			adv.BaseURL = s.BaseURL
		}
		return adv, nil
	case "gemini":
		if err := configutil.ValidateSettings(cfg.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model"},
		}); err != nil {
			return nil, fmt.Errorf("vendors.advisor.settings: %w", err)
		}
		var s struct {
			APIKey string `mapstructure:"api_key"`
			Model  string `mapstructure:"model"`
		}
		if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
			return nil, err
		}
		return suggest.NewGemini(ctx, s.APIKey, s.Model)
	default:
		return nil, fmt.Errorf("vendors.advisor.provider %q is not supported", cfg.Provider)
	}
}

func buildSTTFactory(cfg VendorConfig) (stt.Factory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "assemblyai":
		if err := configutil.ValidateSettings(cfg.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"min_confidence", "token_url", "stream_url", "token_expiry_sec"},
		}); err != nil {
			return nil, fmt.Errorf("vendors.stt.settings: %w", err)
		}
		var s struct {
			APIKey         string  `mapstructure:"api_key"`
			MinConfidence  float64 `mapstructure:"min_confidence"`
			TokenURL       string  `mapstructure:"token_url"`
			StreamURL      string  `mapstructure:"stream_url"`
			TokenExpirySec int     `mapstructure:"token_expiry_sec"`
		}
		if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
			return nil, err
		}
		return func(sc stt.Config) stt.Client {
			return assemblyai.New(assemblyai.Config{
				APIKey:         s.APIKey,
				TokenURL:       s.TokenURL,
				StreamURL:      s.StreamURL,
				SampleRate:     sc.SampleRate,
				MinConfidence:  s.MinConfidence,
				TokenExpirySec: s.TokenExpirySec,
				CallSID:        sc.CallSID,
				TraceID:        sc.TraceID,
			})
		}, nil
	case "deepgram":
		if err := configutil.ValidateSettings(cfg.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "min_confidence"},
		}); err != nil {
			return nil, fmt.Errorf("vendors.stt.settings: %w", err)
		}
		var s struct {
			APIKey        string  `mapstructure:"api_key"`
			Model         string  `mapstructure:"model"`
			Language      string  `mapstructure:"language"`
			MinConfidence float64 `mapstructure:"min_confidence"`
		}
		if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
			return nil, err
		}
		return func(sc stt.Config) stt.Client {
			language := s.Language
			if language == "" {
				language = sc.Language
			}
			return deepgram.New(deepgram.Config{
				APIKey:        s.APIKey,
				Model:         s.Model,
				Language:      language,
				SampleRate:    sc.SampleRate,
				MinConfidence: s.MinConfidence,
				CallSID:       sc.CallSID,
				TraceID:       sc.TraceID,
			})
		}, nil
	default:
		return nil, fmt.Errorf("vendors.stt.provider %q is not supported", cfg.Provider)
	}
}

func trackRoles(raw map[string]string) map[string]store.Role {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]store.Role, len(raw))
	for track, role := range raw {
		if strings.EqualFold(strings.TrimSpace(role), "agent") {
			out[track] = store.RoleAgent
		} else {
			out[track] = store.RoleCustomer
		}
	}
	return out
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

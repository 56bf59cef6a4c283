package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bookout-recon/internal/monitoring"
	"github.com/sells-group/bookout-recon/internal/recommend"
	"github.com/sells-group/bookout-recon/internal/resilience"
	"github.com/sells-group/bookout-recon/internal/revalue"
	"github.com/sells-group/bookout-recon/internal/session"
	"github.com/sells-group/bookout-recon/internal/store"
	"github.com/sells-group/bookout-recon/pkg/anthropic"
	"github.com/sells-group/bookout-recon/pkg/bookout"
)

// env holds the wired engine for one command invocation.
type env struct {
	Store    store.Store
	Sessions *session.Manager
}

func (e *env) Close() {
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "recon.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initProvider returns nil when no API key is configured; revaluation then
// always uses stored adjustments.
func initProvider() bookout.Client {
	if cfg.Provider.APIKey == "" {
		zap.L().Warn("provider api key not set; revaluation will use stored adjustments")
		return nil
	}
	return bookout.NewClient(cfg.Provider.APIKey,
		bookout.WithBaseURL(cfg.Provider.BaseURL),
		bookout.WithRateLimit(cfg.Provider.RatePerSec, cfg.Provider.Burst),
	)
}

func initEnv(ctx context.Context, mode string) (*env, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}

	bcfg := cfg.Resilience.Breaker()
	bcfg.OnChange = monitoring.BreakerChanged
	rv := revalue.New(initProvider(),
		revalue.WithTimeout(cfg.Provider.Timeout()),
		revalue.WithBreaker(resilience.NewBreaker("bookout", bcfg)),
	)

	return &env{
		Store:    st,
		Sessions: session.NewManager(st, rv, session.WithTTL(cfg.Session.TTL())),
	}, nil
}

func initRecommender() recommend.Recommender {
	return recommend.NewClaude(anthropic.NewClient(cfg.Anthropic.Key),
		recommend.WithModel(cfg.Anthropic.Model),
		recommend.WithMaxTokens(cfg.Anthropic.MaxTokens),
		recommend.WithBackoff(cfg.Resilience.Backoff()),
	)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}

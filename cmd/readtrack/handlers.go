package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/readtrack/internal/config"
	"github.com/elonfeng/readtrack/internal/logging"
	"github.com/elonfeng/readtrack/internal/metrics"
	"github.com/elonfeng/readtrack/internal/scheduler"
	"github.com/elonfeng/readtrack/internal/store"
	"github.com/elonfeng/readtrack/pkg/alert"
	"github.com/elonfeng/readtrack/pkg/counter"
	"github.com/elonfeng/readtrack/pkg/reconcile"
	"github.com/elonfeng/readtrack/pkg/server"
	"github.com/elonfeng/readtrack/pkg/stats"
	"github.com/elonfeng/readtrack/pkg/tracker"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, nil
}

func buildCache(cfg *config.Config) (counter.Cache, error) {
	ttls := counter.TTLs{Read: cfg.Cache.ParseReadTTL(), Marker: cfg.Cache.ParseMarkerTTL()}

	var c counter.Cache
	switch cfg.Cache.Backend {
	case config.BackendMemory:
		c = counter.NewMemory(ttls, cfg.Cache.ParseCleanupInterval())
	default:
		r, err := counter.NewRedisFromURL(cfg.Cache.RedisURL, ttls)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		c = r
	}

	if !cfg.Cache.Breaker.Enabled {
		return c, nil
	}
	return counter.NewBreaker(c, counter.BreakerConfig{
		FailureThreshold: cfg.Cache.Breaker.FailureThreshold,
		MaxRequests:      cfg.Cache.Breaker.MaxRequests,
		Interval:         cfg.Cache.Breaker.ParseInterval(),
		Timeout:          cfg.Cache.Breaker.ParseTimeout(),
	}), nil
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func buildScheduler(cfg *config.Config) *scheduler.Scheduler {
	return scheduler.New(scheduler.Config{
		Workers:        cfg.Reconcile.Workers,
		QueueSize:      cfg.Reconcile.QueueSize,
		MaxAttempts:    cfg.Reconcile.MaxAttempts,
		InitialBackoff: cfg.Reconcile.ParseInitialBackoff(),
		MaxBackoff:     cfg.Reconcile.ParseMaxBackoff(),
		AttemptTimeout: cfg.Reconcile.ParseAttemptTimeout(),
	})
}

// openBackends opens the durable store and the counter cache.
func openBackends(cfg *config.Config) (store.Store, counter.Cache, func(), error) {
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	cache, err := buildCache(cfg)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	closeAll := func() {
		if err := cache.Close(); err != nil {
			logging.Warn().Err(err).Msg("close cache")
		}
		if err := db.Close(); err != nil {
			logging.Warn().Err(err).Msg("close store")
		}
	}
	return db, cache, closeAll, nil
}

func runServe(port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	db, cache, closeAll, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	var upstream *url.URL
	if cfg.Server.Upstream != "" {
		upstream, err = url.Parse(cfg.Server.Upstream)
		if err != nil {
			return fmt.Errorf("parse server.upstream: %w", err)
		}
	}

	sched := buildScheduler(cfg)
	dispatcher := reconcile.NewDispatcher(reconcile.New(cache, db), sched, buildAlertManager(cfg))

	sched.Every("cache-health", cfg.Cache.ParseHealthInterval(), func(ctx context.Context) {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := cache.Ping(pctx)
		metrics.SetCacheReachable(err == nil)
		if err != nil {
			logging.Warn().Err(err).Msg("counter cache unreachable")
		}
	})

	srv := server.New(server.Options{
		Recorder: tracker.NewRecorder(cache, db, dispatcher),
		Stats:    stats.NewReader(cache, db, cfg.Cache.ParseReadTTL()),
		Identity: server.IdentityResolver{
			Header: cfg.Server.UserHeader,
			Cookie: cfg.Server.SessionCookie,
		},
		Store:    db,
		Cache:    cache,
		Upstream: upstream,
		Port:     port,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.ParseShutdownTimeout())
	})

	err = g.Wait()
	logging.Info().Msg("readtrack stopped")
	return err
}

func runStats(articleID int64, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, cache, closeAll, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	rep, err := stats.NewReader(cache, db, cfg.Cache.ParseReadTTL()).GetArticleStats(context.Background(), articleID)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	if jsonOutput {
		return printJSON(rep)
	}

	fmt.Printf("article %d: %d reads, %d users (source: %s)\n",
		rep.ArticleID, rep.TotalReads, rep.UserCount, rep.Source)
	if len(rep.Distribution) == 0 {
		return nil
	}

	users := make([]string, 0, len(rep.Distribution))
	for u := range rep.Distribution {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if rep.Distribution[users[i]] != rep.Distribution[users[j]] {
			return rep.Distribution[users[i]] > rep.Distribution[users[j]]
		}
		return users[i] < users[j]
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tREADS")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%d\n", u, rep.Distribution[u])
	}
	return w.Flush()
}

func runTop(limit int, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	top, err := db.TopArticles(context.Background(), limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(top)
	}

	if len(top) == 0 {
		fmt.Println("no reads recorded yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ARTICLE\tREADS\tUSERS\tLAST UPDATED")
	for _, st := range top {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n",
			st.ArticleID, st.TotalReads, st.UserCount,
			st.LastUpdated.Format(time.RFC3339))
	}
	return w.Flush()
}

func runReconcile(articleID int64, userID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, cache, closeAll, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	if err := reconcile.New(cache, db).Reconcile(context.Background(), articleID, userID); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "reconciled article %d for %s\n", articleID, userID)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

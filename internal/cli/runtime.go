package cli

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/pagesync/internal/config"
	"github.com/ppiankov/pagesync/internal/logging"
	"github.com/ppiankov/pagesync/internal/metrics"
	"github.com/ppiankov/pagesync/internal/privacy"
	"github.com/ppiankov/pagesync/internal/report"
	"github.com/ppiankov/pagesync/internal/source"
	"github.com/ppiankov/pagesync/internal/store"
	"github.com/ppiankov/pagesync/internal/syncer"
)

// runtime holds everything a sync command needs. Close releases the store.
type runtime struct {
	cfg     *config.Config
	log     *logrus.Logger
	store   store.Store
	source  *source.ApifySource
	targets []syncer.Target
}

func loadRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	src, err := newSource(cfg, log)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &runtime{
		cfg:     cfg,
		log:     log,
		store:   st,
		source:  src,
		targets: syncer.TargetsFromConfig(cfg),
	}, nil
}

func (r *runtime) Close() error {
	return r.store.Close()
}

func (r *runtime) engine(m *metrics.Metrics) (*syncer.Engine, error) {
	redactor, err := privacy.New(
		[]string{r.cfg.Source.Apify.Token, r.cfg.Storage.URI},
		r.cfg.Log.Redact,
	)
	if err != nil {
		return nil, fmt.Errorf("build redactor: %w", err)
	}

	eng, err := syncer.New(r.source, r.store, syncer.Options{
		Logger:       r.log,
		Metrics:      m,
		StoreTimeout: r.cfg.Storage.Timeout.Duration,
		Concurrency:  r.cfg.Sync.Concurrency,
		Redact:       redactor.Redact,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return eng, nil
}

// selectTargets narrows the configured targets to ids. Unknown ids are an error.
func (r *runtime) selectTargets(ids []string) ([]syncer.Target, error) {
	known := r.cfg.PageIDs()
	for _, id := range ids {
		if !slices.Contains(known, id) {
			return nil, fmt.Errorf("page %q is not configured", id)
		}
	}
	return syncer.Filter(r.targets, ids), nil
}

// failureStreaks reads the recent run history of each page. A store error
// only drops the streak for that page.
func (r *runtime) failureStreaks(ctx context.Context, pageIDs []string) map[string]int {
	streaks := make(map[string]int, len(pageIDs))
	for _, id := range pageIDs {
		runs, err := r.store.RecentRuns(ctx, id, streakWindow)
		if err != nil {
			r.log.WithError(err).WithField("page", id).Warn("read run history")
			continue
		}
		streaks[id] = report.FailureStreak(runs)
	}
	return streaks
}

const streakWindow = 50

func newSource(cfg *config.Config, log *logrus.Logger) (*source.ApifySource, error) {
	a := cfg.Source.Apify
	src, err := source.NewApify(source.ApifyOptions{
		BaseURL:           a.BaseURL,
		ActorID:           a.ActorID,
		Token:             a.Token,
		Timeout:           a.Timeout.Duration,
		MaxRetries:        *a.MaxRetries,
		RequestsPerMinute: *a.RequestsPerMinute,
		ArchiveDir:        a.ArchiveDir,
		InputTemplate:     a.InputTemplate,
		Logger:            log,
	})
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}
	return src, nil
}

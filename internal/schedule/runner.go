// Package schedule drives periodic page syncs with gocron.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/ppiankov/pagesync/internal/logging"
	"github.com/ppiankov/pagesync/internal/syncer"
)

// Syncer is the engine surface the runner needs.
type Syncer interface {
	SyncPage(ctx context.Context, target syncer.Target) syncer.Result
}

// Options configure a Runner.
type Options struct {
	Logger *logrus.Logger
	// OnResult receives every page result. Calls are serialized.
	OnResult    func(syncer.Result)
	StopTimeout time.Duration
}

// Runner syncs every target on its own poll interval until its context ends.
type Runner struct {
	syncer  Syncer
	targets []syncer.Target
	opts    Options
	log     *logrus.Logger

	mu sync.Mutex
}

func NewRunner(s Syncer, targets []syncer.Target, opts Options) (*Runner, error) {
	if s == nil {
		return nil, errors.New("syncer is required")
	}
	if len(targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	for _, t := range targets {
		if t.PollInterval <= 0 {
			return nil, fmt.Errorf("page %q: poll interval must be positive", t.PageID)
		}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	return &Runner{syncer: s, targets: targets, opts: opts, log: opts.Logger}, nil
}

// Run registers one job per target, starts them immediately and blocks
// until ctx is cancelled. A page whose previous sync is still running when
// its next tick fires is rescheduled rather than run twice.
func (r *Runner) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithStopTimeout(r.opts.StopTimeout),
	)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	for _, t := range r.targets {
		_, err := sched.NewJob(
			gocron.DurationJob(t.PollInterval),
			gocron.NewTask(func() {
				r.runOnce(ctx, t)
			}),
			gocron.WithName(t.PageID),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			_ = sched.Shutdown()
			return fmt.Errorf("schedule page %q: %w", t.PageID, err)
		}
		r.log.WithFields(logrus.Fields{
			"page":     t.PageID,
			"interval": t.PollInterval.String(),
		}).Info("page scheduled")
	}

	sched.Start()
	r.log.WithField("pages", len(r.targets)).Info("watch started")

	<-ctx.Done()

	r.log.Info("shutting down scheduler")
	if err := sched.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

func (r *Runner) runOnce(ctx context.Context, t syncer.Target) {
	if ctx.Err() != nil {
		return
	}
	res := r.syncer.SyncPage(ctx, t)
	if r.opts.OnResult == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.OnResult(res)
}

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"atmosync/internal/api"
	"atmosync/internal/mirror"

	"github.com/go-co-op/gocron"
)

// DefaultInterval is used when no positive interval is configured
const DefaultInterval = 15 * time.Minute

// Syncer is the part of the sync engine the scheduler drives
type Syncer interface {
	ReconcileDevices(ctx context.Context, req api.StationsRequest) (mirror.ReconcileResult, error)
	SyncMeasurements(ctx context.Context, requestLimit int, minUpdateInterval time.Duration) (bool, error)
}

// Config holds the periodic sync settings
type Config struct {
	Interval time.Duration
	// Reconcile devices on every Nth tick, starting with the first; 0 never reconciles
	ReconcileEvery    int
	Stations          api.StationsRequest
	RequestLimit      int
	MinUpdateInterval time.Duration
	// Upper bound for one tick; 0 means no bound
	Timeout time.Duration
}

// Scheduler runs periodic sync passes
type Scheduler struct {
	scheduler *gocron.Scheduler
	syncer    Syncer
	cfg       Config
	onUpdate  func()
	logger    *slog.Logger

	mu     sync.Mutex
	ticks  int
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new scheduler. onUpdate, if set, is called after a
// pass that inserted measurements.
func NewScheduler(syncer Syncer, cfg Config, onUpdate func(), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		syncer:    syncer,
		cfg:       cfg,
		onUpdate:  onUpdate,
		logger:    logger.With("component", "scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the sync job and starts the underlying scheduler. The
// first pass runs immediately.
func (s *Scheduler) Start() error {
	_, err := s.scheduler.Every(s.cfg.Interval).Do(func() {
		s.tick(s.ctx)
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info("Scheduler started", "interval", s.cfg.Interval)
	return nil
}

// Stop cancels a running pass and stops future ones
func (s *Scheduler) Stop() {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	s.logger.Info("Scheduler stopped")
}

// tick performs one sync pass and reports whether rows were inserted
func (s *Scheduler) tick(ctx context.Context) bool {
	s.mu.Lock()
	n := s.ticks
	s.ticks++
	s.mu.Unlock()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	s.logger.Debug("Scheduler tick", "tick", n)

	if s.cfg.ReconcileEvery > 0 && n%s.cfg.ReconcileEvery == 0 {
		if _, err := s.syncer.ReconcileDevices(ctx, s.cfg.Stations); err != nil {
			// Known modules can still be synced
			s.logger.Error("Failed to reconcile devices", "error", err)
		}
	}

	updated, err := s.syncer.SyncMeasurements(ctx, s.cfg.RequestLimit, s.cfg.MinUpdateInterval)
	if err != nil {
		s.logger.Error("Failed to sync measurements", "error", err)
	}

	if updated && s.onUpdate != nil {
		s.onUpdate()
	}
	return updated
}

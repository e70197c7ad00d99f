package snapshot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Flusher writes every room whose document changed since its last write.
type Flusher interface {
	PersistDirty(ctx context.Context) (int, error)
}

type Config struct {
	Interval time.Duration
	// Upper bound for one flush
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Service periodically snapshots live documents into the repository so a
// restart loses at most one interval of edits.
type Service struct {
	flusher Flusher
	config  Config
	log     *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(flusher Flusher, config Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Service{
		flusher: flusher,
		config:  config,
		log:     log,
		stop:    make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("snapshot service started", zap.Duration("interval", s.config.Interval))
}

// Stop ends the loop after one final flush.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.FlushNow()
		s.log.Info("snapshot service stopped")
	})
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.FlushNow()
		}
	}
}

// FlushNow stores dirty rooms immediately and reports how many were written.
func (s *Service) FlushNow() int {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	stored, err := s.flusher.PersistDirty(ctx)
	if err != nil {
		s.log.Error("snapshot failed", zap.Int("stored", stored), zap.Error(err))
	}
	if stored > 0 {
		s.log.Debug("snapshotted rooms", zap.Int("stored", stored))
	}
	return stored
}

package services

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Sweeper drops state older than a threshold and returns how much it removed.
type Sweeper interface {
	ExpireStale(olderThan time.Time) int
}

// CleanupService periodically sweeps abandoned inbound transfers whose
// sender never finished or cancelled them.
type CleanupService struct {
	target   Sweeper
	interval time.Duration
	timeout  time.Duration
	stopChan chan struct{}
	log      *log.Entry
}

// NewCleanupService creates a new cleanup service.
// - interval: how often to sweep (e.g., 1 minute)
// - timeout: how long a transfer may stay open before it is dropped (e.g., 5 minutes)
func NewCleanupService(target Sweeper, interval, timeout time.Duration, logger *log.Entry) *CleanupService {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &CleanupService{
		target:   target,
		interval: interval,
		timeout:  timeout,
		stopChan: make(chan struct{}),
		log:      logger.WithField("component", "cleanup"),
	}
}

// Start begins the background cleanup worker.
// This method blocks and should be called with 'go'.
func (s *CleanupService) Start() {
	s.log.WithFields(log.Fields{"interval": s.interval, "timeout": s.timeout}).Info("Cleanup service started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopChan:
			s.log.Info("Cleanup service stopped")
			return
		}
	}
}

// Stop gracefully shuts down the cleanup service.
func (s *CleanupService) Stop() {
	close(s.stopChan)
}

func (s *CleanupService) cleanup() {
	threshold := time.Now().Add(-s.timeout)
	if n := s.target.ExpireStale(threshold); n > 0 {
		s.log.WithField("count", n).Info("Dropped stale transfers")
	}
}

package services_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/adi-253/echowire/internal/protocol"
	"github.com/adi-253/echowire/internal/services"
)

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) ExpireStale(time.Time) int {
	s.calls.Add(1)
	return 0
}

func TestCleanupServiceSweepsUntilStopped(t *testing.T) {
	sweeper := &countingSweeper{}
	svc := services.NewCleanupService(sweeper, 5*time.Millisecond, time.Minute, quietLogger())

	done := make(chan struct{})
	go func() {
		svc.Start()
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sweeper.calls.Load() < 2 {
		t.Fatalf("sweeps = %d", sweeper.calls.Load())
	}

	svc.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestCleanupServiceDropsAbandonedTransfers(t *testing.T) {
	transfers := newTransfers(&stubSender{}, services.Callbacks{})
	if err := transfers.HandleStart(&protocol.Envelope{Kind: protocol.KindFileStart, UploadID: "u", FileSize: 1, TotalChunks: 1}); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}

	// a zero timeout makes every open transfer stale
	svc := services.NewCleanupService(transfers, 5*time.Millisecond, 0, quietLogger())
	go svc.Start()
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := transfers.Status("u"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("abandoned transfer was never swept")
}

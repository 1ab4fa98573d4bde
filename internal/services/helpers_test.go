package services_test

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/protocol"
)

var errTransport = errors.New("transport down")

// stubSender records frames. It fails every send once failAt frames have
// gone through, when failAt is positive.
type stubSender struct {
	mu     sync.Mutex
	frames []any
	failAt int
	err    error
	hook   func(v any)
}

func (s *stubSender) Send(v any) error {
	s.mu.Lock()
	if s.err != nil || (s.failAt > 0 && len(s.frames) >= s.failAt) {
		s.mu.Unlock()
		if s.err != nil {
			return s.err
		}
		return errTransport
	}
	s.frames = append(s.frames, v)
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(v)
	}
	return nil
}

func (s *stubSender) sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.frames...)
}

// envelopes round-trips recorded frames through the wire codec.
func (s *stubSender) envelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	var out []*protocol.Envelope
	for _, f := range s.sent() {
		out = append(out, decodeFrame(t, f))
	}
	return out
}

func decodeFrame(t *testing.T, v any) *protocol.Envelope {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return env
}

func quietLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

package session

import "sync"

// interruptSignal is a latch the read loop fires and each TTS stream
// re-arms when it starts. A fire that lands between streams is cleared by
// the next Arm.
type interruptSignal struct {
	mu    sync.Mutex
	ch    chan struct{}
	fired bool
}

func newInterruptSignal() *interruptSignal {
	return &interruptSignal{ch: make(chan struct{})}
}

func (s *interruptSignal) Fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fired {
		close(s.ch)
		s.fired = true
	}
}

// Arm clears a previous fire and returns the channel the current stream
// should watch.
func (s *interruptSignal) Arm() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		s.ch = make(chan struct{})
		s.fired = false
	}
	return s.ch
}

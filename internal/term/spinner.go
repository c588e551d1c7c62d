package term

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const spinnerInterval = 80 * time.Millisecond

// Spinner animates a single-line wait indicator on a writer. The stop
// function returned by Start blocks until the animation goroutine has
// cleared its line, so the caller can write to the same stream immediately
// after stopping without interleaved frames.
type Spinner struct {
	writer   io.Writer
	interval time.Duration

	mu      sync.Mutex
	message string
	running bool
	done    chan struct{}
}

func NewSpinner(w io.Writer) *Spinner {
	return &Spinner{
		writer:   w,
		interval: spinnerInterval,
	}
}

// SetMessage sets the text rendered after the spinner frame.
func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

// Start begins the animation and returns a stop function. Calling stop more
// than once is safe; every call waits for the goroutine to finish.
func (s *Spinner) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return func() { cancel() }
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(ctx)

	return func() {
		cancel()
		<-done
	}
}

func (s *Spinner) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	frame := 0
	s.renderFrame(frame)
	for {
		select {
		case <-ctx.Done():
			s.clearLine()
			s.mu.Lock()
			s.running = false
			done := s.done
			s.mu.Unlock()
			close(done)
			return
		case <-ticker.C:
			frame = (frame + 1) % len(spinnerFrames)
			s.renderFrame(frame)
		}
	}
}

func (s *Spinner) renderFrame(frame int) {
	s.mu.Lock()
	message := s.message
	s.mu.Unlock()

	styled := SpinnerStyle.Render(spinnerFrames[frame])
	if message != "" {
		fmt.Fprintf(s.writer, "\r\033[K%s %s", styled, message)
		return
	}
	fmt.Fprintf(s.writer, "\r\033[K%s", styled)
}

func (s *Spinner) clearLine() {
	fmt.Fprintf(s.writer, "\r\033[K")
}

package generation

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// StaticBackend answers every call with the same reply or error. Calls can be
// held back with Block to simulate a slow upstream.
type StaticBackend struct {
	mu    sync.Mutex
	reply string
	err   error
	delay time.Duration
	calls int
	gate  chan struct{}
}

var _ Backend = (*StaticBackend)(nil)

func NewStaticBackend(reply string) *StaticBackend {
	return &StaticBackend{reply: reply}
}

func NewFailingBackend(err error) *StaticBackend {
	return &StaticBackend{err: err}
}

func (s *StaticBackend) Name() string {
	return "static"
}

func (s *StaticBackend) WithDelay(d time.Duration) *StaticBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
	return s
}

// Block holds every subsequent call until the returned release func is called.
func (s *StaticBackend) Block() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.gate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (s *StaticBackend) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StaticBackend) Generate(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	s.calls++
	reply, err, delay, gate := s.reply, s.err, s.delay, s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

// MockBackend writes a plausible report for local development without any
// network access. It answers with one section per "SECTION:" line of the prompt.
type MockBackend struct{}

var _ Backend = MockBackend{}

func (MockBackend) Name() string {
	return "mock"
}

func (MockBackend) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(req.Prompt))
	for scanner.Scan() {
		heading, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "SECTION:")
		if !ok {
			continue
		}
		heading = strings.TrimSpace(heading)
		fmt.Fprintf(&b, "## %s\n\n", heading)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(&b, "The %s of this chart points to steady growth through patient, deliberate choices. "+
				"Periods of reflection alternate with bursts of initiative, and both are worth honouring. ",
				strings.ToLower(heading))
		}
		b.WriteString("\n\n")
	}
	if b.Len() == 0 {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(b.String()), nil
}

package session

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/neobase-ai/neobase-web-ui/internal/models"
)

// Animator runs the typing animations of messages. A message has at most one running animation: starting
// a new one for the same message cancels the previous run and waits for it to finish.
type Animator struct {
	mu   sync.Mutex
	runs map[string]*animation
}

type animation struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAnimator returns an idle animator.
func NewAnimator() *Animator {
	return &Animator{runs: make(map[string]*animation)}
}

// Run executes fn as the animation of messageID and returns its error. fn must stop when its context is
// cancelled, leaving the message in its final state.
func (a *Animator) Run(ctx context.Context, messageID string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	run := &animation{cancel: cancel, done: make(chan struct{})}

	a.mu.Lock()
	prev := a.runs[messageID]
	a.runs[messageID] = run
	a.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	defer func() {
		cancel()
		a.mu.Lock()
		if a.runs[messageID] == run {
			delete(a.runs, messageID)
		}
		a.mu.Unlock()
		close(run.done)
	}()

	return fn(ctx)
}

// Running reports whether an animation of messageID is in progress.
func (a *Animator) Running(messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.runs[messageID]
	return ok
}

// CancelAll cancels every running animation and waits for them to finish.
func (a *Animator) CancelAll() {
	a.mu.Lock()
	runs := make([]*animation, 0, len(a.runs))
	for _, run := range a.runs {
		runs = append(runs, run)
	}
	a.mu.Unlock()

	for _, run := range runs {
		run.cancel()
		<-run.done
	}
}

// pace is the delay between two revealed words.
type pace struct {
	delay  time.Duration
	jitter time.Duration
}

func (p pace) next() time.Duration {
	if p.jitter <= 0 {
		return p.delay
	}
	return p.delay + rand.N(p.jitter)
}

// typeWords reveals text one word at a time through set. When ctx is cancelled the full text is set at once,
// so the message is never left truncated, and the context error is returned.
func typeWords(ctx context.Context, text string, p pace, set func(string)) error {
	words := models.Words(text)
	for i := range words {
		if err := sleep(ctx, p.next()); err != nil {
			set(text)
			return err
		}
		set(strings.Join(words[:i+1], " "))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

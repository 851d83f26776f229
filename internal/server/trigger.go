package server

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
)

// RunFunc executes one optimization run to completion under runID.
type RunFunc func(ctx context.Context, runID string, maxRounds int) error

// BackgroundTrigger runs one optimization at a time on a detached context.
// Runs share the target database, so a second Start while one is active
// fails with ErrRunInProgress.
type BackgroundTrigger struct {
	run    RunFunc
	base   context.Context
	logger *log.Logger

	mu      sync.Mutex
	current string
	wg      sync.WaitGroup
}

// NewBackgroundTrigger launches runs on base, which bounds their lifetime.
func NewBackgroundTrigger(base context.Context, run RunFunc, logger *log.Logger) *BackgroundTrigger {
	if logger == nil {
		logger = log.New(log.Writer(), "[SERVER] ", log.LstdFlags)
	}
	return &BackgroundTrigger{run: run, base: base, logger: logger}
}

func (t *BackgroundTrigger) Start(_ context.Context, maxRounds int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != "" {
		return "", ErrRunInProgress
	}
	runID := uuid.NewString()
	t.current = runID
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Printf("run %s panicked: %v", runID, r)
			}
			t.mu.Lock()
			t.current = ""
			t.mu.Unlock()
		}()
		if err := t.run(t.base, runID, maxRounds); err != nil {
			t.logger.Printf("run %s failed: %v", runID, err)
		}
	}()
	return runID, nil
}

// Active returns the id of the running optimization, if any.
func (t *BackgroundTrigger) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Wait blocks until every launched run has returned.
func (t *BackgroundTrigger) Wait() { t.wg.Wait() }

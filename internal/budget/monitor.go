package budget

import (
	"fmt"
	"sync"
	"time"
)

// Monitor tracks LLM spend and wall-clock time of a run against its limits.
// The optimizer consults it only at round boundaries.
type Monitor struct {
	config     Config
	costUsed   float64
	tokensUsed int64
	calls      int64
	startTime  time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewMonitor clones the provided config and starts the clock.
func NewMonitor(cfg Config) *Monitor {
	return newMonitorAt(cfg, time.Now)
}

func newMonitorAt(cfg Config, now func() time.Time) *Monitor {
	return &Monitor{
		config:    cfg.Clone(),
		startTime: now(),
		now:       now,
	}
}

// Restart resets the clock without touching accumulated spend. The run clock
// starts after the baseline measurement, not at process start.
func (m *Monitor) Restart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startTime = m.now()
}

// Add records incremental cost and tokens, returning an error if any limit is breached.
func (m *Monitor) Add(cost float64, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costUsed += cost
	m.tokensUsed += tokens
	m.calls++
	return m.checkSpendLocked()
}

// CheckTime verifies elapsed time against the configured limit.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkTimeLocked()
}

// Check verifies every configured limit.
func (m *Monitor) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkTimeLocked(); err != nil {
		return err
	}
	return m.checkSpendLocked()
}

func (m *Monitor) checkTimeLocked() error {
	if m.config.MaxTime <= 0 {
		return nil
	}
	elapsed := m.now().Sub(m.startTime)
	if elapsed > m.config.MaxTime {
		return ErrExceeded{
			Kind:  KindTime,
			Usage: elapsed.Round(time.Millisecond).String(),
			Limit: m.config.MaxTime.String(),
		}
	}
	return nil
}

func (m *Monitor) checkSpendLocked() error {
	if m.config.MaxCost != nil && *m.config.MaxCost > 0 && m.costUsed > *m.config.MaxCost {
		return ErrExceeded{
			Kind:  KindCost,
			Usage: fmt.Sprintf("$%.4f", m.costUsed),
			Limit: fmt.Sprintf("$%.4f", *m.config.MaxCost),
		}
	}
	if m.config.MaxTokens != nil && *m.config.MaxTokens > 0 && m.tokensUsed > *m.config.MaxTokens {
		return ErrExceeded{
			Kind:  KindTokens,
			Usage: fmt.Sprintf("%d tokens", m.tokensUsed),
			Limit: fmt.Sprintf("%d tokens", *m.config.MaxTokens),
		}
	}
	return nil
}

// Usage returns the accumulated metrics.
func (m *Monitor) Usage() (cost float64, tokens int64, calls int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costUsed, m.tokensUsed, m.calls, m.now().Sub(m.startTime)
}

// Config returns a clone of the underlying budget config.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}

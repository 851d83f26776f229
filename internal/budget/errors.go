package budget

import "fmt"

// Limit kinds reported by ErrExceeded.
const (
	KindTime   = "time"
	KindCost   = "cost"
	KindTokens = "tokens"
)

// ErrExceeded reports the first run limit an optimization run has crossed.
// The loop checks it at round boundaries only, so usage may overshoot the
// limit by one round.
type ErrExceeded struct {
	Kind  string
	Usage string
	Limit string
}

func (e ErrExceeded) Error() string {
	return fmt.Sprintf("run %s limit reached after %s (limit %s)", e.Kind, e.Usage, e.Limit)
}

// TimeLimit reports whether the wall-clock limit was the one crossed.
func (e ErrExceeded) TimeLimit() bool { return e.Kind == KindTime }

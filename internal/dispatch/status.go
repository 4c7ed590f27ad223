package dispatch

import (
	"fmt"

	"relaybot/internal/ratelimit"
)

// StatusReporter exposes limiter occupancy in display-ready form for the
// operator-facing /status command. Pure read; no side effects.
type StatusReporter struct {
	limiter *ratelimit.Limiter
}

func NewStatusReporter(limiter *ratelimit.Limiter) *StatusReporter {
	return &StatusReporter{limiter: limiter}
}

func (r *StatusReporter) Snapshot() ratelimit.Snapshot {
	return r.limiter.Snapshot()
}

// Render formats a snapshot for the chat interface.
func (r *StatusReporter) Render() string {
	s := r.Snapshot()
	return fmt.Sprintf(
		"Rate limiter status\nLast second: %d/%d\nLast minute: %d/%d",
		s.Second, s.PerSecond, s.Minute, s.PerMinute,
	)
}

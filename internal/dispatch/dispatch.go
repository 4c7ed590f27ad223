// Package dispatch sequences send requests through rate-limiter admission
// and an abstract sender, producing one outcome per recipient.
package dispatch

import (
	"context"
	"time"

	"relaybot/internal/ratelimit"
	"relaybot/pkg/logx"
)

// Sender performs the actual outbound send. Retry/backoff of the upstream
// API is the sender's (or operator's) concern, not the dispatcher's.
type Sender interface {
	Send(ctx context.Context, phone string, vars []string) (messageID string, err error)
}

type Status string

const (
	StatusDelivered Status = "delivered"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

const ReasonCancelled = "cancelled"

// Outcome is the terminal per-recipient result of a dispatch attempt.
type Outcome struct {
	Recipient string
	Status    Status
	MessageID string
	Reason    string // set for StatusRejected
	Err       error  // set for StatusFailed
	At        time.Time
}

// Recipient pairs a phone number with its positional template variables.
type Recipient struct {
	Phone string
	Vars  []string
}

type Dispatcher struct {
	limiter *ratelimit.Limiter
	sender  Sender
	log     logx.Logger

	now func() time.Time
}

func New(limiter *ratelimit.Limiter, sender Sender, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{limiter: limiter, sender: sender, log: log, now: time.Now}
}

// SendOne waits for rate-limiter admission, then makes a single send attempt.
// The admission wait is retried until granted or ctx is done; the send itself
// is never retried here.
func (d *Dispatcher) SendOne(ctx context.Context, r Recipient) Outcome {
	if err := d.limiter.Wait(ctx); err != nil {
		return Outcome{
			Recipient: r.Phone,
			Status:    StatusRejected,
			Reason:    ReasonCancelled,
			Err:       err,
			At:        d.now(),
		}
	}

	id, err := d.sender.Send(ctx, r.Phone, r.Vars)
	if err != nil {
		d.log.Warn("send failed", logx.String("to", r.Phone), logx.Err(err))
		return Outcome{
			Recipient: r.Phone,
			Status:    StatusFailed,
			Err:       err,
			At:        d.now(),
		}
	}
	d.log.Debug("send delivered", logx.String("to", r.Phone), logx.String("message_id", id))
	return Outcome{
		Recipient: r.Phone,
		Status:    StatusDelivered,
		MessageID: id,
		At:        d.now(),
	}
}

// SendBulk processes recipients strictly sequentially through SendOne so
// throughput stays bounded by the shared limiter regardless of batch size.
// It always returns exactly one outcome per input, in input order; a failure
// for one recipient does not abort the batch. Cancellation is checked
// between recipients: the un-attempted remainder is reported as rejected.
//
// progress, when non-nil, is called after each recipient with the number of
// completed entries and the batch total.
func (d *Dispatcher) SendBulk(ctx context.Context, rs []Recipient, progress func(done, total int)) []Outcome {
	start := d.now()
	outcomes := make([]Outcome, 0, len(rs))

	for i, r := range rs {
		if err := ctx.Err(); err != nil {
			for _, rest := range rs[i:] {
				outcomes = append(outcomes, Outcome{
					Recipient: rest.Phone,
					Status:    StatusRejected,
					Reason:    ReasonCancelled,
					Err:       err,
					At:        d.now(),
				})
			}
			break
		}
		outcomes = append(outcomes, d.SendOne(ctx, r))
		if progress != nil {
			progress(i+1, len(rs))
		}
	}

	delivered, failed, rejected := Summarize(outcomes)
	fields := []logx.Field{
		logx.Int("total", len(rs)),
		logx.Int("delivered", delivered),
		logx.Int("failed", failed),
		logx.Int("rejected", rejected),
		logx.Duration("dur", d.now().Sub(start)),
	}
	if failed > 0 || rejected > 0 {
		d.log.Warn("bulk send finished with failures", fields...)
	} else {
		d.log.Info("bulk send finished", fields...)
	}
	return outcomes
}

// Summarize counts outcomes by terminal status.
func Summarize(outcomes []Outcome) (delivered, failed, rejected int) {
	for _, o := range outcomes {
		switch o.Status {
		case StatusDelivered:
			delivered++
		case StatusFailed:
			failed++
		case StatusRejected:
			rejected++
		}
	}
	return delivered, failed, rejected
}

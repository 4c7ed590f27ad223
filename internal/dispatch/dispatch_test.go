package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"relaybot/internal/ratelimit"
	"relaybot/pkg/logx"
)

type scriptedSender struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (s *scriptedSender) Send(_ context.Context, phone string, _ []string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, phone)
	s.mu.Unlock()
	if err := s.fail[phone]; err != nil {
		return "", err
	}
	return "msg-" + phone, nil
}

func openLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.New(ratelimit.Config{PerSecond: 1000, PerMinute: 60000})
	if err != nil {
		t.Fatalf("ratelimit.New error: %v", err)
	}
	return l
}

func TestSendOneDelivered(t *testing.T) {
	t.Parallel()
	sender := &scriptedSender{}
	d := New(openLimiter(t), sender, logx.Nop())

	o := d.SendOne(context.Background(), Recipient{Phone: "+14155550001", Vars: []string{"John"}})
	if o.Status != StatusDelivered {
		t.Fatalf("Status = %s, want delivered", o.Status)
	}
	if o.MessageID != "msg-+14155550001" {
		t.Fatalf("MessageID = %q", o.MessageID)
	}
	if o.At.IsZero() {
		t.Fatal("At not set")
	}
}

func TestSendOneFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("upstream 500")
	sender := &scriptedSender{fail: map[string]error{"+1": boom}}
	d := New(openLimiter(t), sender, logx.Nop())

	o := d.SendOne(context.Background(), Recipient{Phone: "+1"})
	if o.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", o.Status)
	}
	if !errors.Is(o.Err, boom) {
		t.Fatalf("Err = %v, want %v", o.Err, boom)
	}
}

func TestSendBulkOrderAndFailureIsolation(t *testing.T) {
	t.Parallel()
	boom := errors.New("template rejected")
	sender := &scriptedSender{fail: map[string]error{"+2": boom}}
	d := New(openLimiter(t), sender, logx.Nop())

	rs := []Recipient{{Phone: "+1"}, {Phone: "+2"}, {Phone: "+3"}}
	outcomes := d.SendBulk(context.Background(), rs, nil)

	if len(outcomes) != 3 {
		t.Fatalf("len(outcomes) = %d, want 3", len(outcomes))
	}
	wantStatus := []Status{StatusDelivered, StatusFailed, StatusDelivered}
	for i, o := range outcomes {
		if o.Recipient != rs[i].Phone {
			t.Fatalf("outcome %d recipient = %q, want %q", i, o.Recipient, rs[i].Phone)
		}
		if o.Status != wantStatus[i] {
			t.Fatalf("outcome %d status = %s, want %s", i, o.Status, wantStatus[i])
		}
	}
	delivered, failed, rejected := Summarize(outcomes)
	if delivered != 2 || failed != 1 || rejected != 0 {
		t.Fatalf("Summarize = %d/%d/%d, want 2/1/0", delivered, failed, rejected)
	}
}

func TestSendBulkSequentialOrder(t *testing.T) {
	t.Parallel()
	sender := &scriptedSender{}
	d := New(openLimiter(t), sender, logx.Nop())

	var rs []Recipient
	for i := 0; i < 10; i++ {
		rs = append(rs, Recipient{Phone: fmt.Sprintf("+%d", i)})
	}
	d.SendBulk(context.Background(), rs, nil)

	for i, call := range sender.calls {
		if call != rs[i].Phone {
			t.Fatalf("call %d = %q, want %q (sequential in-order processing)", i, call, rs[i].Phone)
		}
	}
}

func TestSendBulkCancellationBetweenRecipients(t *testing.T) {
	t.Parallel()
	sender := &scriptedSender{}
	d := New(openLimiter(t), sender, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	rs := []Recipient{{Phone: "+1"}, {Phone: "+2"}, {Phone: "+3"}}
	outcomes := d.SendBulk(ctx, rs, func(done, total int) {
		if done == 1 {
			cancel()
		}
	})

	if len(outcomes) != 3 {
		t.Fatalf("len(outcomes) = %d, want complete sequence of 3", len(outcomes))
	}
	if outcomes[0].Status != StatusDelivered {
		t.Fatalf("first outcome = %s, want delivered", outcomes[0].Status)
	}
	for _, o := range outcomes[1:] {
		if o.Status != StatusRejected || o.Reason != ReasonCancelled {
			t.Fatalf("post-cancel outcome = %+v, want rejected/cancelled", o)
		}
	}
	// In-flight semantics: only the first recipient was actually attempted.
	if len(sender.calls) != 1 {
		t.Fatalf("sender called %d times, want 1", len(sender.calls))
	}
}

func TestSendBulkProgressReported(t *testing.T) {
	t.Parallel()
	sender := &scriptedSender{}
	d := New(openLimiter(t), sender, logx.Nop())

	var seen []int
	d.SendBulk(context.Background(), []Recipient{{Phone: "+1"}, {Phone: "+2"}}, func(done, total int) {
		if total != 2 {
			t.Fatalf("total = %d, want 2", total)
		}
		seen = append(seen, done)
	})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("progress sequence = %v, want [1 2]", seen)
	}
}

func TestStatusReporterRender(t *testing.T) {
	t.Parallel()
	l := openLimiter(t)
	d := New(l, &scriptedSender{}, logx.Nop())
	d.SendOne(context.Background(), Recipient{Phone: "+1"})

	r := NewStatusReporter(l)
	out := r.Render()
	if !strings.Contains(out, "1/1000") || !strings.Contains(out, "1/60000") {
		t.Fatalf("Render = %q, want current counts against limits", out)
	}
	snap := r.Snapshot()
	if snap.Second != 1 || snap.Minute != 1 {
		t.Fatalf("Snapshot = %+v, want 1/1", snap)
	}
}

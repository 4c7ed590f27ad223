// Package router turns incoming chat updates into relay operations: single
// and bulk template sends, variable management, and limiter status.
package router

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/contacts"
	"relaybot/internal/dispatch"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Router routes commands to handlers over a bounded worker pool and owns the
// per-chat state for template variables and in-flight bulk sends.
type Router struct {
	mu     sync.RWMutex
	cmds   map[string]Command
	owners []int64

	log        logx.Logger
	adapter    kit.Adapter
	dispatcher *dispatch.Dispatcher
	reporter   *dispatch.StatusReporter
	parser     *contacts.Parser
	store      storage.Store // nil when persistence is disabled

	jobs chan func()

	stateMu      sync.Mutex
	vars         map[int64][]string
	awaitingBulk map[int64]bool
	bulkCancel   map[int64]context.CancelFunc
	bulkWG       sync.WaitGroup
}

func New(log logx.Logger, adapter kit.Adapter, dispatcher *dispatch.Dispatcher, reporter *dispatch.StatusReporter, parser *contacts.Parser, store storage.Store, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cmds:         map[string]Command{},
		owners:       append([]int64(nil), owners...),
		log:          log,
		adapter:      adapter,
		dispatcher:   dispatcher,
		reporter:     reporter,
		parser:       parser,
		store:        store,
		jobs:         make(chan func(), 256),
		vars:         map[int64][]string{},
		awaitingBulk: map[int64]bool{},
		bulkCancel:   map[int64]context.CancelFunc{},
	}
	r.register()
	return r
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) ownersSnapshot() []int64 {
	r.mu.RLock()
	cp := append([]int64(nil), r.owners...)
	r.mu.RUnlock()
	return cp
}

func (r *Router) register() {
	cmds := []Command{
		{
			Name:        "start",
			Description: "greet and show what the bot does",
			Usage:       "/start",
			Access:      AccessEveryone,
			Handle:      r.cmdStart,
		},
		{
			Name:        "help",
			Description: "show available commands",
			Usage:       "/help",
			Access:      AccessEveryone,
			Handle:      r.cmdHelp,
		},
		{
			Name:        "send",
			Description: "send the template to one number",
			Usage:       "/send <phone> [var1 var2 ...]",
			Access:      AccessOwnerOnly,
			Handle:      r.cmdSend,
		},
		{
			Name:        "setvars",
			Description: "set default template variables for this chat",
			Usage:       "/setvars <var1> [var2 ...]",
			Access:      AccessOwnerOnly,
			Handle:      r.cmdSetVars,
		},
		{
			Name:        "bulk",
			Description: "start a bulk send from a contact file",
			Usage:       "/bulk (then upload a .csv or .xlsx file)",
			Access:      AccessOwnerOnly,
			Handle:      r.cmdBulk,
		},
		{
			Name:        "cancel",
			Description: "cancel the bulk send in this chat",
			Usage:       "/cancel",
			Access:      AccessOwnerOnly,
			Handle:      r.cmdCancel,
		},
		{
			Name:        "status",
			Description: "show rate limiter usage",
			Usage:       "/status",
			Access:      AccessOwnerOnly,
			Handle:      r.cmdStatus,
		},
	}
	m := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		m[c.Name] = c
	}
	r.mu.Lock()
	r.cmds = m
	r.mu.Unlock()
}

// DispatchLoop consumes updates until ctx is cancelled or the channel closes.
// It blocks; run it from a goroutine.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					if job != nil {
						job()
					}
				}
			}
		}()
	}

	defer func() {
		r.cancelAllBulk()
		r.bulkWG.Wait()
		wg.Wait()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("updates channel closed")
				return nil
			}
			r.routeUpdate(ctx, up)
		}
	}
}

func (r *Router) tryEnqueue(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) routeUpdate(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	if msg.Document != nil {
		r.routeDocument(root, up)
		return
	}
	r.routeMessage(root, up)
}

func (r *Router) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	r.mu.RLock()
	cmd, ok := r.cmds[word]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID}, "Unknown command. Try /help.", nil)
		return
	}

	owners := r.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = r.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID}, "Unauthorized.", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(cmd.Timeout),
	)

	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = r.adapter.SendText(root, req.Chat, "Busy, try again.", nil)
	}
}

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	text := "Message relay bot.\n" +
		"Sends a pre-approved WhatsApp template to one number or a contact list,\n" +
		"throttled to stay inside the API rate ceilings.\n\n" +
		"Use /help for commands."
	_, err := req.Adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.cmds))
	for n := range r.cmds {
		names = append(names, n)
	}
	byName := make(map[string]Command, len(r.cmds))
	for n, c := range r.cmds {
		byName[n] = c
	}
	r.mu.RUnlock()
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, n := range names {
		c := byName[n]
		fmt.Fprintf(&b, "%s - %s\n", c.Usage, c.Description)
	}
	_, err := req.Adapter.SendText(ctx, req.Chat, strings.TrimRight(b.String(), "\n"), &kit.SendOptions{DisablePreview: true})
	return err
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, r.reporter.Render(), nil)
	return err
}

func (r *Router) cmdSetVars(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		cur := r.chatVars(req.Chat.ChatID)
		if len(cur) == 0 {
			_, err := req.Adapter.SendText(ctx, req.Chat, "No variables set. Usage: "+r.usage("setvars"), nil)
			return err
		}
		_, err := req.Adapter.SendText(ctx, req.Chat, "Current variables: "+strings.Join(cur, ", "), nil)
		return err
	}

	vars := append([]string(nil), req.Args...)
	r.stateMu.Lock()
	r.vars[req.Chat.ChatID] = vars
	r.stateMu.Unlock()

	if r.store != nil {
		if err := r.store.PutVars(ctx, req.Chat.ChatID, vars); err != nil {
			req.Logger.Warn("persisting vars failed", logx.Err(err))
		}
	}
	_, err := req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("Saved %d template variable(s).", len(vars)), nil)
	return err
}

func (r *Router) cmdSend(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		_, err := req.Adapter.SendText(ctx, req.Chat, "Usage: "+r.usage("send"), nil)
		return err
	}
	phone, err := contacts.NormalizePhone(req.Args[0])
	if err != nil {
		_, serr := req.Adapter.SendText(ctx, req.Chat, "Invalid phone number: "+req.Args[0], nil)
		return serr
	}
	vars := req.Args[1:]
	if len(vars) == 0 {
		vars = r.chatVars(req.Chat.ChatID)
	}

	out := r.dispatcher.SendOne(ctx, dispatch.Recipient{Phone: phone, Vars: vars})
	r.recordOutcome(req.Chat.ChatID, out)

	var reply string
	switch out.Status {
	case dispatch.StatusDelivered:
		reply = "Sent to " + phone + " (id " + out.MessageID + ")"
	case dispatch.StatusRejected:
		reply = "Not sent to " + phone + ": " + out.Reason
	default:
		reply = "Failed to send to " + phone + ": " + out.Err.Error()
	}
	_, serr := req.Adapter.SendText(ctx, req.Chat, reply, nil)
	return serr
}

func (r *Router) cmdBulk(ctx context.Context, req *Request) error {
	r.stateMu.Lock()
	_, running := r.bulkCancel[req.Chat.ChatID]
	if !running {
		r.awaitingBulk[req.Chat.ChatID] = true
	}
	r.stateMu.Unlock()

	if running {
		_, err := req.Adapter.SendText(ctx, req.Chat, "A bulk send is already running in this chat. Use /cancel first.", nil)
		return err
	}
	_, err := req.Adapter.SendText(ctx, req.Chat, "Upload a contact file (.csv or .xlsx) with a phone column. Use /cancel to abort.", nil)
	return err
}

func (r *Router) cmdCancel(ctx context.Context, req *Request) error {
	r.stateMu.Lock()
	cancel := r.bulkCancel[req.Chat.ChatID]
	awaiting := r.awaitingBulk[req.Chat.ChatID]
	delete(r.awaitingBulk, req.Chat.ChatID)
	r.stateMu.Unlock()

	switch {
	case cancel != nil:
		cancel()
		_, err := req.Adapter.SendText(ctx, req.Chat, "Cancelling bulk send. Remaining recipients will be skipped.", nil)
		return err
	case awaiting:
		_, err := req.Adapter.SendText(ctx, req.Chat, "Bulk send cancelled.", nil)
		return err
	default:
		_, err := req.Adapter.SendText(ctx, req.Chat, "No bulk send in progress.", nil)
		return err
	}
}

func (r *Router) routeDocument(root context.Context, up kit.Update) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID}

	r.stateMu.Lock()
	awaiting := r.awaitingBulk[msg.ChatID]
	r.stateMu.Unlock()
	if !awaiting {
		return
	}
	if !isOwner(msg.FromID, r.ownersSnapshot()) {
		_, _ = r.adapter.SendText(root, chat, "Unauthorized.", nil)
		return
	}

	doc := *msg.Document
	if !r.tryEnqueue(func() { r.handleBulkFile(root, chat, doc) }) {
		_, _ = r.adapter.SendText(root, chat, "Busy, try again.", nil)
	}
}

func (r *Router) handleBulkFile(root context.Context, chat kit.ChatTarget, doc kit.Document) {
	log := r.log.With(logx.Int64("chat_id", chat.ChatID), logx.String("file", doc.FileName))

	dctx, cancel := context.WithTimeout(root, 30*time.Second)
	data, err := r.adapter.DownloadDocument(dctx, doc)
	cancel()
	if err != nil {
		log.Warn("contact file download failed", logx.Err(err))
		_, _ = r.adapter.SendText(root, chat, "Could not download the file: "+err.Error(), nil)
		return
	}

	list, err := r.parser.ParseFile(doc.FileName, data)
	if err != nil {
		log.Warn("contact file rejected", logx.Err(err))
		_, _ = r.adapter.SendText(root, chat, "Could not read contacts: "+err.Error(), nil)
		return
	}

	recipients := make([]dispatch.Recipient, 0, len(list))
	chatVars := r.chatVars(chat.ChatID)
	for _, c := range list {
		vars := chatVars
		if len(vars) == 0 && c.Name != "" {
			vars = []string{c.Name}
		}
		recipients = append(recipients, dispatch.Recipient{Phone: c.Phone, Vars: vars})
	}

	r.stateMu.Lock()
	if _, running := r.bulkCancel[chat.ChatID]; running {
		r.stateMu.Unlock()
		_, _ = r.adapter.SendText(root, chat, "A bulk send is already running in this chat.", nil)
		return
	}
	delete(r.awaitingBulk, chat.ChatID)
	bctx, bcancel := context.WithCancel(root)
	r.bulkCancel[chat.ChatID] = bcancel
	r.stateMu.Unlock()

	r.bulkWG.Add(1)
	go func() {
		defer r.bulkWG.Done()
		defer func() {
			r.stateMu.Lock()
			delete(r.bulkCancel, chat.ChatID)
			r.stateMu.Unlock()
			bcancel()
		}()
		r.runBulk(bctx, root, chat, recipients, log)
	}()
}

// runBulk drives one bulk send. bctx is cancelled by /cancel; root outlives it
// so the final summary can still reach the chat.
func (r *Router) runBulk(bctx, root context.Context, chat kit.ChatTarget, recipients []dispatch.Recipient, log logx.Logger) {
	total := len(recipients)
	ref, err := r.adapter.SendText(root, chat, fmt.Sprintf("Sending 0/%d...", total), nil)
	if err != nil {
		log.Warn("progress message failed", logx.Err(err))
	}

	// Edits are best-effort and throttled so progress updates never compete
	// with the sends themselves for Telegram quota.
	edits := rate.NewLimiter(rate.Every(2*time.Second), 1)
	progress := func(done, total int) {
		if ref.ChatID == 0 || !edits.Allow() {
			return
		}
		_ = r.adapter.EditText(root, ref, fmt.Sprintf("Sending %d/%d...", done, total), nil)
	}

	outcomes := r.dispatcher.SendBulk(bctx, recipients, progress)
	for _, out := range outcomes {
		r.recordOutcome(chat.ChatID, out)
	}

	delivered, failed, rejected := dispatch.Summarize(outcomes)
	var b strings.Builder
	if bctx.Err() != nil {
		b.WriteString("Bulk send cancelled.\n")
	} else {
		b.WriteString("Bulk send finished.\n")
	}
	fmt.Fprintf(&b, "Delivered: %d\nFailed: %d\nSkipped: %d", delivered, failed, rejected)

	const maxListed = 10
	listed := 0
	for _, out := range outcomes {
		if out.Status != dispatch.StatusFailed {
			continue
		}
		if listed == 0 {
			b.WriteString("\n\nFailures:")
		}
		if listed >= maxListed {
			fmt.Fprintf(&b, "\n... and %d more", failed-maxListed)
			break
		}
		fmt.Fprintf(&b, "\n%s: %v", out.Recipient, out.Err)
		listed++
	}

	text := b.String()
	if ref.ChatID != 0 {
		if err := r.adapter.EditText(root, ref, text, nil); err == nil {
			return
		}
	}
	_, _ = r.adapter.SendText(root, chat, text, nil)
}

// chatVars returns the chat's default template variables, falling back to the
// persisted copy on a cold cache.
func (r *Router) chatVars(chatID int64) []string {
	r.stateMu.Lock()
	vars, ok := r.vars[chatID]
	r.stateMu.Unlock()
	if ok {
		return append([]string(nil), vars...)
	}
	if r.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	stored, found, err := r.store.GetVars(ctx, chatID)
	if err != nil || !found {
		return nil
	}
	r.stateMu.Lock()
	r.vars[chatID] = stored
	r.stateMu.Unlock()
	return append([]string(nil), stored...)
}

func (r *Router) recordOutcome(chatID int64, out dispatch.Outcome) {
	if r.store == nil {
		return
	}
	rec := storage.SendRecord{
		At:        out.At,
		ChatID:    chatID,
		Recipient: out.Recipient,
		Status:    string(out.Status),
		MessageID: out.MessageID,
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	} else if out.Reason != "" {
		rec.Error = out.Reason
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.store.AppendSend(ctx, rec); err != nil {
		r.log.Warn("recording send failed", logx.Err(err), logx.String("recipient", out.Recipient))
	}
}

func (r *Router) cancelAllBulk() {
	r.stateMu.Lock()
	for id, cancel := range r.bulkCancel {
		cancel()
		delete(r.bulkCancel, id)
	}
	r.stateMu.Unlock()
}

func (r *Router) usage(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cmds[name].Usage
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

var ridSeq uint64

func newReqID() string {
	n := atomic.AddUint64(&ridSeq, 1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36)
}

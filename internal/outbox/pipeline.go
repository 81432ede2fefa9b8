// Package outbox shows outgoing messages before the backend has stored them
// and reconciles them with the server copy once it arrives.
package outbox

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/bus"
	"github.com/matheus3301/swoon/internal/chat"
	"github.com/matheus3301/swoon/internal/logging"
)

// EventNamespace prefixes pipeline updates on the bus: message.<type>.
const EventNamespace = "message."

const tempPrefix = "temp_"

// UpdateType is the kind of a MessageUpdate.
type UpdateType string

const (
	UpdateAdd     UpdateType = "add"
	UpdateUpdate  UpdateType = "update"
	UpdateDelete  UpdateType = "delete"
	UpdateRetry   UpdateType = "retry"
	UpdateConfirm UpdateType = "confirm"
)

// OptimisticMessage is a message as the UI renders it. Server copies carry
// IsOptimistic=false and an empty TempID.
type OptimisticMessage struct {
	chat.Message
	TempID       string `json:"temp_id,omitempty"`
	IsOptimistic bool   `json:"is_optimistic"`
	IsFailed     bool   `json:"is_failed"`
	RetryCount   int    `json:"retry_count"`
	Error        string `json:"error,omitempty"`
}

// MessageUpdate is published for every change the UI must render. TempID is
// set when the update refers to an optimistic placeholder.
type MessageUpdate struct {
	Type           UpdateType        `json:"type"`
	Message        OptimisticMessage `json:"message"`
	ConversationID string            `json:"conversation_id"`
	TempID         string            `json:"temp_id,omitempty"`
}

// Config holds the retry and matching timings.
type Config struct {
	MaxRetries    int
	RetryBase     time.Duration
	SweepInterval time.Duration
	// MatchWindow bounds the creation-time distance of a heuristic match.
	MatchWindow time.Duration
	// ConfirmedTTL is how long a confirmed server id suppresses its echo.
	ConfirmedTTL time.Duration
}

// DefaultConfig returns 3 retries from a 1s base, a 5s sweep and a 5s match
// window.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		RetryBase:     time.Second,
		SweepInterval: 5 * time.Second,
		MatchWindow:   5 * time.Second,
		ConfirmedTTL:  time.Minute,
	}
}

// Stats summarises the pipeline's bookkeeping.
type Stats struct {
	Optimistic int `json:"optimistic"`
	Pending    int `json:"pending"`
	Retrying   int `json:"retrying"`
	Failed     int `json:"failed"`
	Confirmed  int `json:"recently_confirmed"`
}

type retryEntry struct {
	due   time.Time
	timer *clock.Timer
	fired bool
}

// Pipeline tracks optimistic messages from submission to confirmation.
type Pipeline struct {
	cfg    Config
	clock  clock.Clock
	bus    *bus.Bus
	logger *zap.Logger

	mu         sync.Mutex
	optimistic map[string]*OptimisticMessage
	pending    map[string]*OptimisticMessage
	retries    map[string]*retryEntry
	confirmed  map[string]time.Time

	// sendq holds temp ids awaiting a network send, in submission order.
	sendq  []string
	queued map[string]struct{}
	ready  chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPipeline creates a pipeline publishing on b. clk and logger may be nil.
func NewPipeline(cfg Config, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = def.MatchWindow
	}
	if cfg.ConfirmedTTL <= 0 {
		cfg.ConfirmedTTL = def.ConfirmedTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Pipeline{
		cfg:        cfg,
		clock:      clk,
		bus:        b,
		logger:     logging.OrNop(logger).Named("outbox"),
		optimistic: make(map[string]*OptimisticMessage),
		pending:    make(map[string]*OptimisticMessage),
		retries:    make(map[string]*retryEntry),
		confirmed:  make(map[string]time.Time),
		queued:     make(map[string]struct{}),
		ready:      make(chan struct{}, 1),
	}
}

// NewTempID returns a temporary id: temp_<unix millis>_<random>.
func NewTempID(now time.Time) string {
	return tempPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "_" + uuid.NewString()[:8]
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

// Start runs the retry sweep until ctx is done or Stop is called.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go p.sweepLoop(ctx, p.clock.Ticker(p.cfg.SweepInterval), done)
}

// Stop ends the sweep and cancels every scheduled retry.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	for id, r := range p.retries {
		r.fired = true
		r.timer.Stop()
		delete(p.retries, id)
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// AddOptimisticMessage registers a message the user just submitted and emits
// add.
func (p *Pipeline) AddOptimisticMessage(conversationID, content, senderID string, typ chat.MessageType) OptimisticMessage {
	if typ == "" {
		typ = chat.TypeText
	}
	now := p.clock.Now().UTC()
	id := NewTempID(now)
	return p.add(OptimisticMessage{
		Message: chat.Message{
			ID:             id,
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        content,
			Type:           typ,
			ClientRef:      id,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		TempID:       id,
		IsOptimistic: true,
	})
}

// Restore re-registers a message that was submitted before a restart and
// never confirmed. It keeps the original temp id so a resend stays
// idempotent on the backend.
func (p *Pipeline) Restore(m chat.Message) OptimisticMessage {
	m.ClientRef = m.ID
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	return p.add(OptimisticMessage{Message: m, TempID: m.ID, IsOptimistic: true})
}

func (p *Pipeline) add(msg OptimisticMessage) OptimisticMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.optimistic[msg.TempID]; ok {
		return *existing
	}
	stored := msg
	p.optimistic[msg.TempID] = &stored
	p.pending[msg.TempID] = &stored
	p.emitLocked(UpdateAdd, stored, msg.TempID)
	p.enqueueLocked(msg.TempID)
	return stored
}

// Get returns the optimistic message registered under tempID.
func (p *Pipeline) Get(tempID string) (OptimisticMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.optimistic[tempID]
	if !ok {
		return OptimisticMessage{}, false
	}
	return *m, true
}

// ConfirmOptimisticMessage replaces the placeholder tempID with the server
// copy. It is a no-op when tempID is no longer pending.
func (p *Pipeline) ConfirmOptimisticMessage(tempID string, server chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmLocked(tempID, server)
}

func (p *Pipeline) confirmLocked(tempID string, server chat.Message) bool {
	opt, ok := p.pending[tempID]
	if !ok {
		return false
	}
	delete(p.pending, tempID)
	delete(p.optimistic, tempID)
	p.cancelRetryLocked(tempID)
	if server.ID != "" {
		p.confirmed[server.ID] = p.clock.Now()
	}
	p.logger.Debug("message confirmed", zap.String("temp_id", tempID), zap.String("id", server.ID), zap.Int("retries", opt.RetryCount))
	p.emitLocked(UpdateConfirm, OptimisticMessage{Message: server}, tempID)
	return true
}

// HandleOptimisticFailure marks tempID failed and schedules a retry after
// RetryBase * 2^(attempt-1). Past MaxRetries the message stays failed and an
// update is emitted instead.
func (p *Pipeline) HandleOptimisticFailure(tempID string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, ok := p.pending[tempID]
	if !ok {
		return
	}
	msg.IsFailed = true
	msg.RetryCount++
	if cause != nil {
		msg.Error = cause.Error()
	}

	if msg.RetryCount > p.cfg.MaxRetries {
		p.cancelRetryLocked(tempID)
		p.logger.Warn("message failed permanently", zap.String("temp_id", tempID), zap.Int("attempts", msg.RetryCount), zap.String("error", msg.Error))
		p.emitLocked(UpdateUpdate, *msg, tempID)
		return
	}

	delay := p.cfg.RetryBase << (msg.RetryCount - 1)
	p.cancelRetryLocked(tempID)
	entry := &retryEntry{due: p.clock.Now().Add(delay)}
	entry.timer = p.clock.AfterFunc(delay, func() { p.fireRetry(tempID, entry) })
	p.retries[tempID] = entry
	p.logger.Info("message send failed, retry scheduled",
		zap.String("temp_id", tempID),
		zap.Int("attempt", msg.RetryCount),
		zap.Duration("delay", delay),
		zap.String("error", msg.Error))
}

// fireRetry is the only path from a scheduled entry to a retry; the timer and
// the sweep both go through it.
func (p *Pipeline) fireRetry(tempID string, entry *retryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry.fired || p.retries[tempID] != entry {
		return
	}
	entry.fired = true
	entry.timer.Stop()
	delete(p.retries, tempID)
	p.retryLocked(tempID)
}

// RetryOptimisticMessage clears the failed flag on tempID and emits retry so
// the sender re-sends it. A message that had used up its retries gets a fresh
// budget.
func (p *Pipeline) RetryOptimisticMessage(tempID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelRetryLocked(tempID)
	if msg, ok := p.pending[tempID]; ok && msg.RetryCount > p.cfg.MaxRetries {
		msg.RetryCount = 0
	}
	p.retryLocked(tempID)
}

func (p *Pipeline) retryLocked(tempID string) {
	msg, ok := p.pending[tempID]
	if !ok {
		return
	}
	msg.IsFailed = false
	msg.Error = ""
	p.emitLocked(UpdateRetry, *msg, tempID)
	p.enqueueLocked(tempID)
}

func (p *Pipeline) enqueueLocked(tempID string) {
	if _, ok := p.queued[tempID]; ok {
		return
	}
	p.queued[tempID] = struct{}{}
	p.sendq = append(p.sendq, tempID)
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled when TakeSends has work. Signals coalesce, so the
// single consumer must drain TakeSends after each one.
func (p *Pipeline) Ready() <-chan struct{} {
	return p.ready
}

// TakeSends removes and returns every queued send in submission order.
// Messages confirmed or cleared since they were queued are skipped.
func (p *Pipeline) TakeSends() []OptimisticMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OptimisticMessage, 0, len(p.sendq))
	for _, id := range p.sendq {
		delete(p.queued, id)
		if m, ok := p.pending[id]; ok {
			out = append(out, *m)
		}
	}
	p.sendq = nil
	return out
}

// requeue puts sends taken but not attempted back at the head of the queue.
func (p *Pipeline) requeue(msgs []OptimisticMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var head []string
	for _, m := range msgs {
		if _, ok := p.queued[m.TempID]; ok {
			continue
		}
		p.queued[m.TempID] = struct{}{}
		head = append(head, m.TempID)
	}
	if len(head) == 0 {
		return
	}
	p.sendq = append(head, p.sendq...)
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *Pipeline) cancelRetryLocked(tempID string) {
	if r, ok := p.retries[tempID]; ok {
		r.fired = true
		r.timer.Stop()
		delete(p.retries, tempID)
	}
}

// HandleRealtimeMessage reconciles an inserted message from the change feed.
// A match against a pending placeholder confirms it; anything else is new and
// emitted as add.
func (p *Pipeline) HandleRealtimeMessage(m chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, seen := p.confirmed[m.ID]; seen {
		return
	}
	if tempID := p.matchLocked(m); tempID != "" {
		p.confirmLocked(tempID, m)
		return
	}
	p.emitLocked(UpdateAdd, OptimisticMessage{Message: m}, "")
}

// matchLocked finds the placeholder m confirms: by client reference when the
// backend echoes it, otherwise the oldest pending message with the same
// conversation, sender, content and type created within MatchWindow.
func (p *Pipeline) matchLocked(m chat.Message) string {
	if m.ClientRef != "" {
		if _, ok := p.pending[m.ClientRef]; ok {
			return m.ClientRef
		}
	}
	var best *OptimisticMessage
	for _, opt := range p.pending {
		if opt.ConversationID != m.ConversationID || opt.SenderID != m.SenderID ||
			opt.Content != m.Content || opt.Type != m.Type {
			continue
		}
		d := opt.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d > p.cfg.MatchWindow {
			continue
		}
		if best == nil || opt.CreatedAt.Before(best.CreatedAt) ||
			(opt.CreatedAt.Equal(best.CreatedAt) && opt.TempID < best.TempID) {
			best = opt
		}
	}
	if best == nil {
		return ""
	}
	return best.TempID
}

// HandleRealtimeMessageUpdate forwards an edit as update.
func (p *Pipeline) HandleRealtimeMessageUpdate(m chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(UpdateUpdate, OptimisticMessage{Message: m}, "")
}

// HandleRealtimeMessageDelete forwards a deletion as delete.
func (p *Pipeline) HandleRealtimeMessageDelete(m chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.confirmed, m.ID)
	p.emitLocked(UpdateDelete, OptimisticMessage{Message: m}, "")
}

// GetOptimisticMessages returns the placeholders of a conversation, oldest
// first.
func (p *Pipeline) GetOptimisticMessages(conversationID string) []OptimisticMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []OptimisticMessage
	for _, m := range p.optimistic {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	slices.SortFunc(out, func(a, b OptimisticMessage) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.TempID, b.TempID)
	})
	return out
}

// GetPendingCount returns how many messages await confirmation.
func (p *Pipeline) GetPendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// ClearOptimisticMessages drops every placeholder of a conversation along
// with its scheduled retries.
func (p *Pipeline) ClearOptimisticMessages(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, m := range p.optimistic {
		if m.ConversationID != conversationID {
			continue
		}
		p.cancelRetryLocked(id)
		delete(p.pending, id)
		delete(p.optimistic, id)
		n++
	}
	if n > 0 {
		p.logger.Info("optimistic messages cleared", zap.String("conversation", conversationID), zap.Int("count", n))
	}
}

// GetStats returns the current counters.
func (p *Pipeline) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Optimistic: len(p.optimistic),
		Pending:    len(p.pending),
		Retrying:   len(p.retries),
		Confirmed:  len(p.confirmed),
	}
	for _, m := range p.pending {
		if m.IsFailed {
			st.Failed++
		}
	}
	return st
}

func (p *Pipeline) sweepLoop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep fires retries whose timers are overdue and forgets old confirmations.
func (p *Pipeline) sweep() {
	now := p.clock.Now()

	p.mu.Lock()
	var due []string
	for id, r := range p.retries {
		if !r.fired && !now.Before(r.due) {
			due = append(due, id)
		}
	}
	for id, at := range p.confirmed {
		if now.Sub(at) >= p.cfg.ConfirmedTTL {
			delete(p.confirmed, id)
		}
	}
	entries := make(map[string]*retryEntry, len(due))
	for _, id := range due {
		entries[id] = p.retries[id]
	}
	p.mu.Unlock()

	for _, id := range due {
		p.logger.Debug("sweep firing overdue retry", zap.String("temp_id", id))
		p.fireRetry(id, entries[id])
	}
}

func (p *Pipeline) emitLocked(typ UpdateType, msg OptimisticMessage, tempID string) {
	if p.bus == nil {
		return
	}
	p.bus.Emit(EventNamespace+string(typ), MessageUpdate{
		Type:           typ,
		Message:        msg,
		ConversationID: msg.ConversationID,
		TempID:         tempID,
	})
}

package outbox

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/chat"
	"github.com/matheus3301/swoon/internal/logging"
	"github.com/matheus3301/swoon/internal/store"
)

const (
	sendTimeout   = 30 * time.Second
	pruneInterval = 10 * time.Minute
	pruneAge      = time.Hour
)

// Backend persists outgoing messages.
type Backend interface {
	SendMessage(ctx context.Context, out chat.OutgoingMessage) (*chat.Message, error)
}

// Journal records send attempts so unsent messages survive a restart.
// *store.DB implements it.
type Journal interface {
	QueueOutbox(ctx context.Context, e store.OutboxEntry) error
	MarkOutboxSending(ctx context.Context, clientRef string) error
	MarkOutboxSent(ctx context.Context, clientRef, serverID string) error
	MarkOutboxFailed(ctx context.Context, clientRef, errMsg string) error
	PendingOutbox(ctx context.Context) ([]store.OutboxEntry, error)
	PruneOutbox(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sender performs the network send for every optimistic add and retry the
// pipeline queues, one message at a time, and reports the outcome back.
type Sender struct {
	pipeline *Pipeline
	backend  Backend
	journal  Journal
	clock    clock.Clock
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a sender. journal, clk and logger may be nil.
func NewSender(p *Pipeline, backend Backend, journal Journal, clk clock.Clock, logger *zap.Logger) *Sender {
	if clk == nil {
		clk = clock.New()
	}
	return &Sender{
		pipeline: p,
		backend:  backend,
		journal:  journal,
		clock:    clk,
		logger:   logging.OrNop(logger).Named("sender"),
	}
}

// Start re-queues journal entries left over from a previous run and begins
// draining the pipeline's send queue.
func (s *Sender) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.resume(ctx)
	go s.loop(ctx, s.clock.Ticker(pruneInterval))
}

// Stop stops the send loop and waits for an in-flight send to finish.
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Sender) resume(ctx context.Context) {
	if s.journal == nil {
		return
	}
	entries, err := s.journal.PendingOutbox(ctx)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	for _, e := range entries {
		if _, ok := s.pipeline.Get(e.ClientRef); ok {
			continue
		}
		s.logger.Info("resuming unsent message", zap.String("temp_id", e.ClientRef), zap.String("status", e.Status), zap.Int("attempts", e.Attempts))
		s.pipeline.Restore(chat.Message{
			ID:             e.ClientRef,
			ConversationID: e.ConversationID,
			SenderID:       e.SenderID,
			Content:        e.Content,
			Type:           e.Type,
			CreatedAt:      e.CreatedAt,
		})
	}
}

func (s *Sender) loop(ctx context.Context, ticker *clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx)
		case <-s.pipeline.Ready():
			batch := s.pipeline.TakeSends()
			for i, msg := range batch {
				if ctx.Err() != nil {
					s.pipeline.requeue(batch[i:])
					return
				}
				s.send(ctx, msg)
			}
		}
	}
}

func (s *Sender) send(ctx context.Context, msg OptimisticMessage) {
	ref := msg.TempID
	s.journalDo("queue", ref, func(jctx context.Context) error {
		return s.journal.QueueOutbox(jctx, store.OutboxEntry{
			ClientRef:      ref,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Content:        msg.Content,
			Type:           msg.Type,
			CreatedAt:      msg.CreatedAt,
		})
	})
	s.journalDo("mark sending", ref, func(jctx context.Context) error {
		return s.journal.MarkOutboxSending(jctx, ref)
	})

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	server, err := s.backend.SendMessage(sendCtx, chat.OutgoingMessage{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		MediaURL:       msg.MediaURL,
		Type:           msg.Type,
		ClientRef:      ref,
	})
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			s.pipeline.requeue([]OptimisticMessage{msg})
			return
		}
		s.logger.Error("failed to send message", zap.Error(err), zap.String("temp_id", ref), zap.Int("retry", msg.RetryCount))
		s.journalDo("mark failed", ref, func(jctx context.Context) error {
			return s.journal.MarkOutboxFailed(jctx, ref, err.Error())
		})
		s.pipeline.HandleOptimisticFailure(ref, err)
		return
	}

	s.journalDo("mark sent", ref, func(jctx context.Context) error {
		return s.journal.MarkOutboxSent(jctx, ref, server.ID)
	})
	s.logger.Info("message sent", zap.String("temp_id", ref), zap.String("id", server.ID))
	s.pipeline.ConfirmOptimisticMessage(ref, *server)
}

// journalDo runs a journal write, detached from shutdown so a send that
// completes is always recorded.
func (s *Sender) journalDo(op, ref string, fn func(context.Context) error) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Error("outbox journal "+op+" failed", zap.Error(err), zap.String("temp_id", ref))
	}
}

func (s *Sender) prune(ctx context.Context) {
	if s.journal == nil {
		return
	}
	n, err := s.journal.PruneOutbox(ctx, s.clock.Now().Add(-pruneAge))
	if err != nil {
		s.logger.Warn("prune outbox failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Debug("outbox pruned", zap.Int64("rows", n))
	}
}

package api

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/swoon/internal/bus"
	"github.com/matheus3301/swoon/internal/chat"
	"github.com/matheus3301/swoon/internal/logging"
	"github.com/matheus3301/swoon/internal/outbox"
	"github.com/matheus3301/swoon/internal/permission"
)

const defaultPageSize = 50

// History lists persisted messages. *store.DB and *remote.Client satisfy it.
type History interface {
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]chat.Message, error)
}

// UserSource supplies the signed-in user.
type UserSource interface {
	CurrentUserID() string
}

// MessageService implements MessageServer over the optimistic pipeline.
type MessageService struct {
	pipeline *outbox.Pipeline
	history  History
	checker  permission.Checker
	users    UserSource
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewMessageService creates a message service. checker may be nil to allow
// every message type.
func NewMessageService(p *outbox.Pipeline, history History, checker permission.Checker, users UserSource, b *bus.Bus, logger *zap.Logger) *MessageService {
	return &MessageService{
		pipeline: p,
		history:  history,
		checker:  checker,
		users:    users,
		bus:      b,
		logger:   logging.OrNop(logger),
	}
}

func (s *MessageService) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	user := s.users.CurrentUserID()
	if user == "" {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "send message: not signed in")
	}
	typ := req.Type
	if typ == "" {
		typ = chat.TypeText
	}
	if s.checker != nil {
		if err := s.checker.CheckMessage(ctx, user, typ); err != nil {
			return nil, toStatus("send message", err)
		}
	}
	msg := s.pipeline.AddOptimisticMessage(req.ConversationID, req.Content, user, typ)
	s.logger.Debug("message submitted", zap.String("temp_id", msg.TempID), zap.String("conversation", req.ConversationID))
	return &SendMessageResponse{Message: msg}, nil
}

func (s *MessageService) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	if s.history == nil {
		return nil, grpcstatus.Error(codes.Unimplemented, "list messages: no history backend")
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultPageSize
	}
	msgs, err := s.history.ListMessages(ctx, req.ConversationID, req.Before(), limit)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	return &ListMessagesResponse{Messages: msgs, HasMore: len(msgs) == limit}, nil
}

func (s *MessageService) ListPending(_ context.Context, req *ListPendingRequest) (*ListPendingResponse, error) {
	return &ListPendingResponse{Messages: s.pipeline.GetOptimisticMessages(req.ConversationID)}, nil
}

func (s *MessageService) RetryMessage(_ context.Context, req *RetryMessageRequest) (*RetryMessageResponse, error) {
	if _, ok := s.pipeline.Get(req.TempID); !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "retry message: %s is not pending", req.TempID)
	}
	s.pipeline.RetryOptimisticMessage(req.TempID)
	return &RetryMessageResponse{Accepted: true}, nil
}

func (s *MessageService) WatchMessageUpdates(req *WatchMessagesRequest, stream grpc.ServerStreamingServer[outbox.MessageUpdate]) error {
	ch, unsub := s.bus.Subscribe(outbox.EventNamespace, 64)
	defer unsub()
	// Headers mark the subscription as live.
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	for {
		select {
		case evt := <-ch:
			u, ok := bus.PayloadAs[outbox.MessageUpdate](evt)
			if !ok {
				continue
			}
			if req.ConversationID != "" && u.ConversationID != req.ConversationID {
				continue
			}
			if err := stream.Send(&u); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

package api

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/matheus3301/swoon/internal/bus"
	"github.com/matheus3301/swoon/internal/call"
	"github.com/matheus3301/swoon/internal/logging"
)

// CallEngine is the call surface the daemon exposes. *call.Engine satisfies
// it.
type CallEngine interface {
	StartCall(ctx context.Context, conversationID string, participants []string, typ call.Type) (call.Record, error)
	AcceptCall(ctx context.Context, callID string) error
	DeclineCall(ctx context.Context, callID string) error
	EndCall(ctx context.Context) error
	ToggleMute() bool
	ToggleVideo() bool
	CurrentCall() (call.Record, bool)
}

// CallService implements CallServer.
type CallService struct {
	engine CallEngine
	bus    *bus.Bus
	logger *zap.Logger
}

// NewCallService creates a call service.
func NewCallService(engine CallEngine, b *bus.Bus, logger *zap.Logger) *CallService {
	return &CallService{engine: engine, bus: b, logger: logging.OrNop(logger)}
}

func (s *CallService) StartCall(ctx context.Context, req *StartCallRequest) (*CallResponse, error) {
	rec, err := s.engine.StartCall(ctx, req.ConversationID, req.Participants, req.Type)
	if err != nil {
		return nil, toStatus("start call", err)
	}
	return &CallResponse{Call: rec}, nil
}

func (s *CallService) AcceptCall(ctx context.Context, req *CallRequest) (*CallResponse, error) {
	if err := s.engine.AcceptCall(ctx, req.CallID); err != nil {
		return nil, toStatus("accept call", err)
	}
	return s.current(), nil
}

func (s *CallService) DeclineCall(ctx context.Context, req *CallRequest) (*CallResponse, error) {
	rec, _ := s.engine.CurrentCall()
	if err := s.engine.DeclineCall(ctx, req.CallID); err != nil {
		return nil, toStatus("decline call", err)
	}
	rec.Status = call.Declined
	return &CallResponse{Call: rec}, nil
}

func (s *CallService) EndCall(ctx context.Context, _ *EndCallRequest) (*CallResponse, error) {
	rec, _ := s.engine.CurrentCall()
	if err := s.engine.EndCall(ctx); err != nil {
		return nil, toStatus("end call", err)
	}
	if rec.Status == call.Ringing {
		rec.Status = call.Declined
	} else {
		rec.Status = call.Ended
	}
	return &CallResponse{Call: rec}, nil
}

func (s *CallService) ToggleMute(_ context.Context, _ *ToggleRequest) (*ToggleResponse, error) {
	return &ToggleResponse{Off: s.engine.ToggleMute()}, nil
}

func (s *CallService) ToggleVideo(_ context.Context, _ *ToggleRequest) (*ToggleResponse, error) {
	return &ToggleResponse{Off: s.engine.ToggleVideo()}, nil
}

func (s *CallService) WatchCallEvents(_ *WatchCallsRequest, stream grpc.ServerStreamingServer[call.CallEvent]) error {
	ch, unsub := s.bus.Subscribe(call.EventNamespace, 64)
	defer unsub()
	// Headers mark the subscription as live.
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	for {
		select {
		case evt := <-ch:
			ce, ok := bus.PayloadAs[call.CallEvent](evt)
			if !ok {
				continue
			}
			if err := stream.Send(&ce); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *CallService) current() *CallResponse {
	rec, _ := s.engine.CurrentCall()
	return &CallResponse{Call: rec}
}

package api

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/call"
	"github.com/matheus3301/swoon/internal/identity"
	"github.com/matheus3301/swoon/internal/logging"
	"github.com/matheus3301/swoon/internal/outbox"
	"github.com/matheus3301/swoon/internal/realtime"
)

// Identity is the sign-in surface the daemon exposes.
type Identity interface {
	SignIn(ctx context.Context, creds identity.Credentials) error
	SignOut()
	CurrentUserID() string
}

// ConnectionStats reports realtime connection health.
type ConnectionStats interface {
	GetConnectionStats() realtime.Stats
}

// CallSnapshotter reports the current call.
type CallSnapshotter interface {
	Snapshot() call.State
}

// SessionService implements SessionServer.
type SessionService struct {
	profile   string
	plan      string
	startedAt time.Time
	identity  Identity
	conn      ConnectionStats
	pipeline  *outbox.Pipeline
	calls     CallSnapshotter
	logger    *zap.Logger
}

// NewSessionService creates a session service. conn, pipeline and calls may
// be nil; their sections of the status are then left empty.
func NewSessionService(profile, plan string, id Identity, conn ConnectionStats, p *outbox.Pipeline, calls CallSnapshotter, logger *zap.Logger) *SessionService {
	return &SessionService{
		profile:   profile,
		plan:      plan,
		startedAt: time.Now(),
		identity:  id,
		conn:      conn,
		pipeline:  p,
		calls:     calls,
		logger:    logging.OrNop(logger),
	}
}

func (s *SessionService) SignIn(ctx context.Context, req *SignInRequest) (*SignInResponse, error) {
	if err := s.identity.SignIn(ctx, identity.Credentials{UserID: req.UserID, AccessToken: req.AccessToken}); err != nil {
		return nil, toStatus("sign in", err)
	}
	return &SignInResponse{UserID: s.identity.CurrentUserID()}, nil
}

func (s *SessionService) SignOut(_ context.Context, _ *SignOutRequest) (*SignOutResponse, error) {
	signedIn := s.identity.CurrentUserID() != ""
	s.identity.SignOut()
	return &SignOutResponse{SignedOut: signedIn}, nil
}

func (s *SessionService) GetStatus(_ context.Context, _ *GetStatusRequest) (*StatusResponse, error) {
	user := s.identity.CurrentUserID()
	resp := &StatusResponse{
		Profile:  s.profile,
		UserID:   user,
		SignedIn: user != "",
		Plan:     s.plan,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if s.conn != nil {
		resp.Connection = s.conn.GetConnectionStats()
	}
	if s.pipeline != nil {
		resp.Pipeline = s.pipeline.GetStats()
	}
	if s.calls != nil {
		resp.Call = s.calls.Snapshot()
	}
	return resp, nil
}

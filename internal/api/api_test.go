package api

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/matheus3301/swoon/internal/bus"
	"github.com/matheus3301/swoon/internal/call"
	"github.com/matheus3301/swoon/internal/chat"
	"github.com/matheus3301/swoon/internal/identity"
	"github.com/matheus3301/swoon/internal/outbox"
	"github.com/matheus3301/swoon/internal/permission"
	"github.com/matheus3301/swoon/internal/store"
)

type fakeEngine struct {
	mu      sync.Mutex
	current *call.Record
	err     error
	muted   bool
	started []StartCallRequest
}

func (f *fakeEngine) StartCall(_ context.Context, conv string, participants []string, typ call.Type) (call.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, StartCallRequest{ConversationID: conv, Participants: participants, Type: typ})
	if f.err != nil {
		return call.Record{}, f.err
	}
	rec := call.Record{ID: "call-1", ConversationID: conv, CallerID: "alice", Type: typ, Status: call.Ringing, Participants: participants}
	f.current = &rec
	return rec, nil
}

func (f *fakeEngine) AcceptCall(context.Context, string) error { return f.fail() }
func (f *fakeEngine) DeclineCall(context.Context, string) error { return f.fail() }

func (f *fakeEngine) EndCall(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return call.ErrNoActiveCall
	}
	f.current = nil
	return nil
}

func (f *fakeEngine) ToggleMute() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return f.muted
}

func (f *fakeEngine) ToggleVideo() bool { return false }

func (f *fakeEngine) CurrentCall() (call.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return call.Record{}, false
	}
	return *f.current, true
}

func (f *fakeEngine) Snapshot() call.State {
	rec, ok := f.CurrentCall()
	if !ok {
		return call.State{}
	}
	return call.State{Call: &rec}
}

func (f *fakeEngine) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeEngine) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type testEnv struct {
	client   *Client
	bus      *bus.Bus
	auth     *identity.Provider
	db       *store.DB
	pipeline *outbox.Pipeline
	engine   *fakeEngine
}

func newTestEnv(t *testing.T, plan string) *testEnv {
	t.Helper()
	b := bus.New()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	auth := identity.NewProvider(nil, nil)
	p := outbox.NewPipeline(outbox.DefaultConfig(), nil, b, nil)
	engine := &fakeEngine{}

	srv := grpc.NewServer()
	RegisterSessionServer(srv, NewSessionService("test", plan, auth, nil, p, engine, nil))
	RegisterMessageServer(srv, NewMessageService(p, db, permission.NewStaticChecker(plan), auth, b, nil))
	RegisterCallServer(srv, NewCallService(engine, b, nil))

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		CallOption(),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		p.Stop()
		_ = db.Close()
	})
	return &testEnv{client: NewClient(conn), bus: b, auth: auth, db: db, pipeline: p, engine: engine}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != code {
		t.Fatalf("code = %s, want %s (err = %v)", got, code, err)
	}
}

func TestSessionService(t *testing.T) {
	env := newTestEnv(t, permission.PlanPlus)
	ctx := testCtx(t)

	st, err := env.client.GetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.SignedIn || st.Profile != "test" || st.Plan != permission.PlanPlus {
		t.Errorf("status before sign-in = %+v", st)
	}

	_, err = env.client.SignIn(ctx, &SignInRequest{})
	wantCode(t, err, codes.InvalidArgument)
	_, err = env.client.SignIn(ctx, &SignInRequest{AccessToken: "not-a-jwt"})
	wantCode(t, err, codes.InvalidArgument)

	resp, err := env.client.SignIn(ctx, &SignInRequest{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.UserID != "alice" {
		t.Errorf("signed in as %q", resp.UserID)
	}
	st, err = env.client.GetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.SignedIn || st.UserID != "alice" || st.Call.Call != nil {
		t.Errorf("status after sign-in = %+v", st)
	}

	out, err := env.client.SignOut(ctx)
	if err != nil || !out.SignedOut {
		t.Fatalf("SignOut = %+v, %v", out, err)
	}
	out, err = env.client.SignOut(ctx)
	if err != nil || out.SignedOut {
		t.Fatalf("second SignOut = %+v, %v", out, err)
	}
}

func TestSendMessageRequiresSignIn(t *testing.T) {
	env := newTestEnv(t, permission.PlanFree)
	_, err := env.client.SendMessage(testCtx(t), &SendMessageRequest{ConversationID: "C1", Content: "hi"})
	wantCode(t, err, codes.FailedPrecondition)
	if _, ok := PlanLimitFromError(err); ok {
		t.Error("sign-in failure reported as plan limit")
	}
}

func TestSendMessagePlanLimit(t *testing.T) {
	env := newTestEnv(t, permission.PlanFree)
	ctx := testCtx(t)
	if err := env.auth.SignIn(ctx, identity.Credentials{UserID: "alice"}); err != nil {
		t.Fatal(err)
	}

	_, err := env.client.SendMessage(ctx, &SendMessageRequest{ConversationID: "C1", Content: "clip.mp4", Type: chat.TypeVideo})
	wantCode(t, err, codes.FailedPrecondition)
	limit, ok := PlanLimitFromError(err)
	if !ok {
		t.Fatalf("no plan limit in %v", err)
	}
	if limit.Category != permission.CategoryMessage || limit.RequiredPlan != permission.PlanPlus {
		t.Errorf("limit = %+v", limit)
	}
	if n := env.pipeline.GetPendingCount(); n != 0 {
		t.Errorf("pending = %d after rejected send", n)
	}
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t, permission.PlanFree)
	ctx := testCtx(t)

	tests := []struct {
		name string
		req  *SendMessageRequest
	}{
		{"no conversation", &SendMessageRequest{Content: "hi"}},
		{"no content", &SendMessageRequest{ConversationID: "C1"}},
		{"unknown type", &SendMessageRequest{ConversationID: "C1", Content: "hi", Type: "sticker"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.client.SendMessage(ctx, tt.req)
			wantCode(t, err, codes.InvalidArgument)
		})
	}
}

func TestSendAndWatchMessages(t *testing.T) {
	env := newTestEnv(t, permission.PlanFree)
	ctx := testCtx(t)
	if err := env.auth.SignIn(ctx, identity.Credentials{UserID: "alice"}); err != nil {
		t.Fatal(err)
	}

	stream, err := env.client.WatchMessageUpdates(ctx, &WatchMessagesRequest{ConversationID: "C1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Header(); err != nil {
		t.Fatal(err)
	}

	if _, err := env.client.SendMessage(ctx, &SendMessageRequest{ConversationID: "C2", Content: "elsewhere"}); err != nil {
		t.Fatal(err)
	}
	sent, err := env.client.SendMessage(ctx, &SendMessageRequest{ConversationID: "C1", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if !outbox.IsTempID(sent.Message.TempID) || !sent.Message.IsOptimistic || sent.Message.SenderID != "alice" {
		t.Errorf("sent = %+v", sent.Message)
	}

	u, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if u.Type != outbox.UpdateAdd || u.TempID != sent.Message.TempID || u.ConversationID != "C1" {
		t.Errorf("update = %+v", u)
	}

	pending, err := env.client.ListPending(ctx, &ListPendingRequest{ConversationID: "C1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending.Messages) != 1 || pending.Messages[0].Content != "hi" {
		t.Errorf("pending = %+v", pending.Messages)
	}

	_, err = env.client.RetryMessage(ctx, &RetryMessageRequest{TempID: "temp_0_missing"})
	wantCode(t, err, codes.NotFound)
	_, err = env.client.RetryMessage(ctx, &RetryMessageRequest{TempID: "srv-1"})
	wantCode(t, err, codes.InvalidArgument)
	if _, err := env.client.RetryMessage(ctx, &RetryMessageRequest{TempID: sent.Message.TempID}); err != nil {
		t.Fatal(err)
	}
	u, err = stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if u.Type != outbox.UpdateRetry {
		t.Errorf("update type = %q, want retry", u.Type)
	}
}

func TestListMessages(t *testing.T) {
	env := newTestEnv(t, permission.PlanFree)
	ctx := testCtx(t)
	for _, content := range []string{"one", "two", "three"} {
		if _, err := env.db.InsertMessage(ctx, chat.OutgoingMessage{ConversationID: "C1", SenderID: "bob", Content: content}); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := env.client.ListMessages(ctx, &ListMessagesRequest{ConversationID: "C1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 2 || !resp.HasMore {
		t.Errorf("page = %d messages, has_more %v", len(resp.Messages), resp.HasMore)
	}

	resp, err = env.client.ListMessages(ctx, &ListMessagesRequest{ConversationID: "C1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 3 || resp.HasMore {
		t.Errorf("full page = %d messages, has_more %v", len(resp.Messages), resp.HasMore)
	}

	_, err = env.client.ListMessages(ctx, &ListMessagesRequest{ConversationID: "C1", Limit: 500})
	wantCode(t, err, codes.InvalidArgument)
}

func TestCallServiceErrors(t *testing.T) {
	env := newTestEnv(t, permission.PlanFree)
	ctx := testCtx(t)
	valid := &StartCallRequest{ConversationID: "C1", Participants: []string{"bob"}, Type: call.Video}

	tests := []struct {
		name string
		req  *StartCallRequest
		err  error
		code codes.Code
	}{
		{"no participants", &StartCallRequest{ConversationID: "C1", Type: call.Voice}, nil, codes.InvalidArgument},
		{"blank participant", &StartCallRequest{ConversationID: "C1", Participants: []string{""}, Type: call.Voice}, nil, codes.InvalidArgument},
		{"unknown type", &StartCallRequest{ConversationID: "C1", Participants: []string{"bob"}, Type: "hologram"}, nil, codes.InvalidArgument},
		{"busy", valid, call.ErrCallInProgress, codes.FailedPrecondition},
		{"plan", valid, &permission.PlanLimitError{Category: permission.CategoryVideoCall, RequiredPlan: permission.PlanPlus}, codes.FailedPrecondition},
		{"media", valid, &call.MediaError{Message: "Could not access your camera or microphone", Err: call.ErrNoDevice}, codes.Unavailable},
		{"backend", valid, errors.New("disk full"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.engine.setErr(tt.err)
			_, err := env.client.StartCall(ctx, tt.req)
			wantCode(t, err, tt.code)
		})
	}

	env.engine.setErr(&permission.PlanLimitError{Category: permission.CategoryVideoCall, RequiredPlan: permission.PlanPlus})
	_, err := env.client.StartCall(ctx, valid)
	limit, ok := PlanLimitFromError(err)
	if !ok || limit.Category != permission.CategoryVideoCall {
		t.Errorf("plan limit = %+v, %v", limit, ok)
	}

	env.engine.setErr(call.ErrCallMismatch)
	_, err = env.client.AcceptCall(ctx, "other")
	wantCode(t, err, codes.FailedPrecondition)
	_, err = env.client.AcceptCall(ctx, "")
	wantCode(t, err, codes.InvalidArgument)
	_, err = env.client.EndCall(ctx)
	wantCode(t, err, codes.FailedPrecondition)
}

func TestCallServiceLifecycle(t *testing.T) {
	env := newTestEnv(t, permission.PlanPremium)
	ctx := testCtx(t)

	stream, err := env.client.WatchCallEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Header(); err != nil {
		t.Fatal(err)
	}

	started, err := env.client.StartCall(ctx, &StartCallRequest{ConversationID: "C1", Participants: []string{"bob"}, Type: call.Voice})
	if err != nil {
		t.Fatal(err)
	}
	if started.Call.ID != "call-1" || started.Call.Status != call.Ringing {
		t.Errorf("started = %+v", started.Call)
	}

	env.bus.Emit(call.EventNamespace+call.EventStarted, call.CallEvent{Kind: call.EventStarted, Call: started.Call})
	ev, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != call.EventStarted || ev.Call.ID != "call-1" {
		t.Errorf("event = %+v", ev)
	}

	mute, err := env.client.ToggleMute(ctx)
	if err != nil || !mute.Off {
		t.Fatalf("ToggleMute = %+v, %v", mute, err)
	}

	ended, err := env.client.EndCall(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ended.Call.ID != "call-1" || ended.Call.Status != call.Declined {
		t.Errorf("ended = %+v, want declined ringing call", ended.Call)
	}
}

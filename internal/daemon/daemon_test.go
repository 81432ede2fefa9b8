package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/fx/fxtest"

	"github.com/matheus3301/swoon/internal/api"
	"github.com/matheus3301/swoon/internal/call"
	"github.com/matheus3301/swoon/internal/config"
	"github.com/matheus3301/swoon/internal/outbox"
	"github.com/matheus3301/swoon/internal/profile"
)

func startDaemon(t *testing.T) *api.Client {
	t.Helper()
	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "swoon-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	t.Setenv("SWOON_HOME", tmpDir)

	cfg := config.Default()
	cfg.Identity.UserID = "alice"
	cfg.Call.ICEServers = nil

	app := fxtest.New(t, Module(Params{ProfileName: "test", Config: cfg}))
	app.RequireStart()
	t.Cleanup(app.RequireStop)

	c, err := api.Dial(profile.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectedChannels(t *testing.T, ctx context.Context, c *api.Client) int {
	t.Helper()
	st, err := c.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	return st.Connection.ConnectedChannels
}

func TestDaemonLifecycle(t *testing.T) {
	c := startDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := c.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Profile != "test" || !st.SignedIn || st.UserID != "alice" || st.Plan != "free" {
		t.Errorf("status = %+v", st)
	}
	// The message feed and call signaling each hold a channel.
	waitFor(t, "realtime channels", func() bool { return connectedChannels(t, ctx, c) == 2 })
}

func TestDaemonMessageRoundTrip(t *testing.T) {
	c := startDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	waitFor(t, "realtime channels", func() bool { return connectedChannels(t, ctx, c) == 2 })

	stream, err := c.WatchMessageUpdates(ctx, &api.WatchMessagesRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Header(); err != nil {
		t.Fatal(err)
	}

	resp, err := c.SendMessage(ctx, &api.SendMessageRequest{ConversationID: "c1", Content: "hello"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	tempID := resp.Message.TempID
	if !outbox.IsTempID(tempID) {
		t.Fatalf("temp id = %q", tempID)
	}

	for {
		u, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if u.Type == outbox.UpdateConfirm && u.TempID == tempID {
			if u.Message.IsOptimistic || u.Message.Content != "hello" {
				t.Errorf("confirmed message = %+v", u.Message)
			}
			break
		}
	}

	list, err := c.ListMessages(ctx, &api.ListMessagesRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list.Messages) != 1 || list.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", list.Messages)
	}
	pending, err := c.ListPending(ctx, &api.ListPendingRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending.Messages) != 0 {
		t.Errorf("pending = %+v", pending.Messages)
	}
}

func TestDaemonResubscribesAfterSignIn(t *testing.T) {
	c := startDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	waitFor(t, "realtime channels", func() bool { return connectedChannels(t, ctx, c) == 2 })

	if _, err := c.SignOut(ctx); err != nil {
		t.Fatal(err)
	}
	if n := connectedChannels(t, ctx, c); n != 0 {
		t.Errorf("channels after sign-out = %d", n)
	}
	if _, err := c.SendMessage(ctx, &api.SendMessageRequest{ConversationID: "c1", Content: "x"}); err == nil {
		t.Error("SendMessage while signed out succeeded")
	}

	if _, err := c.SignIn(ctx, &api.SignInRequest{UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "channels after sign-in", func() bool { return connectedChannels(t, ctx, c) == 2 })
}

func TestDaemonCallRinging(t *testing.T) {
	c := startDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	waitFor(t, "realtime channels", func() bool { return connectedChannels(t, ctx, c) == 2 })

	if _, err := c.StartCall(ctx, &api.StartCallRequest{ConversationID: "c1", Participants: []string{"bob"}, Type: "video"}); err == nil {
		t.Error("video call allowed on free plan")
	} else if _, ok := api.PlanLimitFromError(err); !ok {
		t.Errorf("video call error = %v, want plan limit", err)
	}

	resp, err := c.StartCall(ctx, &api.StartCallRequest{ConversationID: "c1", Participants: []string{"bob"}, Type: "voice"})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if resp.Call.Status != call.Ringing || resp.Call.CallerID != "alice" {
		t.Errorf("call = %+v", resp.Call)
	}

	st, err := c.GetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Call.Call == nil || st.Call.Call.ID != resp.Call.ID {
		t.Errorf("status call = %+v", st.Call)
	}

	end, err := c.EndCall(ctx)
	if err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if end.Call.Status != call.Declined {
		t.Errorf("ended ringing call status = %s, want declined", end.Call.Status)
	}
	if _, err := c.EndCall(ctx); err == nil {
		t.Error("second EndCall succeeded")
	}
}

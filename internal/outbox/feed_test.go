package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/swoon/internal/bus"
	"github.com/matheus3301/swoon/internal/chat"
	"github.com/matheus3301/swoon/internal/identity"
	"github.com/matheus3301/swoon/internal/realtime"
	"github.com/matheus3301/swoon/internal/realtime/loopback"
	"github.com/matheus3301/swoon/internal/store"
)

type feedEnv struct {
	db       *store.DB
	manager  *realtime.Manager
	auth     *identity.Provider
	pipeline *Pipeline
	feed     *Feed
	updates  *updates
}

// newFeedEnv wires a store, the loopback hub, a realtime manager, the feed
// and a sender that persists into the store.
func newFeedEnv(t *testing.T) *feedEnv {
	t.Helper()
	b := bus.New()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	hub := loopback.NewHub(b, nil)
	hub.Start(context.Background())

	auth := identity.NewProvider(nil, nil)
	if err := auth.SignIn(context.Background(), identity.Credentials{UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	manager := realtime.NewManager(hub.Transport(), auth, nil, nil, realtime.DefaultManagerConfig(), nil)

	u := watch(t, b)
	p := NewPipeline(DefaultConfig(), nil, b, nil)
	s := NewSender(p, db, db, nil, nil)
	f := NewFeed(manager, p, auth, nil)

	t.Cleanup(func() {
		f.Stop()
		s.Stop()
		p.Stop()
		manager.Destroy()
		hub.Stop()
		_ = db.Close()
	})

	if err := f.Start(); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	eventually(t, "realtime connected", func() bool { return manager.State().Connected })

	return &feedEnv{db: db, manager: manager, auth: auth, pipeline: p, feed: f, updates: u}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeedConfirmsOwnMessageOnce(t *testing.T) {
	env := newFeedEnv(t)

	msg := env.pipeline.AddOptimisticMessage("C1", "hello", "alice", chat.TypeText)
	env.updates.expect(t, UpdateAdd)
	confirm := env.updates.expect(t, UpdateConfirm)
	if confirm.TempID != msg.TempID {
		t.Errorf("confirm temp id = %q, want %q", confirm.TempID, msg.TempID)
	}
	if IsTempID(confirm.Message.ID) || confirm.Message.ClientRef != msg.TempID {
		t.Errorf("confirmed message = %+v", confirm.Message)
	}
	env.updates.none(t, 100*time.Millisecond)

	stored, err := env.db.ListMessages(context.Background(), "C1", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].ID != confirm.Message.ID {
		t.Fatalf("stored = %+v", stored)
	}
	if n := env.pipeline.GetPendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestFeedRoutesForeignChanges(t *testing.T) {
	env := newFeedEnv(t)
	ctx := context.Background()

	m, err := env.db.InsertMessage(ctx, chat.OutgoingMessage{ConversationID: "C1", SenderID: "bob", Content: "hey"})
	if err != nil {
		t.Fatal(err)
	}
	add := env.updates.expect(t, UpdateAdd)
	if add.Message.ID != m.ID || add.Message.IsOptimistic || add.TempID != "" {
		t.Errorf("add = %+v", add)
	}

	if _, err := env.db.UpdateMessageContent(ctx, m.ID, "hey there"); err != nil {
		t.Fatal(err)
	}
	upd := env.updates.expect(t, UpdateUpdate)
	if upd.Message.Content != "hey there" || !upd.Message.IsEdited {
		t.Errorf("update = %+v", upd.Message)
	}

	if err := env.db.DeleteMessage(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	del := env.updates.expect(t, UpdateDelete)
	if del.Message.ID != m.ID || del.ConversationID != "C1" {
		t.Errorf("delete = %+v", del)
	}
}

func TestFeedResubscribesAfterSignIn(t *testing.T) {
	env := newFeedEnv(t)

	env.auth.SignOut()
	if env.manager.State().Connected {
		t.Fatal("still connected after sign-out")
	}
	if err := env.auth.SignIn(context.Background(), identity.Credentials{UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "realtime reconnected", func() bool { return env.manager.State().Connected })

	if _, err := env.db.InsertMessage(context.Background(), chat.OutgoingMessage{ConversationID: "C2", SenderID: "bob", Content: "back"}); err != nil {
		t.Fatal(err)
	}
	add := env.updates.expect(t, UpdateAdd)
	if add.Message.Content != "back" {
		t.Errorf("add = %+v", add.Message)
	}
}

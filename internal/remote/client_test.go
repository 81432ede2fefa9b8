package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/swoon/internal/call"
	"github.com/matheus3301/swoon/internal/chat"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

func TestSendMessage(t *testing.T) {
	var gotReq chat.OutgoingMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/v1/messages" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("apikey") != "anon" {
			t.Errorf("apikey = %q, want anon", r.Header.Get("apikey"))
		}
		if r.Header.Get("Authorization") != "Bearer user-token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Prefer") != "return=representation" {
			t.Errorf("Prefer = %q", r.Header.Get("Prefer"))
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode([]chat.Message{{
			ID:             "srv-1",
			ConversationID: gotReq.ConversationID,
			SenderID:       gotReq.SenderID,
			Content:        gotReq.Content,
			Type:           gotReq.Type,
			ClientRef:      gotReq.ClientRef,
			CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "anon", staticToken("user-token"), nil)
	m, err := c.SendMessage(context.Background(), chat.OutgoingMessage{
		ConversationID: "C1", SenderID: "alice", Content: "hi", ClientRef: "temp_1",
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if m.ID != "srv-1" || m.ClientRef != "temp_1" {
		t.Errorf("message = %+v", m)
	}
	if gotReq.Type != chat.TypeText {
		t.Errorf("sent type = %q, want text default", gotReq.Type)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"23505","message":"duplicate key"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon", nil, nil)
	_, err := c.SendMessage(context.Background(), chat.OutgoingMessage{ConversationID: "C1", SenderID: "a"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Code != "23505" || apiErr.Message != "duplicate key" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestAPIErrorPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "anon", nil, nil).UpdateCall(context.Background(), "c1", call.Update{Status: call.Ended})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "bad gateway" {
		t.Fatalf("error = %v, want APIError with body message", err)
	}
}

func TestCreateAndUpdateCall(t *testing.T) {
	var paths []string
	var patchQuery string
	var patchBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer anon" {
			t.Errorf("Authorization = %q, want api key fallback", r.Header.Get("Authorization"))
		}
		if r.Method == http.MethodPatch {
			patchQuery = r.URL.RawQuery
			_ = json.NewDecoder(r.Body).Decode(&patchBody)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon", staticToken(""), nil)
	ctx := context.Background()
	err := c.CreateCall(ctx, call.Record{
		ID: "call-1", ConversationID: "C1", CallerID: "alice", Type: call.Voice,
		Status: call.Ringing, Participants: []string{"alice", "bob"},
	})
	if err != nil {
		t.Fatalf("CreateCall() error = %v", err)
	}
	dur := 12
	if err := c.UpdateCall(ctx, "call-1", call.Update{Status: call.Ended, Duration: &dur}); err != nil {
		t.Fatalf("UpdateCall() error = %v", err)
	}

	want := []string{"POST /rest/v1/calls", "POST /rest/v1/call_participants", "PATCH /rest/v1/calls"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
	if patchQuery != "id=eq.call-1" {
		t.Errorf("patch query = %q", patchQuery)
	}
	if patchBody["status"] != "ended" || patchBody["duration_seconds"] != float64(12) {
		t.Errorf("patch body = %v", patchBody)
	}
	if _, ok := patchBody["started_at"]; ok {
		t.Error("patch body should omit unset started_at")
	}
}

func TestListMessages(t *testing.T) {
	before := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/rest/v1/messages" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		want := map[string]string{
			"conversation_id": "eq.C1",
			"order":           "created_at.desc",
			"limit":           "2",
			"created_at":      "lt." + before.Format(time.RFC3339Nano),
		}
		for k, v := range want {
			if q.Get(k) != v {
				t.Errorf("query %s = %q, want %q", k, q.Get(k), v)
			}
		}
		_ = json.NewEncoder(w).Encode([]chat.Message{{ID: "m2"}, {ID: "m1"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon", nil, nil)
	msgs, err := c.ListMessages(context.Background(), "C1", before, 2)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m2" {
		t.Errorf("messages = %+v", msgs)
	}
}

// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hawki-chat/hawki/lib/eventbus"
	"github.com/hawki-chat/hawki/lib/keychain"
	"github.com/hawki-chat/hawki/lib/secret"
	"github.com/hawki-chat/hawki/lib/testutil"
	"github.com/hawki-chat/hawki/messaging"
)

// serverHarness fakes the HAWKI server surface a connection touches:
// info, change log, keychain and the realtime websocket.
type serverHarness struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	changelog string // raw JSON body for /api/sync/changelog

	wsInbound chan map[string]any // frames the realtime endpoint received
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	h := &serverHarness{
		t:         t,
		changelog: `{"type":"full","log":[]}`,
		wsInbound: make(chan map[string]any, 32),
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version":       "2.4.0",
			"ai_salt":       "ai-salt",
			"keychain_salt": "keychain-salt",
			"backup_salt":   "backup-salt",
		})
	})
	mux.HandleFunc("/api/sync/changelog", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		body := h.changelog
		h.mu.Unlock()
		w.Write([]byte(body))
	})
	mux.HandleFunc("/api/keychain", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"entries":[]}`))
	})
	mux.HandleFunc("/api/keychain/batch", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/realtime", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			h.wsInbound <- frame
		}
	})
	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)
	return h
}

func (h *serverHarness) setChangelog(body string) {
	h.mu.Lock()
	h.changelog = body
	h.mu.Unlock()
}

func (h *serverHarness) session(userID string) (*messaging.Client, *messaging.Session) {
	h.t.Helper()
	client, err := messaging.NewClient(messaging.ClientConfig{ServerURL: h.server.URL})
	if err != nil {
		h.t.Fatalf("NewClient: %v", err)
	}
	token, err := secret.NewFromBytes([]byte("test-access-token"))
	if err != nil {
		h.t.Fatalf("NewFromBytes: %v", err)
	}
	h.t.Cleanup(func() { token.Close() })
	return client, client.ResumeSession(userID, token)
}

func (h *serverHarness) open(config Config) (*Connection, error) {
	if config.Client == nil {
		config.Client, config.Session = h.session("u1")
	}
	if config.StorePath == "" {
		config.StorePath = filepath.Join(h.t.TempDir(), "replica.db")
		config.PoolSize = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return Open(ctx, config)
}

func (h *serverHarness) mustOpen(config Config) *Connection {
	h.t.Helper()
	conn, err := h.open(config)
	if err != nil {
		h.t.Fatalf("Open: %v", err)
	}
	h.t.Cleanup(func() { conn.Close(context.Background()) })
	return conn
}

func TestOpenSyncsChangeLogIntoReplica(t *testing.T) {
	h := newServerHarness(t)
	h.setChangelog(`{"type":"full","log":[
		{"resource":"room","action":"set","data":{"id":1,"name":"lobby"},"logged_at":"2026-01-02T10:00:00Z"},
		{"resource":"message","action":"set","data":{"id":10,"room_id":1,"body":"hello","created_at":"2026-01-02T10:00:01Z"},"logged_at":"2026-01-02T10:00:02Z"},
		{"resource":"user","action":"set","data":{"id":2,"name":"ada"},"logged_at":"2026-01-02T10:00:03Z"}
	]}`)

	conn := h.mustOpen(Config{SkipRealtime: true})
	ctx := context.Background()

	room, err := conn.Store().MustTable(ResourceRoom).Get(ctx, 1)
	if err != nil || room == nil {
		t.Fatalf("room: %v, %v", room, err)
	}
	if room["name"] != "lobby" {
		t.Errorf("room name = %v", room["name"])
	}

	message, err := conn.Store().MustTable(ResourceMessage).Get(ctx, 10)
	if err != nil || message == nil {
		t.Fatalf("message: %v, %v", message, err)
	}
	wantMillis := time.Date(2026, 1, 2, 10, 0, 1, 0, time.UTC).UnixMilli()
	if got := message["created_at_ms"]; got != wantMillis {
		t.Errorf("created_at_ms = %v (%T), want %d", got, got, wantMillis)
	}

	meta, err := conn.Store().ReadMeta(ctx)
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if meta.LastSync == nil {
		t.Error("LastSync not recorded after global run")
	}
}

func TestOpenWipesForeignReplica(t *testing.T) {
	h := newServerHarness(t)
	path := filepath.Join(t.TempDir(), "replica.db")

	h.setChangelog(`{"type":"full","log":[
		{"resource":"room","action":"set","data":{"id":1,"name":"lobby"},"logged_at":"2026-01-02T10:00:00Z"}
	]}`)
	clientA, sessionA := h.session("u1")
	first := h.mustOpen(Config{Client: clientA, Session: sessionA, StorePath: path, PoolSize: 1})
	if err := first.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// An incremental response never clears tables, so the room can
	// only disappear through the identity wipe.
	h.setChangelog(`{"type":"incremental","log":[]}`)
	clientB, sessionB := h.session("u2")
	second := h.mustOpen(Config{Client: clientB, Session: sessionB, StorePath: path, PoolSize: 1})

	room, err := second.Store().MustTable(ResourceRoom).Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if room != nil {
		t.Errorf("foreign room survived identity wipe: %v", room)
	}
}

func TestOpenReturnsErrUserRemoved(t *testing.T) {
	h := newServerHarness(t)
	h.setChangelog(`{"type":"full","log":[
		{"resource":"room","action":"set","data":{"id":1,"name":"lobby"},"logged_at":"2026-01-02T10:00:00Z"},
		{"resource":"user_removal","action":"set","data":{"id":1,"user_id":"u1"},"logged_at":"2026-01-02T10:00:01Z"}
	]}`)

	bus := eventbus.New(nil)
	events := make(chan eventbus.Type, 8)
	for _, eventType := range []eventbus.Type{eventbus.EventInit, eventbus.EventDisconnect} {
		eventType := eventType
		bus.AddListener(eventType, func(ctx context.Context, payload any) error {
			events <- eventType
			return nil
		}, 0)
	}

	_, err := h.open(Config{Bus: bus, SkipRealtime: true})
	if !errors.Is(err, ErrUserRemoved) {
		t.Fatalf("Open error = %v, want ErrUserRemoved", err)
	}

	if got := testutil.RequireReceive(t, events, 5*time.Second); got != eventbus.EventInit {
		t.Errorf("first event = %v, want init", got)
	}
	if got := testutil.RequireReceive(t, events, 5*time.Second); got != eventbus.EventDisconnect {
		t.Errorf("second event = %v, want disconnect", got)
	}
}

func TestForeignUserRemovalDropsUserRecord(t *testing.T) {
	h := newServerHarness(t)
	h.setChangelog(`{"type":"full","log":[
		{"resource":"user","action":"set","data":{"id":2,"name":"ada"},"logged_at":"2026-01-02T10:00:00Z"},
		{"resource":"user_removal","action":"set","data":{"id":2,"user_id":"u2"},"logged_at":"2026-01-02T10:00:01Z"}
	]}`)

	conn := h.mustOpen(Config{SkipRealtime: true})

	user, err := conn.Store().MustTable(ResourceUser).Get(context.Background(), 2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if user != nil {
		t.Errorf("removed user's record survived: %v", user)
	}
	if conn.Removed() {
		t.Error("foreign removal marked the active user removed")
	}
}

func TestKeychainValuesMergeFromChangeLog(t *testing.T) {
	h := newServerHarness(t)
	roomKey := base64.StdEncoding.EncodeToString(make([]byte, 32))
	h.setChangelog(`{"type":"full","log":[
		{"resource":"keychain_value","action":"set","data":{"key":"room:7","type":"symmetric_key","value":"` + roomKey + `","time":1234},"logged_at":"2026-01-02T10:00:00Z"}
	]}`)

	conn := h.mustOpen(Config{SkipRealtime: true})

	entry, ok := conn.Keychain().Get(keychain.EntryRef{Key: "room:7", Type: keychain.TypeSymmetricKey})
	if !ok {
		t.Fatal("keychain entry not merged from change log")
	}
	if entry.Value != roomKey || entry.Time != 1234 {
		t.Errorf("entry = %+v", entry)
	}
}

func TestRoomRemovalPurgesKeysWithoutRealtime(t *testing.T) {
	h := newServerHarness(t)
	roomKey := base64.StdEncoding.EncodeToString(make([]byte, 32))
	h.setChangelog(`{"type":"full","log":[
		{"resource":"room","action":"set","data":{"id":7,"name":"ops"},"logged_at":"2026-01-02T10:00:00Z"},
		{"resource":"keychain_value","action":"set","data":{"key":"room:7","type":"symmetric_key","value":"` + roomKey + `","time":1},"logged_at":"2026-01-02T10:00:01Z"},
		{"resource":"room","action":"remove","data":{"id":7},"logged_at":"2026-01-02T10:00:02Z"}
	]}`)

	conn := h.mustOpen(Config{SkipRealtime: true})

	// Even without a realtime session, syncing the room's removal
	// purges its key bundle.
	if _, ok := conn.Keychain().Get(keychain.EntryRef{Key: "room:7", Type: keychain.TypeSymmetricKey}); ok {
		t.Fatal("room key survived the room's removal")
	}
}

func TestSyncedRoomJoinsRealtimeChannel(t *testing.T) {
	h := newServerHarness(t)
	h.setChangelog(`{"type":"full","log":[
		{"resource":"room","action":"set","data":{"id":5,"name":"ops"},"logged_at":"2026-01-02T10:00:00Z"}
	]}`)

	h.mustOpen(Config{})

	// Connect replays the user and global subscriptions, then the
	// room applier joins room:5.
	subscribed := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for !subscribed["room:5"] {
		select {
		case frame := <-h.wsInbound:
			if frame["action"] == "subscribe" {
				subscribed[frame["channel"].(string)] = true
			}
		case <-deadline:
			t.Fatalf("no room subscription observed, got %v", subscribed)
		}
	}
	for _, channel := range []string{"user", "global"} {
		if !subscribed[channel] {
			t.Errorf("channel %s never subscribed", channel)
		}
	}
}

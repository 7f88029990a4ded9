// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/hawki-chat/hawki/lib/eventbus"
	"github.com/hawki-chat/hawki/lib/netutil"
)

// realtimeFrame is the wire shape of every message on the realtime
// socket, both directions. Outbound frames carry an Action
// (subscribe, unsubscribe, whisper); inbound frames carry the channel
// the event arrived on.
type realtimeFrame struct {
	Action  string          `json:"action,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Whisper bool            `json:"whisper,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// ID is the client-generated event id (a ULID) for outbound
	// frames, or the server's id for inbound ones.
	ID string `json:"id,omitempty"`
}

// RealtimeConfig holds configuration for creating a Realtime.
type RealtimeConfig struct {
	Session *Session
	Bus     *eventbus.Bus
	// Logger, nil discards.
	Logger *slog.Logger
	// Dialer, nil means websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Realtime multiplexes the server's realtime channels over one
// websocket connection and forwards named events onto the bus. The
// user and broadcast channels are subscribed while bus listeners for
// their event types exist; room channels follow room membership via
// JoinRoom and LeaveRoom.
type Realtime struct {
	session *Session
	bus     *eventbus.Bus
	binding *eventbus.ForwardedBinding
	logger  *slog.Logger
	dialer  *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]int
	closed   bool

	writeMu sync.Mutex
}

// NewRealtime creates the realtime adapter. It registers nothing on
// the server until Connect.
func NewRealtime(cfg RealtimeConfig) (*Realtime, error) {
	if cfg.Session == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("messaging: Session and Bus are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	r := &Realtime{
		session:  cfg.Session,
		bus:      cfg.Bus,
		logger:   logger,
		dialer:   dialer,
		channels: make(map[string]int),
	}
	r.binding = eventbus.NewForwardedBinding(cfg.Bus, r.setupEventType)
	return r, nil
}

// AddListener registers a bus listener for a realtime event type,
// subscribing the backing channel while listeners exist. Use
// eventbus.ChannelEvent or eventbus.WhisperEvent to build the type.
func (r *Realtime) AddListener(eventType eventbus.Type, fn eventbus.Listener, priority int) (func(), error) {
	return r.binding.AddListener(eventType, fn, priority)
}

// setupEventType maps an event type to a channel subscription. Room
// and whisper event types need no setup: room channels follow
// membership, and whispers arrive on whatever channels are already
// subscribed.
func (r *Realtime) setupEventType(eventType eventbus.Type) (func(), error) {
	parts := strings.SplitN(string(eventType), ":", 3)
	if len(parts) != 3 || parts[0] != "channel" {
		return func() {}, nil
	}
	var channel string
	switch eventbus.ChannelScope(parts[1]) {
	case eventbus.ScopeUser:
		channel = "user"
	case eventbus.ScopeGlobal:
		channel = "global"
	default:
		return func() {}, nil
	}
	if err := r.acquireChannel(channel); err != nil {
		return nil, err
	}
	return func() { r.releaseChannel(channel) }, nil
}

// JoinRoom subscribes the room's private channel. Reference-counted;
// call LeaveRoom symmetrically.
func (r *Realtime) JoinRoom(roomID string) error {
	return r.acquireChannel("room:" + roomID)
}

// LeaveRoom drops one reference to the room's channel, unsubscribing
// when the last one goes.
func (r *Realtime) LeaveRoom(roomID string) {
	r.releaseChannel("room:" + roomID)
}

func (r *Realtime) acquireChannel(channel string) error {
	r.mu.Lock()
	r.channels[channel]++
	first := r.channels[channel] == 1
	conn := r.conn
	r.mu.Unlock()

	if !first || conn == nil {
		return nil
	}
	if err := r.writeFrame(realtimeFrame{Action: "subscribe", Channel: channel}); err != nil {
		// The subscription never took; the reference must not linger
		// or a later acquire would skip the subscribe frame.
		r.mu.Lock()
		r.channels[channel]--
		if r.channels[channel] <= 0 {
			delete(r.channels, channel)
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Realtime) releaseChannel(channel string) {
	r.mu.Lock()
	r.channels[channel]--
	last := r.channels[channel] == 0
	if last {
		delete(r.channels, channel)
	}
	conn := r.conn
	r.mu.Unlock()

	if !last || conn == nil {
		return
	}
	if err := r.writeFrame(realtimeFrame{Action: "unsubscribe", Channel: channel}); err != nil {
		r.logger.Warn("unsubscribe failed", "channel", channel, "error", err)
	}
}

// Connect dials the realtime socket, replays the wanted channel
// subscriptions, and starts the reader.
func (r *Realtime) Connect(ctx context.Context) error {
	socketURL := strings.Replace(r.session.client.baseURL, "http", "ws", 1) + "/api/realtime"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+r.session.accessToken.String())

	conn, response, err := r.dialer.DialContext(ctx, socketURL, header)
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			return fmt.Errorf("messaging: realtime dial failed (%d): %s", response.StatusCode, netutil.ErrorBody(response.Body))
		}
		return fmt.Errorf("messaging: realtime dial failed: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return fmt.Errorf("messaging: realtime adapter is closed")
	}
	r.conn = conn
	wanted := make([]string, 0, len(r.channels))
	for channel := range r.channels {
		wanted = append(wanted, channel)
	}
	r.mu.Unlock()

	for _, channel := range wanted {
		if err := r.writeFrame(realtimeFrame{Action: "subscribe", Channel: channel}); err != nil {
			return err
		}
	}

	go r.readLoop(conn)
	r.logger.Info("realtime connected", "channels", len(wanted))
	return nil
}

// Close tears the connection down. Idempotent.
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	r.binding.Close()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SendWhisper broadcasts an ephemeral signal (typing, presence) on a
// channel. Whispers are never persisted server-side; delivery is
// best-effort.
func (r *Realtime) SendWhisper(scope eventbus.ChannelScope, roomID, event string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("messaging: encoding whisper payload: %w", err)
	}
	channel := string(scope)
	if scope == eventbus.ScopeRoom {
		channel = "room:" + roomID
	}
	return r.writeFrame(realtimeFrame{
		Action:  "whisper",
		Channel: channel,
		Event:   event,
		Payload: encoded,
		ID:      ulid.Make().String(),
	})
}

func (r *Realtime) writeFrame(frame realtimeFrame) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("messaging: realtime not connected")
	}

	// gorilla/websocket allows one concurrent writer.
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("messaging: realtime write failed: %w", err)
	}
	return nil
}

// readLoop dispatches inbound frames onto the bus until the
// connection dies.
func (r *Realtime) readLoop(conn *websocket.Conn) {
	for {
		var frame realtimeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			r.mu.Lock()
			closed := r.closed || r.conn != conn
			r.mu.Unlock()
			if !closed && !netutil.IsExpectedCloseError(err) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Warn("realtime read failed", "error", err)
			}
			return
		}
		r.dispatchFrame(frame)
	}
}

func (r *Realtime) dispatchFrame(frame realtimeFrame) {
	scope, roomID := parseChannel(frame.Channel)
	message := eventbus.ChannelMessage{
		Scope:   scope,
		RoomID:  roomID,
		Event:   frame.Event,
		Payload: frame.Payload,
	}

	eventType := eventbus.ChannelEvent(scope, frame.Event)
	if frame.Whisper {
		eventType = eventbus.WhisperEvent(frame.Event)
	}
	// Listener errors are logged by the bus.
	_ = r.bus.Dispatch(context.Background(), eventType, message)
}

func parseChannel(channel string) (eventbus.ChannelScope, string) {
	switch {
	case channel == "user":
		return eventbus.ScopeUser, ""
	case channel == "global":
		return eventbus.ScopeGlobal, ""
	case strings.HasPrefix(channel, "room:"):
		return eventbus.ScopeRoom, strings.TrimPrefix(channel, "room:")
	default:
		return eventbus.ScopeGlobal, ""
	}
}

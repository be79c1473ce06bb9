package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/internal/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 8 << 20
	wsOutboundBuffer = 16

	frameSync      = "sync"
	frameUpdate    = "update"
	frameAwareness = "awareness"
	framePresence  = "presence"
	frameError     = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type inboundFrame struct {
	Type   string          `json:"type"`
	Update []byte          `json:"update,omitempty"`
	Cursor json.RawMessage `json:"cursor,omitempty"`
	Typing *bool           `json:"typing,omitempty"`
	Name   *string         `json:"name,omitempty"`
}

type outboundFrame struct {
	Type     string                       `json:"type"`
	ClientID string                       `json:"clientId,omitempty"`
	Update   []byte                       `json:"update,omitempty"`
	Presence map[string]sessions.Presence `json:"presence,omitempty"`
	Error    string                       `json:"error,omitempty"`
}

type collabSession struct {
	registry   *sessions.Registry
	handle     *sessions.Handle
	conn       *websocket.Conn
	logger     *zap.Logger
	typingIdle time.Duration

	outbound chan outboundFrame
	presence chan sessions.PresenceChange

	typingMu    sync.Mutex
	typing      bool
	typingTimer *time.Timer
}

func (h *httpHandler) handleCollaboration(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	clientID := strings.TrimSpace(c.Query("client_id"))
	if clientID == "" {
		clientID = ksuid.New().String()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	updates, unsubscribe := h.dispatcher.Subscribe(ctx, documentID.String(), clientID)
	defer unsubscribe()

	presence := make(chan sessions.PresenceChange, 1)
	stopWatching := h.registry.OnPresenceChanged(documentID, func(change sessions.PresenceChange) {
		if change.Source == clientID {
			return
		}
		offerLatest(presence, change)
	})
	defer stopWatching()

	handle, err := h.registry.Join(ctx, documentID, sessions.ClientIdentity{
		ClientID: clientID,
		Name:     c.Query("name"),
		Color:    c.Query("color"),
	})
	if err != nil {
		h.logger.Warn("collaboration join failed", zap.String("document_id", documentID.String()), zap.Error(err))
		_, class := classifyError(err)
		if errors.Is(err, sessions.ErrClientAlreadyJoined) {
			class = "client_already_joined"
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteJSON(outboundFrame{Type: frameError, Error: class})
		return
	}

	session := &collabSession{
		registry:   h.registry,
		handle:     handle,
		conn:       conn,
		logger:     h.logger.With(zap.String("document_id", documentID.String()), zap.String("client_id", clientID)),
		typingIdle: h.typingIdle,
		outbound:   make(chan outboundFrame, wsOutboundBuffer),
		presence:   presence,
	}
	defer func() {
		session.stopTyping()
		if err := h.registry.Leave(context.WithoutCancel(ctx), handle); err != nil {
			session.logger.Warn("collaboration leave failed", zap.Error(err))
		}
	}()

	// The sync frame is written before any queued update.
	syncFrame := outboundFrame{
		Type:     frameSync,
		ClientID: handle.ClientID(),
		Update:   handle.EncodeState(),
		Presence: h.registry.Presence(documentID),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(syncFrame); err != nil {
		session.logger.Debug("collaboration sync failed", zap.Error(err))
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		session.writePump(ctx, updates)
		cancel()
		_ = conn.Close()
	}()
	session.readPump()
	cancel()
	<-writerDone
}

func (s *collabSession) readPump() {
	s.conn.SetReadLimit(wsMaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("collaboration socket closed", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.send(outboundFrame{Type: frameError, Error: "invalid_frame"})
			continue
		}
		switch frame.Type {
		case frameUpdate:
			s.handleUpdate(frame)
		case frameAwareness:
			s.handleAwareness(frame)
		default:
			s.send(outboundFrame{Type: frameError, Error: "unknown_frame_type"})
		}
	}
}

func (s *collabSession) writePump(ctx context.Context, updates <-chan RealtimeMessage) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		var frame outboundFrame
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case message, ok := <-updates:
			if !ok {
				s.logger.Warn("collaboration client fell behind; closing")
				return
			}
			frame = outboundFrame{Type: frameUpdate, Update: message.Update}
		case change := <-s.presence:
			frame = outboundFrame{Type: framePresence, Presence: change.Presence}
		case frame = <-s.outbound:
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			continue
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := s.conn.WriteJSON(frame); err != nil {
			s.logger.Debug("collaboration write failed", zap.Error(err))
			return
		}
	}
}

func (s *collabSession) handleUpdate(frame inboundFrame) {
	if len(frame.Update) == 0 {
		s.send(outboundFrame{Type: frameError, Error: "invalid_update"})
		return
	}
	if err := s.handle.ApplyUpdate(frame.Update); err != nil {
		s.logger.Debug("rejected client update", zap.Error(err))
		s.send(outboundFrame{Type: frameError, Error: "invalid_update"})
		return
	}
	if s.touchTyping() {
		typing := true
		s.setPresence(sessions.PresencePatch{Typing: &typing})
	}
}

func (s *collabSession) handleAwareness(frame inboundFrame) {
	patch := sessions.PresencePatch{Name: frame.Name}
	switch cursor := strings.TrimSpace(string(frame.Cursor)); cursor {
	case "":
	case "null":
		patch.ClearCursor = true
	default:
		var parsed sessions.Cursor
		if err := json.Unmarshal(frame.Cursor, &parsed); err != nil {
			s.send(outboundFrame{Type: frameError, Error: "invalid_cursor"})
			return
		}
		patch.Cursor = &parsed
	}
	if frame.Typing != nil {
		if *frame.Typing {
			s.touchTyping()
		} else {
			s.stopTyping()
		}
		patch.Typing = frame.Typing
	}
	s.setPresence(patch)
}

// touchTyping marks the client as typing and restarts the idle timer. It
// reports whether the client was idle before.
func (s *collabSession) touchTyping() bool {
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	wasIdle := !s.typing
	s.typing = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.typingIdle, s.expireTyping)
	return wasIdle
}

func (s *collabSession) stopTyping() {
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	s.typing = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

func (s *collabSession) expireTyping() {
	s.typingMu.Lock()
	if !s.typing {
		s.typingMu.Unlock()
		return
	}
	s.typing = false
	s.typingTimer = nil
	s.typingMu.Unlock()

	typing := false
	s.setPresence(sessions.PresencePatch{Typing: &typing})
}

func (s *collabSession) setPresence(patch sessions.PresencePatch) {
	if _, err := s.registry.SetPresence(s.handle, patch); err != nil && !errors.Is(err, sessions.ErrUnknownHandle) {
		s.logger.Warn("presence update failed", zap.Error(err))
	}
}

func (s *collabSession) send(frame outboundFrame) {
	select {
	case s.outbound <- frame:
	default:
		s.logger.Debug("dropping outbound frame", zap.String("type", frame.Type))
	}
}

// offerLatest keeps only the newest presence change in a one-slot channel.
func offerLatest(slot chan sessions.PresenceChange, change sessions.PresenceChange) {
	for {
		select {
		case slot <- change:
			return
		default:
		}
		select {
		case <-slot:
		default:
		}
	}
}

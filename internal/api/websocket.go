package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vyaesop/eeee/internal/events"
	"github.com/vyaesop/eeee/internal/ledger"
	"github.com/vyaesop/eeee/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Stream message types
const (
	MessageConnected  = "CONNECTED"
	MessageProjection = "EARNINGS_PROJECTION"
	MessageEvent      = "ACCOUNT_EVENT"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth runs before the upgrade, so any origin may connect
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamMessage is one frame on the earnings stream
type StreamMessage struct {
	Type      string      `json:"type"`
	AccountID string      `json:"account_id"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// streamHub routes ledger events to the open streams of their account
type streamHub struct {
	mu      sync.RWMutex
	streams map[string]map[*stream]struct{}
}

type stream struct {
	events chan events.Event
	cancel context.CancelFunc
}

func newStreamHub() *streamHub {
	return &streamHub{streams: make(map[string]map[*stream]struct{})}
}

func (h *streamHub) add(accountID string, st *stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[accountID] == nil {
		h.streams[accountID] = make(map[*stream]struct{})
	}
	h.streams[accountID][st] = struct{}{}
}

func (h *streamHub) remove(accountID string, st *stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams[accountID], st)
	if len(h.streams[accountID]) == 0 {
		delete(h.streams, accountID)
	}
}

// dispatch is the event bus subscriber. Slow streams drop events.
func (h *streamHub) dispatch(event events.Event) {
	if event.AccountID == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for st := range h.streams[event.AccountID] {
		select {
		case st.events <- event:
		default:
		}
	}
}

func (h *streamHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.streams {
		n += len(set)
	}
	return n
}

func (h *streamHub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.streams {
		for st := range set {
			st.cancel()
		}
	}
}

// handleEarningsStream pushes a live projection of the member's earnings.
// The projection ticks forward locally and is re-seeded whenever the stored
// account changes; nothing is persisted.
// GET /ws/earnings?token=
func (s *Server) handleEarningsStream(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before reading the snapshot so no write in between is lost.
	changes, watchErr := s.store.Watch(ctx, userID)

	projector, err := s.ledger.Projector(ctx, userID)
	if err != nil {
		s.ledgerError(c, err)
		return
	}
	if watchErr != nil {
		s.logger.Warn("account watch unavailable, projecting from snapshot only", "account_id", userID, "error", watchErr.Error())
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "account_id", userID, "error", err.Error())
		return
	}
	defer conn.Close()

	metrics.StreamOpened()
	defer metrics.StreamClosed()

	st := &stream{events: make(chan events.Event, 16), cancel: cancel}
	s.hub.add(userID, st)
	defer s.hub.remove(userID, st)

	s.logger.Debug("earnings stream opened", "account_id", userID)
	defer s.logger.Debug("earnings stream closed", "account_id", userID)

	go readPump(conn, cancel)

	send := func(msgType string, data interface{}) bool {
		payload, err := json.Marshal(StreamMessage{
			Type:      msgType,
			AccountID: userID,
			Data:      data,
			Timestamp: s.ledger.Now(),
		})
		if err != nil {
			return false
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, payload) == nil
	}

	if !send(MessageConnected, gin.H{"interval": s.config.StreamInterval.String()}) ||
		!send(MessageProjection, projector.Project(s.ledger.Now())) {
		return
	}

	ticker := time.NewTicker(s.config.StreamInterval)
	defer ticker.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return

		case acct, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			projector.Reset(ledger.StateOf(acct))
			if !send(MessageProjection, projector.Project(s.ledger.Now())) {
				return
			}

		case event := <-st.events:
			if !send(MessageEvent, event) {
				return
			}

		case <-ticker.C:
			if !send(MessageProjection, projector.Project(s.ledger.Now())) {
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed,
// and cancels the stream when the connection goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

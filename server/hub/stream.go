package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/peercollab/peercollab/server/authority"
	"github.com/peercollab/peercollab/server/common"
	"github.com/peercollab/peercollab/server/errors"
	"github.com/peercollab/peercollab/server/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// stream is one websocket connection to a document.
type stream struct {
	h        *Hub
	conn     *websocket.Conn
	store    *authority.Store
	docID    string
	clientID string
	send     chan []byte
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func newStream(h *Hub, conn *websocket.Conn, store *authority.Store, clientID string) *stream {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	limit := rate.Inf
	if h.cfg.Server.RateLimitRPS > 0 {
		limit = rate.Limit(h.cfg.Server.RateLimitRPS)
	}
	return &stream{
		h:        h,
		conn:     conn,
		store:    store,
		docID:    store.ID(),
		clientID: clientID,
		send:     make(chan []byte, sendBuffer),
		limiter:  rate.NewLimiter(limit, max(h.cfg.Server.RateLimitBurst, 1)),
		logger:   h.logger.With("doc", store.ID(), "client", clientID),
	}
}

// serve runs the stream until the connection closes.
func (s *stream) serve() {
	select {
	case s.h.subscribe <- s:
	case <-s.h.done:
		s.conn.Close()
		return
	}
	s.h.join(s.docID, s.clientID)
	metrics.Connections.Inc()
	s.logger.Info("connected")
	defer s.leave()

	go s.writePump()
	s.readPump()
}

// leave unregisters the stream and, when it was the client's last one,
// tells peers to forget its selection.
func (s *stream) leave() {
	select {
	case s.h.unsubscribe <- s:
	case <-s.h.done:
	}
	last := s.h.leave(s.docID, s.clientID)
	metrics.Connections.Dec()
	s.logger.Info("disconnected")
	if !last {
		return
	}
	err := s.h.publish(context.Background(), s.docID, s.clientID, &common.PeerSelection{ClientID: s.clientID})
	if err != nil {
		s.logger.Warn("publish disconnect", "err", err)
	}
}

func (s *stream) readPump() {
	defer s.conn.Close()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		_, buf, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("read", "err", err)
			}
			return
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		msg, err := common.Decode(buf)
		if err != nil {
			s.logger.Warn("bad message", "err", err)
			var id struct {
				ReqID uint64 `json:"reqID"`
			}
			json.Unmarshal(buf, &id)
			s.h.reply(s, &common.Error{ReqID: id.ReqID, Code: errors.Code(err), Message: err.Error()})
			continue
		}
		metrics.MessagesTotal.WithLabelValues(msg.MessageType()).Inc()
		s.handle(ctx, msg)
	}
}

func (s *stream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *stream) handle(ctx context.Context, msg common.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "type", msg.MessageType(), "panic", r)
			s.h.reply(s, &common.Error{
				ReqID:   reqID(msg),
				Code:    errors.CodeInternal,
				Message: "internal error",
			})
		}
	}()
	switch msg := msg.(type) {
	case *common.GetDocument:
		version, doc, err := s.store.GetDocument(ctx)
		if err != nil {
			s.fail(msg.ReqID, err)
			return
		}
		s.h.reply(s, &common.Document{ReqID: msg.ReqID, Version: version, Doc: doc})
	case *common.PullUpdates:
		updates, err := s.store.GetUpdatesSince(ctx, msg.Version)
		if err != nil {
			s.fail(msg.ReqID, err)
			return
		}
		s.h.reply(s, &common.Updates{ReqID: msg.ReqID, FromVersion: msg.Version, Updates: updates})
	case *common.PushUpdates:
		s.push(ctx, msg)
	case *common.PushSelection:
		if msg.ClientID != s.clientID {
			s.logger.Warn("selection for another client", "claimed", msg.ClientID)
			s.h.reply(s, &common.Error{
				Code:    errors.CodeMalformedMessage,
				Message: "pushSelection clientID " + msg.ClientID + " does not match connection",
			})
			return
		}
		relay := &common.PeerSelection{ClientID: s.clientID, Selection: msg.Selection}
		if err := s.h.publish(ctx, s.docID, s.clientID, relay); err != nil {
			s.logger.Warn("relay selection", "err", err)
			return
		}
		metrics.SelectionsRelayed.Inc()
	default:
		s.h.reply(s, &common.Error{
			Code:    errors.CodeMalformedMessage,
			Message: "unexpected message type " + msg.MessageType(),
		})
	}
}

func (s *stream) push(ctx context.Context, msg *common.PushUpdates) {
	l := s.h.docLock(s.docID)
	l.Lock()
	defer l.Unlock()
	res, err := s.store.ApplyClientBatch(ctx, msg.Version, msg.Updates)
	if err != nil {
		s.fail(msg.ReqID, err)
		return
	}
	if len(res.Updates) == 0 {
		res.Updates = []common.Update{}
	}
	s.h.reply(s, &common.PushAck{
		ReqID:       msg.ReqID,
		FromVersion: res.FromVersion,
		Updates:     res.Updates,
		Rebased:     res.Rebased,
	})
	if len(res.Updates) == 0 {
		return
	}
	err = s.h.publish(ctx, s.docID, "", &common.UpdatesReceived{
		FromVersion: res.FromVersion,
		Updates:     res.Updates,
		Rebased:     res.Rebased,
	})
	if err != nil {
		s.logger.Error("publish updates", "from", res.FromVersion, "err", err)
	}
}

func (s *stream) fail(reqID uint64, err error) {
	s.logger.Warn("request failed", "req", reqID, "err", err)
	s.h.reply(s, &common.Error{ReqID: reqID, Code: errors.Code(err), Message: err.Error()})
}

func reqID(msg common.Message) uint64 {
	switch msg := msg.(type) {
	case *common.GetDocument:
		return msg.ReqID
	case *common.PullUpdates:
		return msg.ReqID
	case *common.PushUpdates:
		return msg.ReqID
	}
	return 0
}

// Package hub serves documents over websockets: it answers document and
// update requests from the authority and fans accepted updates and peer
// selections out to every connection of a document.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/peercollab/peercollab/server/authority"
	"github.com/peercollab/peercollab/server/common"
	"github.com/peercollab/peercollab/server/config"
	"github.com/peercollab/peercollab/server/metrics"
)

// envelope is a message for the streams of one document, except those of
// the participant Except.
type envelope struct {
	DocID  string          `json:"doc"`
	Except string          `json:"except,omitempty"`
	Msg    json.RawMessage `json:"msg"`
}

type participant struct {
	docID, clientID string
}

// reply is a message for a single stream.
type reply struct {
	s   *stream
	msg []byte
}

// Hub owns the set of live streams. Only the run goroutine touches streams
// and their send channels.
type Hub struct {
	registry *authority.Registry
	cfg      config.Config
	logger   *slog.Logger
	bus      *redisBus // nil keeps fan-out in process

	subscribe   chan *stream
	unsubscribe chan *stream
	broadcast   chan envelope
	direct      chan reply
	done        chan struct{}
	closeOnce   sync.Once

	mu           sync.Mutex // protects the fields below
	participants map[string]mapset.Set[string]
	sessions     map[participant]int // a client may reconnect before its old stream ends
	docLocks     map[string]*sync.Mutex
}

// New returns a running hub. If cfg.Broadcast.RedisAddr is set, broadcasts
// go through Redis so that several hub processes can serve one document.
func New(ctx context.Context, registry *authority.Registry, cfg config.Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		registry:     registry,
		cfg:          cfg,
		logger:       logger,
		subscribe:    make(chan *stream),
		unsubscribe:  make(chan *stream),
		broadcast:    make(chan envelope),
		direct:       make(chan reply),
		done:         make(chan struct{}),
		participants: make(map[string]mapset.Set[string]),
		sessions:     make(map[participant]int),
		docLocks:     make(map[string]*sync.Mutex),
	}
	if cfg.Broadcast.RedisAddr != "" {
		bus, err := newRedisBus(ctx, cfg.Broadcast)
		if err != nil {
			return nil, err
		}
		h.bus = bus
		go bus.run(h.deliver, h.logger)
	}
	go h.run()
	return h, nil
}

func (h *Hub) run() {
	streams := make(map[string]map[*stream]bool)
	drop := func(s *stream) {
		if set, ok := streams[s.docID]; ok && set[s] {
			delete(set, s)
			if len(set) == 0 {
				delete(streams, s.docID)
			}
			close(s.send)
		}
	}
	send := func(s *stream, msg []byte) {
		select {
		case s.send <- msg:
		default:
			h.logger.Warn("dropping slow stream", "doc", s.docID, "client", s.clientID)
			metrics.BroadcastDrops.Inc()
			drop(s)
		}
	}
	for {
		select {
		case s := <-h.subscribe:
			if streams[s.docID] == nil {
				streams[s.docID] = make(map[*stream]bool)
			}
			streams[s.docID][s] = true
		case s := <-h.unsubscribe:
			drop(s)
		case r := <-h.direct:
			if streams[r.s.docID][r.s] {
				send(r.s, r.msg)
			}
		case e := <-h.broadcast:
			for s := range streams[e.DocID] {
				if e.Except != "" && s.clientID == e.Except {
					continue
				}
				send(s, e.Msg)
			}
		case <-h.done:
			for _, set := range streams {
				for s := range set {
					close(s.send)
				}
			}
			return
		}
	}
}

// deliver hands e to the run goroutine.
func (h *Hub) deliver(e envelope) {
	select {
	case h.broadcast <- e:
	case <-h.done:
	}
}

// publish fans m out to the streams of docID, except those of except.
func (h *Hub) publish(ctx context.Context, docID, except string, m common.Message) error {
	buf, err := common.Encode(m)
	if err != nil {
		return err
	}
	e := envelope{DocID: docID, Except: except, Msg: buf}
	if h.bus != nil {
		return h.bus.publish(ctx, e)
	}
	h.deliver(e)
	return nil
}

// reply queues m for s alone.
func (h *Hub) reply(s *stream, m common.Message) {
	buf, err := common.Encode(m)
	if err != nil {
		h.logger.Error("encode reply", "type", m.MessageType(), "err", err)
		return
	}
	select {
	case h.direct <- reply{s: s, msg: buf}:
	case <-h.done:
	}
}

// docLock serializes batch acceptance and its broadcast for one document, so
// that broadcasts leave the hub in version order.
func (h *Hub) docLock(docID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.docLocks[docID]
	if !ok {
		l = &sync.Mutex{}
		h.docLocks[docID] = l
	}
	return l
}

func (h *Hub) join(docID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[participant{docID, clientID}]++
	set, ok := h.participants[docID]
	if !ok {
		set = mapset.NewSet[string]()
		h.participants[docID] = set
	}
	set.Add(clientID)
}

// leave reports whether clientID has no other stream open on docID.
func (h *Hub) leave(docID, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := participant{docID, clientID}
	if h.sessions[p]--; h.sessions[p] > 0 {
		return false
	}
	delete(h.sessions, p)
	if set, ok := h.participants[docID]; ok {
		set.Remove(clientID)
		if set.Cardinality() == 0 {
			delete(h.participants, docID)
		}
	}
	return true
}

// Participants returns the IDs of the participants connected to docID through
// this hub, sorted.
func (h *Hub) Participants(docID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.participants[docID]
	if !ok {
		return []string{}
	}
	ids := set.ToSlice()
	sort.Strings(ids)
	return ids
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // not a browser
	}
	for _, o := range h.cfg.Server.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Handler returns the HTTP routes of the hub.
func (h *Hub) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.handleConn).Methods(http.MethodGet)
	r.HandleFunc("/ws/{docID}", h.handleConn).Methods(http.MethodGet)
	r.HandleFunc("/docs/{docID}/participants", h.handleParticipants).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	if h.cfg.Metrics.Enable {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

func (h *Hub) handleParticipants(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Participants(mux.Vars(r)["docID"]))
}

func (h *Hub) handleConn(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	if docID == "" {
		docID = h.cfg.Document.DefaultID
	}
	store, err := h.registry.Get(r.Context(), docID)
	if err != nil {
		h.logger.Error("open document", "doc", docID, "err", err)
		http.Error(w, "document unavailable", http.StatusServiceUnavailable)
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade", "err", err)
		return
	}
	s := newStream(h, conn, store, r.URL.Query().Get("clientID"))
	s.serve()
}

// Close stops the hub and drops every stream.
func (h *Hub) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		if h.bus != nil {
			err = h.bus.close()
		}
	})
	return err
}

// Serve runs the hub on cfg.Server.Addr() until ctx is done.
func Serve(ctx context.Context, registry *authority.Registry, cfg config.Config, logger *slog.Logger) error {
	h, err := New(ctx, registry, cfg, logger)
	if err != nil {
		return err
	}
	defer h.Close()
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	h.logger.Info("serving", "addr", srv.Addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Package transport connects a collab.Engine to a hub over a websocket.
package transport

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/peercollab/peercollab/client/collab"
	"github.com/peercollab/peercollab/server/common"
	"github.com/peercollab/peercollab/server/errors"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// Options configures a Client.
type Options struct {
	// URL of the document endpoint, e.g. ws://localhost:4000/ws/default.
	URL      string
	ClientID string
	Logger   *slog.Logger
	Dialer   *websocket.Dialer
	// NewBackOff returns the retry policy used after the connection drops.
	// Defaults to an unbounded exponential backoff.
	NewBackOff func() backoff.BackOff
}

// Client is a collab.Connection over a websocket. It redials with backoff when
// the connection drops and reports the transitions to subscribers.
type Client struct {
	opts   Options
	url    string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	nextID atomic.Uint64

	mu      sync.Mutex
	conn    *connection // nil while disconnected
	pending map[uint64]chan common.Message
	subs    map[int]collab.Events
	nextSub int
}

// connection is one websocket session with its writer goroutine.
type connection struct {
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// Dial connects to the hub. The first connection attempt must succeed; later
// drops are retried in the background until Close.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %q", opts.URL)
	}
	if opts.ClientID != "" {
		q := u.Query()
		q.Set("clientID", opts.ClientID)
		u.RawQuery = q.Encode()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	c := &Client{
		opts:    opts,
		url:     u.String(),
		logger:  opts.Logger.With("client", opts.ClientID),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan common.Message),
		subs:    make(map[int]collab.Events),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.setConn(conn)
	go c.run(conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*connection, error) {
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", c.url)
	}
	conn := &connection{ws: ws, send: make(chan []byte, sendBuffer), closed: make(chan struct{})}
	go c.writePump(conn)
	return conn, nil
}

func (c *Client) setConn(conn *connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// run reads from conn until it drops, then redials. Connection events and
// notifications are all delivered from this goroutine, in order.
func (c *Client) run(conn *connection) {
	defer close(c.done)
	for {
		c.readPump(conn)
		c.disconnect(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.emit(func(ev collab.Events) {
			if ev.OnDisconnected != nil {
				ev.OnDisconnected()
			}
		})
		var err error
		conn, err = c.redial()
		if err != nil {
			return
		}
		c.setConn(conn)
		c.logger.Info("reconnected")
		c.emit(func(ev collab.Events) {
			if ev.OnConnected != nil {
				ev.OnConnected()
			}
		})
	}
}

func (c *Client) redial() (*connection, error) {
	var conn *connection
	op := func() error {
		var err error
		conn, err = c.dial(c.ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("reconnect failed", "err", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.opts.NewBackOff(), c.ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// disconnect drops conn and fails the requests waiting on it.
func (c *Client) disconnect(conn *connection) {
	conn.close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) readPump(conn *connection) {
	for {
		_, buf, err := conn.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("read failed", "err", err)
			}
			return
		}
		m, err := common.Decode(buf)
		if err != nil {
			c.logger.Error("dropping message", "err", err)
			continue
		}
		c.dispatch(m)
	}
}

func (c *Client) writePump(conn *connection) {
	for {
		select {
		case buf := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, buf); err != nil {
				c.logger.Warn("write failed", "err", err)
				conn.close()
				return
			}
		case <-conn.closed:
			return
		}
	}
}

func (c *Client) dispatch(m common.Message) {
	switch m := m.(type) {
	case *common.UpdatesReceived:
		c.emit(func(ev collab.Events) {
			if ev.OnUpdates != nil {
				ev.OnUpdates(m.FromVersion, m.Updates)
			}
		})
	case *common.PeerSelection:
		c.emit(func(ev collab.Events) {
			if ev.OnPeerSelection != nil {
				ev.OnPeerSelection(m.ClientID, m.Selection)
			}
		})
	default:
		id, ok := replyID(m)
		if !ok {
			c.logger.Warn("unexpected message", "type", m.MessageType())
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			if e, isErr := m.(*common.Error); isErr {
				c.logger.Error("server error", "code", e.Code, "message", e.Message)
			}
			return
		}
		ch <- m
	}
}

func replyID(m common.Message) (uint64, bool) {
	switch m := m.(type) {
	case *common.Document:
		return m.ReqID, true
	case *common.Updates:
		return m.ReqID, true
	case *common.PushAck:
		return m.ReqID, true
	case *common.Error:
		return m.ReqID, true
	}
	return 0, false
}

func (c *Client) emit(f func(collab.Events)) {
	c.mu.Lock()
	subs := make([]collab.Events, 0, len(c.subs))
	for _, ev := range c.subs {
		subs = append(subs, ev)
	}
	c.mu.Unlock()
	for _, ev := range subs {
		f(ev)
	}
}

// call sends the request built by build and waits for its reply.
func (c *Client) call(ctx context.Context, build func(reqID uint64) common.Message) (common.Message, error) {
	id := c.nextID.Add(1)
	buf, err := common.Encode(build(id))
	if err != nil {
		return nil, err
	}
	ch := make(chan common.Message, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, errors.Wrap(errors.ErrTransportTimeout, "not connected")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	select {
	case conn.send <- buf:
	case <-conn.closed:
		c.forget(id)
		return nil, errors.Wrap(errors.ErrTransportTimeout, "connection lost")
	case <-ctx.Done():
		c.forget(id)
		return nil, errors.Wrap(errors.ErrTransportTimeout, ctx.Err().Error())
	}
	select {
	case m, ok := <-ch:
		if !ok {
			return nil, errors.Wrap(errors.ErrTransportTimeout, "connection lost")
		}
		if e, isErr := m.(*common.Error); isErr {
			return nil, errors.FromCode(e.Code, e.Message)
		}
		return m, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, errors.Wrap(errors.ErrTransportTimeout, ctx.Err().Error())
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func unexpected(m common.Message, want string) error {
	return errors.Wrapf(errors.ErrMalformedMessage, "got %s reply, want %s", m.MessageType(), want)
}

// GetDocument fetches the current version and text.
func (c *Client) GetDocument(ctx context.Context) (int, string, error) {
	m, err := c.call(ctx, func(id uint64) common.Message { return &common.GetDocument{ReqID: id} })
	if err != nil {
		return 0, "", err
	}
	doc, ok := m.(*common.Document)
	if !ok {
		return 0, "", unexpected(m, common.TypeDocument)
	}
	return doc.Version, doc.Doc, nil
}

// PullUpdates fetches the updates from version on.
func (c *Client) PullUpdates(ctx context.Context, version int) (int, []common.Update, error) {
	m, err := c.call(ctx, func(id uint64) common.Message {
		return &common.PullUpdates{ReqID: id, Version: version}
	})
	if err != nil {
		return 0, nil, err
	}
	u, ok := m.(*common.Updates)
	if !ok {
		return 0, nil, unexpected(m, common.TypeUpdates)
	}
	return u.FromVersion, u.Updates, nil
}

// PushUpdates submits updates made against version.
func (c *Client) PushUpdates(ctx context.Context, version int, updates []common.Update) (collab.PushResult, error) {
	m, err := c.call(ctx, func(id uint64) common.Message {
		return &common.PushUpdates{ReqID: id, Version: version, Updates: updates}
	})
	if err != nil {
		return collab.PushResult{}, err
	}
	ack, ok := m.(*common.PushAck)
	if !ok {
		return collab.PushResult{}, unexpected(m, common.TypePushAck)
	}
	return collab.PushResult{FromVersion: ack.FromVersion, Updates: ack.Updates, Rebased: ack.Rebased}, nil
}

// PushSelection queues a selection broadcast. It does not wait for delivery.
func (c *Client) PushSelection(ctx context.Context, clientID string, p *common.SelectionPayload) error {
	buf, err := common.Encode(&common.PushSelection{ClientID: clientID, Selection: p})
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.Wrap(errors.ErrTransportTimeout, "not connected")
	}
	select {
	case conn.send <- buf:
		return nil
	case <-conn.closed:
		return errors.Wrap(errors.ErrTransportTimeout, "connection lost")
	case <-ctx.Done():
		return errors.Wrap(errors.ErrTransportTimeout, ctx.Err().Error())
	}
}

type subscription struct {
	c  *Client
	id int
}

func (s subscription) Unsubscribe() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	delete(s.c.subs, s.id)
}

// Subscribe registers ev for notifications and connection events.
func (c *Client) Subscribe(ev collab.Events) collab.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ev
	return subscription{c: c, id: id}
}

// Connected reports whether a websocket session is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Drop closes the current session without closing the client, which then
// reconnects.
func (c *Client) Drop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}

// Close stops reconnecting and closes the connection.
func (c *Client) Close() error {
	c.cancel()
	c.Drop()
	<-c.done
	return nil
}

var _ collab.Connection = (*Client)(nil)

package collab

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peercollab/peercollab/server/authority"
	"github.com/peercollab/peercollab/server/authority/backend"
	"github.com/peercollab/peercollab/server/common"
	"github.com/peercollab/peercollab/server/errors"
	"github.com/peercollab/peercollab/server/log"
)

// memServer is an in-process authority that fans out to memConns.
type memServer struct {
	store *authority.Store

	mu    sync.Mutex // serializes pushes with their broadcast
	conns []*memConn
}

func newMemServer(t *testing.T, seed string) *memServer {
	s, err := authority.Open(context.Background(), "doc", seed, backend.NewMemory(), log.Discard())
	require.NoError(t, err)
	return &memServer{store: s}
}

func (s *memServer) connect(clientID string) *memConn {
	c := &memConn{srv: s, clientID: clientID, online: true}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c
}

func (s *memServer) text(t *testing.T) string {
	_, doc, err := s.store.GetDocument(context.Background())
	require.NoError(t, err)
	return doc
}

// broadcast delivers to every online conn. s.mu must be held.
func (s *memServer) broadcast(f func(c *memConn)) {
	for _, c := range s.conns {
		if c.isOnline() {
			f(c)
		}
	}
}

// memConn implements Connection against a memServer.
type memConn struct {
	srv      *memServer
	clientID string

	mu          sync.Mutex
	events      Events
	online      bool
	getErr      error
	afterGet    func()        // if set, runs once the snapshot is taken
	pushErrs    []error       // returned by the next pushes, in order
	pushGate    chan struct{} // if set, pushes wait for it
	pushes      int
	selections  []*common.SelectionPayload
	unsubscribe int
}

type memSub struct{ c *memConn }

func (s memSub) Unsubscribe() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.events = Events{}
	s.c.unsubscribe++
}

func (c *memConn) isOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *memConn) ev() Events {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *memConn) Subscribe(ev Events) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = ev
	return memSub{c}
}

func (c *memConn) GetDocument(ctx context.Context) (int, string, error) {
	c.mu.Lock()
	err, after := c.getErr, c.afterGet
	c.mu.Unlock()
	if err != nil {
		return 0, "", err
	}
	version, doc, err := c.srv.store.GetDocument(ctx)
	if err == nil && after != nil {
		after()
	}
	return version, doc, err
}

func (c *memConn) PullUpdates(ctx context.Context, version int) (int, []common.Update, error) {
	if !c.isOnline() {
		return 0, nil, errors.ErrTransportTimeout
	}
	updates, err := c.srv.store.GetUpdatesSince(ctx, version)
	return version, updates, err
}

func (c *memConn) PushUpdates(ctx context.Context, version int, updates []common.Update) (PushResult, error) {
	c.mu.Lock()
	c.pushes++
	gate := c.pushGate
	var err error
	if len(c.pushErrs) > 0 {
		err, c.pushErrs = c.pushErrs[0], c.pushErrs[1:]
	}
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return PushResult{}, errors.Wrap(errors.ErrTransportTimeout, ctx.Err().Error())
		}
	}
	if err != nil {
		return PushResult{}, err
	}
	if !c.isOnline() {
		return PushResult{}, errors.ErrTransportTimeout
	}

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	res, err := c.srv.store.ApplyClientBatch(ctx, version, updates)
	if err != nil {
		return PushResult{}, err
	}
	if len(res.Updates) > 0 {
		c.srv.broadcast(func(o *memConn) {
			if f := o.ev().OnUpdates; f != nil {
				f(res.FromVersion, res.Updates)
			}
		})
	}
	return PushResult{FromVersion: res.FromVersion, Updates: res.Updates, Rebased: res.Rebased}, nil
}

func (c *memConn) PushSelection(ctx context.Context, clientID string, p *common.SelectionPayload) error {
	c.mu.Lock()
	c.selections = append(c.selections, p)
	c.mu.Unlock()
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.broadcast(func(o *memConn) {
		if o == c {
			return
		}
		if f := o.ev().OnPeerSelection; f != nil {
			f(clientID, p)
		}
	})
	return nil
}

// setOnline simulates the transport dropping or restoring the link.
func (c *memConn) setOnline(online bool) {
	c.mu.Lock()
	c.online = online
	ev := c.events
	c.mu.Unlock()
	if online && ev.OnConnected != nil {
		ev.OnConnected()
	}
	if !online && ev.OnDisconnected != nil {
		ev.OnDisconnected()
	}
}

func (c *memConn) pushCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushes
}

func (c *memConn) sentSelections() []*common.SelectionPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*common.SelectionPayload(nil), c.selections...)
}

package hub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peercollab/peercollab/server/authority"
	"github.com/peercollab/peercollab/server/authority/backend"
	"github.com/peercollab/peercollab/server/changeset"
	"github.com/peercollab/peercollab/server/common"
	"github.com/peercollab/peercollab/server/config"
	"github.com/peercollab/peercollab/server/errors"
	"github.com/peercollab/peercollab/server/log"
)

func testConfig() config.Config {
	return config.Config{
		Server:   config.ServerConfig{CORSOrigins: []string{"http://allowed.test"}},
		Document: config.DocumentConfig{DefaultID: "default"},
		Metrics:  config.MetricsConfig{Enable: true},
	}
}

func newTestServer(t *testing.T, cfg config.Config) (*Hub, *httptest.Server) {
	reg := authority.NewRegistry(backend.NewMemory(), "abc", log.Discard())
	h, err := New(context.Background(), reg, cfg, log.Discard())
	require.NoError(t, err)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		srv.Close()
		h.Close()
		reg.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, m common.Message) {
	buf, err := common.Encode(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, buf))
}

func recv(t *testing.T, conn *websocket.Conn) common.Message {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, buf, err := conn.ReadMessage()
	require.NoError(t, err)
	m, err := common.Decode(buf)
	require.NoError(t, err)
	return m
}

// join dials path and waits until the hub has registered the stream.
func join(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	conn := dial(t, srv, path)
	send(t, conn, &common.GetDocument{ReqID: 1})
	_, ok := recv(t, conn).(*common.Document)
	require.True(t, ok)
	return conn
}

func insert(t *testing.T, client string, docLen, pos int, text string) common.Update {
	cs, err := changeset.Insertion(docLen, pos, text)
	require.NoError(t, err)
	return common.Update{ClientID: client, Changes: cs}
}

func TestGetDocumentAndPull(t *testing.T) {
	_, srv := newTestServer(t, testConfig())
	conn := dial(t, srv, "/ws?clientID=a")

	send(t, conn, &common.GetDocument{ReqID: 1})
	doc, ok := recv(t, conn).(*common.Document)
	require.True(t, ok)
	assert.Equal(t, uint64(1), doc.ReqID)
	assert.Equal(t, 0, doc.Version)
	assert.Equal(t, "abc", doc.Doc)

	send(t, conn, &common.PullUpdates{ReqID: 2, Version: 0})
	ups, ok := recv(t, conn).(*common.Updates)
	require.True(t, ok)
	assert.Equal(t, uint64(2), ups.ReqID)
	assert.Empty(t, ups.Updates)

	send(t, conn, &common.PullUpdates{ReqID: 3, Version: 5})
	e, ok := recv(t, conn).(*common.Error)
	require.True(t, ok)
	assert.Equal(t, uint64(3), e.ReqID)
	assert.Equal(t, errors.CodeInvalidVersion, e.Code)
}

func TestPushIsAckedAndBroadcast(t *testing.T) {
	_, srv := newTestServer(t, testConfig())
	a := join(t, srv, "/ws/d1?clientID=a")
	b := join(t, srv, "/ws/d1?clientID=b")
	other := join(t, srv, "/ws/d2?clientID=c")

	send(t, a, &common.PushUpdates{ReqID: 2, Version: 0, Updates: []common.Update{insert(t, "a", 3, 1, "X")}})
	ack, ok := recv(t, a).(*common.PushAck)
	require.True(t, ok)
	assert.Equal(t, uint64(2), ack.ReqID)
	assert.Equal(t, 0, ack.FromVersion)
	assert.False(t, ack.Rebased)
	// The pusher gets the broadcast too.
	_, ok = recv(t, a).(*common.UpdatesReceived)
	require.True(t, ok)

	got, ok := recv(t, b).(*common.UpdatesReceived)
	require.True(t, ok)
	assert.Equal(t, 0, got.FromVersion)
	require.Len(t, got.Updates, 1)
	assert.Equal(t, "a", got.Updates[0].ClientID)

	// b pushes against version 0 and is rebased.
	send(t, b, &common.PushUpdates{ReqID: 2, Version: 0, Updates: []common.Update{insert(t, "b", 3, 3, "Y")}})
	ack, ok = recv(t, b).(*common.PushAck)
	require.True(t, ok)
	assert.True(t, ack.Rebased)
	assert.Equal(t, 1, ack.FromVersion)
	assert.Equal(t, `[r4 i"Y"]`, ack.Updates[0].Changes.String())

	got, ok = recv(t, a).(*common.UpdatesReceived)
	require.True(t, ok)
	assert.True(t, got.Rebased)

	// Other documents are untouched.
	send(t, other, &common.GetDocument{ReqID: 2})
	doc, ok := recv(t, other).(*common.Document)
	require.True(t, ok)
	assert.Equal(t, "abc", doc.Doc)

	send(t, a, &common.GetDocument{ReqID: 3})
	doc, ok = recv(t, a).(*common.Document)
	require.True(t, ok)
	assert.Equal(t, 2, doc.Version)
	assert.Equal(t, "aXbcY", doc.Doc)
}

func TestSelectionRelay(t *testing.T) {
	h, srv := newTestServer(t, testConfig())
	a := join(t, srv, "/ws/d1?clientID=a")
	b := join(t, srv, "/ws/d1?clientID=b")
	assert.Equal(t, []string{"a", "b"}, h.Participants("d1"))

	payload := &common.SelectionPayload{
		Version:   0,
		User:      common.User{Name: "ann", Color: "#f00", BgColor: "#fdd"},
		Selection: common.Selection{Ranges: []common.Range{{Anchor: 1, Head: 1}}},
	}
	send(t, a, &common.PushSelection{ClientID: "a", Selection: payload})
	sel, ok := recv(t, b).(*common.PeerSelection)
	require.True(t, ok)
	assert.Equal(t, "a", sel.ClientID)
	assert.Equal(t, payload, sel.Selection)

	// Not echoed to the sender: its next message is the reply below.
	send(t, a, &common.GetDocument{ReqID: 9})
	_, ok = recv(t, a).(*common.Document)
	assert.True(t, ok)

	// Disconnecting clears the selection at peers.
	require.NoError(t, a.Close())
	sel, ok = recv(t, b).(*common.PeerSelection)
	require.True(t, ok)
	assert.Equal(t, "a", sel.ClientID)
	assert.Nil(t, sel.Selection)
	assert.Eventually(t, func() bool {
		return len(h.Participants("d1")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestOverlappingSessions(t *testing.T) {
	h, srv := newTestServer(t, testConfig())
	old := join(t, srv, "/ws/d1?clientID=a")
	join(t, srv, "/ws/d1?clientID=a")
	b := join(t, srv, "/ws/d1?clientID=b")

	// a is still connected through its second stream.
	require.NoError(t, old.Close())
	assert.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.sessions[participant{"d1", "a"}] == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, h.Participants("d1"))

	// b saw no selection removal for a.
	send(t, b, &common.GetDocument{ReqID: 1})
	_, ok := recv(t, b).(*common.Document)
	assert.True(t, ok)
}

func TestMalformedMessage(t *testing.T) {
	_, srv := newTestServer(t, testConfig())
	conn := dial(t, srv, "/ws")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pullUpdates","reqID":7}`)))
	e, ok := recv(t, conn).(*common.Error)
	require.True(t, ok)
	assert.Equal(t, uint64(7), e.ReqID)
	assert.Equal(t, errors.CodeMalformedMessage, e.Code)

	// Server-to-client messages are refused.
	send(t, conn, &common.Document{ReqID: 8, Doc: "x"})
	e, ok = recv(t, conn).(*common.Error)
	require.True(t, ok)
	assert.Equal(t, errors.CodeMalformedMessage, e.Code)
}

func TestOversizedChangesRejected(t *testing.T) {
	_, srv := newTestServer(t, testConfig())
	conn := join(t, srv, "/ws/d1?clientID=a")
	raw := `{"type":"pushUpdates","reqID":4,"version":0,"updates":[` +
		`{"clientID":"a","changes":[9223372036854775807,[9223372036854775807],5]}]}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
	e, ok := recv(t, conn).(*common.Error)
	require.True(t, ok)
	assert.Equal(t, uint64(4), e.ReqID)
	assert.Equal(t, errors.CodeMalformedMessage, e.Code)

	// The connection survives and the document is unchanged.
	send(t, conn, &common.GetDocument{ReqID: 5})
	doc, ok := recv(t, conn).(*common.Document)
	require.True(t, ok)
	assert.Equal(t, 0, doc.Version)
	assert.Equal(t, "abc", doc.Doc)
}

func TestSelectionForOtherClientRejected(t *testing.T) {
	h, srv := newTestServer(t, testConfig())
	a := join(t, srv, "/ws/d1?clientID=a")
	b := join(t, srv, "/ws/d1?clientID=b")

	send(t, a, &common.PushSelection{ClientID: "b", Selection: nil})
	e, ok := recv(t, a).(*common.Error)
	require.True(t, ok)
	assert.Equal(t, errors.CodeMalformedMessage, e.Code)

	// b saw nothing: its next message is the reply below.
	send(t, b, &common.GetDocument{ReqID: 3})
	_, ok = recv(t, b).(*common.Document)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, h.Participants("d1"))
}

func TestCheckOrigin(t *testing.T) {
	_, srv := newTestServer(t, testConfig())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.test"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://allowed.test"}})
	require.NoError(t, err)
	conn.Close()
}

func TestHTTPRoutes(t *testing.T) {
	_, srv := newTestServer(t, testConfig())
	join(t, srv, "/ws/d1?clientID=p1")

	resp, err := http.Get(srv.URL + "/docs/d1/participants")
	require.NoError(t, err)
	defer resp.Body.Close()
	var ids []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ids))
	assert.Equal(t, []string{"p1"}, ids)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "peercollab_connections")
}

func TestRedisFanOut(t *testing.T) {
	addr := os.Getenv("TEST_PEERCOLLAB_REDIS")
	if addr == "" {
		t.Skip("TEST_PEERCOLLAB_REDIS not set, skipping Redis fan-out test")
	}
	cfg := testConfig()
	cfg.Broadcast.RedisAddr = addr

	// Two hub processes sharing one log and one bus.
	b := backend.NewMemory()
	var srvs []*httptest.Server
	for i := 0; i < 2; i++ {
		reg := authority.NewRegistry(b, "abc", log.Discard())
		h, err := New(context.Background(), reg, cfg, log.Discard())
		require.NoError(t, err)
		srv := httptest.NewServer(h.Handler())
		t.Cleanup(func() {
			srv.Close()
			h.Close()
		})
		srvs = append(srvs, srv)
	}
	docPath := "/ws/redis-" + time.Now().Format("150405.000") + "?clientID="
	a := join(t, srvs[0], docPath+"a")
	c := join(t, srvs[1], docPath+"c")

	send(t, a, &common.PushUpdates{ReqID: 2, Version: 0, Updates: []common.Update{insert(t, "a", 3, 0, "!")}})
	got, ok := recv(t, c).(*common.UpdatesReceived)
	require.True(t, ok)
	assert.Equal(t, "a", got.Updates[0].ClientID)
}

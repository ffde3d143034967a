package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/policy-lab/polis/internal/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMetrics struct {
	mu        sync.Mutex
	opened    int
	closed    int
	evicted   int
	published map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{published: make(map[string]int)}
}

func (m *mockMetrics) ConnectionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *mockMetrics) ConnectionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *mockMetrics) SlowClientEvicted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evicted++
}

func (m *mockMetrics) MessagePublished(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[msgType]++
}

func (m *mockMetrics) counts() (opened, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened, m.closed
}

func newTestConnPair(t *testing.T) (server *ws.Conn, client *ws.Conn) {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *ws.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(func() { srv.Close() })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

func newTestHub(t *testing.T, metrics Metrics, maxClients int) *Hub {
	t.Helper()
	hub := NewHub(clockwork.NewRealClock(), metrics, maxClients)
	t.Cleanup(hub.Stop)
	return hub
}

func readMessage(t *testing.T, client *ws.Conn) Message {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_PublishSnapshotReachesClient(t *testing.T) {
	metrics := newMockMetrics()
	hub := newTestHub(t, metrics, 0)
	server, client := newTestConnPair(t)

	require.NoError(t, hub.Register("view-1", server))
	assert.Equal(t, 1, hub.ClientCount("view-1"))

	hub.PublishSnapshot(context.Background(), "view-1", view.Snapshot{ViewID: "view-1", Topic: "Transit"})

	msg := readMessage(t, client)
	assert.Equal(t, MessageSnapshot, msg.Type)
	require.NotNil(t, msg.Snapshot)
	assert.Equal(t, "Transit", msg.Snapshot.Topic)

	require.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return metrics.published[MessageSnapshot] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHub_ToastOnlyReachesItsView(t *testing.T) {
	hub := newTestHub(t, nil, 0)
	serverA, clientA := newTestConnPair(t)
	serverB, clientB := newTestConnPair(t)

	require.NoError(t, hub.Register("view-a", serverA))
	require.NoError(t, hub.Register("view-b", serverB))

	hub.PublishToast(context.Background(), "view-b", "Could not save your vote, please try again")

	msg := readMessage(t, clientB)
	assert.Equal(t, MessageToast, msg.Type)
	assert.Equal(t, "Could not save your vote, please try again", msg.Message)

	require.NoError(t, clientA.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := clientA.ReadMessage()
	assert.Error(t, err, "view-a must not receive view-b's toast")
}

func TestHub_SendSnapshotOnlyReachesTarget(t *testing.T) {
	hub := newTestHub(t, nil, 0)
	serverA, clientA := newTestConnPair(t)
	serverB, clientB := newTestConnPair(t)

	require.NoError(t, hub.Register("view-1", serverA))
	require.NoError(t, hub.Register("view-1", serverB))

	hub.SendSnapshot(context.Background(), "view-1", serverA, view.Snapshot{ViewID: "view-1"})
	hub.PublishToast(context.Background(), "view-1", "Could not save your like, please try again")

	msg := readMessage(t, clientA)
	assert.Equal(t, MessageSnapshot, msg.Type)
	assert.Equal(t, MessageToast, readMessage(t, clientA).Type)

	// The other tab sees the broadcast toast first; the snapshot never reached it.
	assert.Equal(t, MessageToast, readMessage(t, clientB).Type)
}

func TestHub_MaxClientsPerView(t *testing.T) {
	hub := newTestHub(t, nil, 2)

	for range 2 {
		server, _ := newTestConnPair(t)
		require.NoError(t, hub.Register("view-1", server))
	}

	server, _ := newTestConnPair(t)
	err := hub.Register("view-1", server)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max clients per view")
	assert.Equal(t, 2, hub.ClientCount("view-1"))
}

func TestHub_UnregisterDropsEmptyView(t *testing.T) {
	metrics := newMockMetrics()
	hub := newTestHub(t, metrics, 0)
	server, _ := newTestConnPair(t)

	require.NoError(t, hub.Register("view-1", server))
	hub.Unregister("view-1", server)

	assert.Equal(t, 0, hub.ClientCount("view-1"))
	opened, closed := metrics.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
}

func TestHub_CloseViewSendsCloseFrame(t *testing.T) {
	hub := newTestHub(t, nil, 0)
	server, client := newTestConnPair(t)
	require.NoError(t, hub.Register("view-1", server))

	hub.CloseView("view-1")

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "view closed", closeErr.Text)
	assert.Equal(t, 0, hub.ClientCount("view-1"))
}

func TestHub_StopClosesEverythingAndIsIdempotent(t *testing.T) {
	hub := NewHub(clockwork.NewRealClock(), nil, 0)
	server, client := newTestConnPair(t)
	require.NoError(t, hub.Register("view-1", server))

	hub.Stop()
	hub.Stop()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Contains(t, closeErr.Text, "shutting down")

	other, _ := newTestConnPair(t)
	assert.ErrorIs(t, hub.Register("view-1", other), ErrHubStopped)

	// Publishing after stop must not block.
	hub.PublishToast(context.Background(), "view-1", "late")
}

func TestHub_PublishToUnknownViewIsNoop(t *testing.T) {
	metrics := newMockMetrics()
	hub := newTestHub(t, metrics, 0)

	hub.PublishToast(context.Background(), "nobody", "hello")
	assert.Equal(t, 0, hub.ClientCount("nobody"))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Empty(t, metrics.published)
}

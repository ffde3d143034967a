package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/policy-lab/polis/internal/view"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second

	// DefaultMaxClientsPerView bounds the tabs one participant can attach to a view.
	DefaultMaxClientsPerView = 8

	closeReasonView     = "view closed"
	closeReasonShutdown = "server shutting down"
)

// ErrHubStopped is returned by Register after Stop.
var ErrHubStopped = errors.New("websocket hub stopped")

// Metrics receives connection and publish observations.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	SlowClientEvicted()
	MessagePublished(msgType string)
}

// Message is the envelope of every frame sent to the browser.
type Message struct {
	Type     string         `json:"type"`
	Snapshot *view.Snapshot `json:"snapshot,omitempty"`
	Message  string         `json:"message,omitempty"`
}

const (
	MessageSnapshot = "snapshot"
	MessageToast    = "toast"
)

type viewClients map[*websocket.Conn]*clientWriter

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	viewID       string
	connection   *websocket.Conn
	errorChannel chan error
}

type unregisterCmd struct {
	baseHubCmd
	viewID     string
	connection *websocket.Conn
}

type publishCmd struct {
	baseHubCmd
	viewID  string
	msgType string
	data    []byte
	// target limits delivery to one connection when set.
	target *websocket.Conn
}

type closeViewCmd struct {
	baseHubCmd
	viewID string
}

type clientCountCmd struct {
	baseHubCmd
	viewID       string
	replyChannel chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub fans view updates out to the websocket connections attached to each view.
// It implements view.Publisher.
type Hub struct {
	cmdCh             chan hubCmd
	clock             clockwork.Clock
	metrics           Metrics
	views             map[string]viewClients
	maxClientsPerView int
	done              chan struct{}
	doneOnce          sync.Once
	stopped           chan struct{}
}

var _ view.Publisher = (*Hub)(nil)

// NewHub starts the hub goroutine. metrics may be nil. maxClientsPerView <= 0 uses the default.
func NewHub(clock clockwork.Clock, metrics Metrics, maxClientsPerView int) *Hub {
	if maxClientsPerView <= 0 {
		maxClientsPerView = DefaultMaxClientsPerView
	}
	h := &Hub{
		cmdCh:             make(chan hubCmd, 256),
		clock:             clock,
		metrics:           metrics,
		views:             make(map[string]viewClients),
		maxClientsPerView: maxClientsPerView,
		done:              make(chan struct{}),
		stopped:           make(chan struct{}),
	}
	go h.run()
	return h
}

// Register attaches conn to a view. The connection is closed when registration fails.
func (h *Hub) Register(viewID string, conn *websocket.Conn) error {
	errCh := make(chan error, 1)
	if !h.send(registerCmd{viewID: viewID, connection: conn, errorChannel: errCh}) {
		_ = conn.Close()
		return ErrHubStopped
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-h.done:
		_ = conn.Close()
		return ErrHubStopped
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister detaches conn. Unknown connections are ignored.
func (h *Hub) Unregister(viewID string, conn *websocket.Conn) {
	h.send(unregisterCmd{viewID: viewID, connection: conn})
}

// ClientCount returns the connections attached to a view, or -1 on timeout.
func (h *Hub) ClientCount(viewID string) int {
	replyCh := make(chan int, 1)
	if !h.send(clientCountCmd{viewID: viewID, replyChannel: replyCh}) {
		return 0
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-h.done:
		return 0
	case <-timer.Chan():
		slog.Warn("ClientCount timed out", "timeout", commandTimeout)
		return -1
	}
}

func (h *Hub) PublishSnapshot(ctx context.Context, viewID string, snap view.Snapshot) {
	h.publish(ctx, viewID, Message{Type: MessageSnapshot, Snapshot: &snap})
}

// SendSnapshot delivers a snapshot to one connection of the view only.
func (h *Hub) SendSnapshot(ctx context.Context, viewID string, conn *websocket.Conn, snap view.Snapshot) {
	h.publishTo(ctx, viewID, conn, Message{Type: MessageSnapshot, Snapshot: &snap})
}

func (h *Hub) PublishToast(ctx context.Context, viewID string, message string) {
	h.publish(ctx, viewID, Message{Type: MessageToast, Message: message})
}

// CloseView disconnects every browser attached to the view.
func (h *Hub) CloseView(viewID string) {
	h.send(closeViewCmd{viewID: viewID})
}

// Stop closes every connection and waits for the hub goroutine to exit.
func (h *Hub) Stop() {
	select {
	case <-h.done:
		return
	default:
	}
	if !h.send(stopCmd{}) {
		return
	}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.stopped:
		slog.Info("WebSocket hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("WebSocket hub stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (h *Hub) publish(ctx context.Context, viewID string, msg Message) {
	h.publishTo(ctx, viewID, nil, msg)
}

func (h *Hub) publishTo(ctx context.Context, viewID string, target *websocket.Conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal websocket message", "view_id", viewID, "error", err)
		return
	}

	select {
	case h.cmdCh <- publishCmd{viewID: viewID, msgType: msg.Type, data: data, target: target}:
	case <-h.done:
	default:
		slog.WarnContext(ctx, "WebSocket hub saturated, dropping message", "view_id", viewID, "type", msg.Type)
	}
}

func (h *Hub) send(cmd hubCmd) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) run() {
	defer close(h.stopped)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("WebSocket hub panic recovered", "panic", r)
			h.finish()
			h.closeAll(closeReasonShutdown)
		}
	}()

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			h.handleRegister(c)
		case unregisterCmd:
			h.handleUnregister(c.viewID, c.connection)
		case publishCmd:
			h.handlePublish(c)
		case closeViewCmd:
			h.handleCloseView(c.viewID)
		case clientCountCmd:
			c.replyChannel <- len(h.views[c.viewID])
		case stopCmd:
			h.finish()
			h.closeAll(closeReasonShutdown)
			return
		default:
			slog.Warn("WebSocket hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) finish() {
	h.doneOnce.Do(func() { close(h.done) })
}

func (h *Hub) handleRegister(c registerCmd) {
	clients, exists := h.views[c.viewID]
	if !exists {
		clients = make(viewClients)
		h.views[c.viewID] = clients
	}

	if len(clients) >= h.maxClientsPerView {
		slog.Warn("Rejecting client: max clients reached", "view_id", c.viewID, "max_clients", h.maxClientsPerView)
		_ = c.connection.Close()
		c.errorChannel <- fmt.Errorf("max clients per view (%d) reached", h.maxClientsPerView)
		return
	}

	clients[c.connection] = newClientWriter(c.connection, h.clock)
	if h.metrics != nil {
		h.metrics.ConnectionOpened()
	}

	slog.Debug("Client registered", "view_id", c.viewID, "total_clients", len(clients))
	c.errorChannel <- nil
}

func (h *Hub) handleUnregister(viewID string, conn *websocket.Conn) {
	clients, exists := h.views[viewID]
	if !exists {
		return
	}
	cw, exists := clients[conn]
	if !exists {
		return
	}

	cw.stop()
	delete(clients, conn)
	if h.metrics != nil {
		h.metrics.ConnectionClosed()
	}

	if len(clients) == 0 {
		delete(h.views, viewID)
	}
	slog.Debug("Client unregistered", "view_id", viewID, "remaining_clients", len(clients))
}

func (h *Hub) handlePublish(c publishCmd) {
	clients := h.views[c.viewID]
	if len(clients) == 0 {
		return
	}

	var slow []*websocket.Conn
	for conn, writer := range clients {
		if c.target != nil && conn != c.target {
			continue
		}
		if !writer.enqueue(c.data) {
			slow = append(slow, conn)
		}
	}

	for _, conn := range slow {
		slog.Warn("Disconnecting slow client", "view_id", c.viewID)
		if h.metrics != nil {
			h.metrics.SlowClientEvicted()
		}
		h.handleUnregister(c.viewID, conn)
	}

	if h.metrics != nil {
		h.metrics.MessagePublished(c.msgType)
	}
}

func (h *Hub) handleCloseView(viewID string) {
	clients, exists := h.views[viewID]
	if !exists {
		return
	}
	for _, cw := range clients {
		cw.stopGraceful(closeReasonView)
		if h.metrics != nil {
			h.metrics.ConnectionClosed()
		}
	}
	delete(h.views, viewID)
	slog.Debug("View connections closed", "view_id", viewID, "clients", len(clients))
}

func (h *Hub) closeAll(reason string) {
	total := 0
	for viewID, clients := range h.views {
		for _, cw := range clients {
			cw.stopGraceful(reason)
			if h.metrics != nil {
				h.metrics.ConnectionClosed()
			}
		}
		total += len(clients)
		delete(h.views, viewID)
	}
	slog.Info("WebSocket hub closed all connections", "disconnected_clients", total)
}

package network

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/truststudy/carehome/internal/platform/logger"
	"github.com/truststudy/carehome/internal/platform/metrics"
	"github.com/truststudy/carehome/internal/session"
	"github.com/truststudy/carehome/internal/view"
)

// Message types pushed to viewers.
const (
	MsgTypeDashboard = "dashboard"
	MsgTypeError     = "error"
)

// Message is the envelope of every server-to-client frame.
type Message struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

type sessionFrame struct {
	sessionID string
	payload   []byte
}

type clientFrame struct {
	client  *Client
	payload []byte
}

// watcher renders one session's dashboards off the hub loop.
type watcher struct {
	cancel  context.CancelFunc
	refresh chan struct{}
}

// Hub maintains the active clients of every session and pushes each session's
// dashboard to its own clients only.
type Hub struct {
	clients    map[string]map[*Client]bool
	watchers   map[string]*watcher
	broadcast  chan sessionFrame
	direct     chan clientFrame
	register   chan *Client
	unregister chan *Client
	drop       chan string
	done       chan struct{}

	mu         sync.Mutex
	counts     map[string]int
	maxClients int
	sendBuffer int

	metrics *metrics.Collector
	logger  *logger.Logger
}

// NewHub initializes a new WebSocket Hub.
func NewHub(log *logger.Logger, m *metrics.Collector, broadcastBuffer, sendBuffer, maxClientsPerSession int) *Hub {
	if m == nil {
		m = metrics.Get()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		watchers:   make(map[string]*watcher),
		broadcast:  make(chan sessionFrame, broadcastBuffer),
		direct:     make(chan clientFrame),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		drop:       make(chan string),
		done:       make(chan struct{}),
		counts:     make(map[string]int),
		maxClients: maxClientsPerSession,
		sendBuffer: sendBuffer,
		metrics:    m,
		logger:     log,
	}
}

// Run starts the Hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub shutting down")
			for id := range h.clients {
				h.dropSession(id)
			}
			return
		case client := <-h.register:
			id := client.session.ID
			if h.clients[id] == nil {
				h.clients[id] = make(map[*Client]bool)
				wctx, cancel := context.WithCancel(ctx)
				w := &watcher{cancel: cancel, refresh: make(chan struct{}, 1)}
				h.watchers[id] = w
				// Subscribe before the first frame goes out so no change is missed.
				go h.watch(wctx, client.session, client.session.Subscribe(), w.refresh)
			}
			h.clients[id][client] = true
			h.setCount(id, len(h.clients[id]))
			h.metrics.RecordWSConnection(1)
			h.logger.Debug("websocket client connected", "session", id[:8])

			// Every new viewer starts from the current screen. The watcher
			// renders it so a busy session never holds up this loop.
			select {
			case h.watchers[id].refresh <- struct{}{}:
			default:
			}
		case client := <-h.unregister:
			h.remove(client)
		case id := <-h.drop:
			h.dropSession(id)
		case frame := <-h.direct:
			if h.clients[frame.client.session.ID][frame.client] {
				h.deliver(frame.client, frame.payload)
			}
		case frame := <-h.broadcast:
			for client := range h.clients[frame.sessionID] {
				h.deliver(client, frame.payload)
			}
		}
	}
}

// ClientCount returns the number of viewers attached to a session.
func (h *Hub) ClientCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[sessionID]
}

// Full reports whether a session already has the maximum number of viewers.
func (h *Hub) Full(sessionID string) bool {
	return h.maxClients > 0 && h.ClientCount(sessionID) >= h.maxClients
}

// watch turns session change signals and viewer refresh requests into
// dashboard frames until the session ends or its last viewer leaves.
func (h *Hub) watch(ctx context.Context, s *session.Session, sub <-chan struct{}, refresh <-chan struct{}) {
	defer s.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh:
		case _, ok := <-sub:
			if !ok {
				select {
				case h.drop <- s.ID:
				case <-h.done:
				}
				return
			}
		}

		frame, err := dashboardFrame(s)
		if err != nil {
			h.logger.Error("failed to serialize dashboard", "error", err)
			continue
		}
		select {
		case h.broadcast <- sessionFrame{sessionID: s.ID, payload: frame}:
		case <-ctx.Done():
			return
		}
	}
}

// deliver queues a frame; a client that cannot keep up is disconnected.
func (h *Hub) deliver(c *Client, frame []byte) {
	select {
	case c.send <- frame:
		h.metrics.RecordWSMessage(false)
	default:
		h.metrics.RecordWSError()
		h.remove(c)
	}
}

func (h *Hub) remove(c *Client) {
	id := c.session.ID
	set, ok := h.clients[id]
	if !ok || !set[c] {
		return
	}
	delete(set, c)
	close(c.send)
	h.metrics.RecordWSConnection(-1)
	h.logger.Debug("websocket client disconnected", "session", id[:8])

	if len(set) == 0 {
		h.stopWatching(id)
	}
	h.setCount(id, len(set))
}

func (h *Hub) dropSession(id string) {
	for c := range h.clients[id] {
		close(c.send)
		h.metrics.RecordWSConnection(-1)
	}
	h.stopWatching(id)
	h.setCount(id, 0)
}

func (h *Hub) stopWatching(id string) {
	if w, ok := h.watchers[id]; ok {
		w.cancel()
		delete(h.watchers, id)
	}
	delete(h.clients, id)
}

func (h *Hub) setCount(id string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == 0 {
		delete(h.counts, id)
		return
	}
	h.counts[id] = n
}

func dashboardFrame(s *session.Session) ([]byte, error) {
	now := time.Now()
	return json.Marshal(Message{
		Type:      MsgTypeDashboard,
		Timestamp: now.Unix(),
		Payload:   view.Build(s.Snapshot(), now),
	})
}

package services

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cse_feed_backend/models"
)

// Constants for hub configuration
const (
	MaxFeedClients        = 100
	WebSocketWriteTimeout = 10 * time.Second
	WebSocketPongTimeout  = 60 * time.Second
	WebSocketPingInterval = 30 * time.Second
	subscriberBufferSize  = 16
	broadcastBufferSize   = 64
)

// Subscriber kinds
const (
	SubscriberWebSocket = "websocket"
	SubscriberSSE       = "sse"
)

var (
	// ErrHubFull is returned when the hub is at MaxFeedClients
	ErrHubFull = errors.New("feed hub at capacity")
	// ErrHubClosed is returned after Shutdown
	ErrHubClosed = errors.New("feed hub closed")
)

// Broadcaster delivers feed messages to every connected subscriber.
// Broadcast must not block and has no failure mode visible to the caller.
type Broadcaster interface {
	Broadcast(msg models.FeedMessage)
}

// OutboundMessage is an encoded feed message queued for one subscriber
type OutboundMessage struct {
	Type    string
	Payload []byte
}

// Subscriber is one connected live client
type Subscriber struct {
	ID   string
	Kind string

	conn *websocket.Conn
	send chan OutboundMessage
	// since is the last broadcast sequence issued before the subscriber
	// asked to join; those events are never delivered to it.
	since uint64
}

// hubEvent is a queued broadcast tagged with the order it was issued in
type hubEvent struct {
	seq uint64
	msg models.FeedMessage
}

// registration asks Run to admit a subscriber and carries its answer back
type registration struct {
	client *Subscriber
	result chan error
}

// Messages returns the subscriber's queue. It is closed when the hub drops the subscriber.
func (s *Subscriber) Messages() <-chan OutboundMessage {
	return s.send
}

// FeedHub fans trade summary updates out to live subscribers
type FeedHub struct {
	clients    map[*Subscriber]bool
	broadcast  chan hubEvent
	register   chan registration
	unregister chan *Subscriber
	shutdown   chan struct{}
	done       chan struct{}
	once       sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	maxClients int
	seq        atomic.Uint64

	delivered uint64
	dropped   uint64
}

// NewFeedHub creates a hub; call Run (usually in its own goroutine) to start it
func NewFeedHub() *FeedHub {
	return &FeedHub{
		clients:    make(map[*Subscriber]bool),
		broadcast:  make(chan hubEvent, broadcastBufferSize),
		register:   make(chan registration),
		unregister: make(chan *Subscriber),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		maxClients: MaxFeedClients,
	}
}

// Run services registrations and broadcasts until Shutdown.
// It is the only goroutine that mutates the subscriber set or closes queues.
func (h *FeedHub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Subscriber]bool)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			client := reg.client
			h.mu.Lock()
			if len(h.clients) >= h.maxClients {
				h.mu.Unlock()
				reg.result <- ErrHubFull
				log.Printf("Feed client rejected: max clients reached (%d)", h.maxClients)
				continue
			}
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()
			reg.result <- nil

			if out, err := encodeFeedMessage(models.NewStatusMessage()); err == nil {
				client.send <- out
			}
			log.Printf("Feed client connected (%s %s). Total clients: %d", client.Kind, client.ID, clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			clientCount := len(h.clients)
			h.mu.Unlock()
			log.Printf("Feed client disconnected (%s %s). Total clients: %d", client.Kind, client.ID, clientCount)

		case event := <-h.broadcast:
			out, err := encodeFeedMessage(event.msg)
			if err != nil {
				log.Printf("Error marshaling feed message: %v", err)
				continue
			}

			h.mu.Lock()
			deadClients := make([]*Subscriber, 0)
			for client := range h.clients {
				if event.seq <= client.since {
					// Issued before this client joined
					continue
				}
				select {
				case client.send <- out:
					h.delivered++
				default:
					// Client buffer full, mark for removal
					deadClients = append(deadClients, client)
				}
			}
			for _, client := range deadClients {
				delete(h.clients, client)
				close(client.send)
				h.dropped++
			}
			h.mu.Unlock()

			if len(deadClients) > 0 {
				log.Printf("Dropped %d slow feed clients", len(deadClients))
			}
		}
	}
}

func encodeFeedMessage(msg models.FeedMessage) (OutboundMessage, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return OutboundMessage{}, err
	}
	return OutboundMessage{Type: msg.Type, Payload: data}, nil
}

// Broadcast queues msg for every subscriber without blocking the caller.
// Only subscribers that joined before the call receive it.
// Messages are dropped when the hub is closed or its queue is full.
func (h *FeedHub) Broadcast(msg models.FeedMessage) {
	select {
	case <-h.shutdown:
		return
	default:
	}
	event := hubEvent{seq: h.seq.Add(1), msg: msg}
	select {
	case h.broadcast <- event:
	default:
		log.Printf("Feed broadcast queue full, dropping %s message", msg.Type)
	}
}

// Subscribe registers a new subscriber of the given kind
func (h *FeedHub) Subscribe(kind string) (*Subscriber, error) {
	return h.subscribe(kind, nil)
}

func (h *FeedHub) subscribe(kind string, conn *websocket.Conn) (*Subscriber, error) {
	if h.ClientCount() >= h.maxClients {
		return nil, ErrHubFull
	}
	client := &Subscriber{
		ID:    uuid.NewString(),
		Kind:  kind,
		conn:  conn,
		send:  make(chan OutboundMessage, subscriberBufferSize),
		since: h.seq.Load(),
	}
	reg := registration{client: client, result: make(chan error, 1)}
	select {
	case h.register <- reg:
	case <-h.shutdown:
		return nil, ErrHubClosed
	}
	if err := <-reg.result; err != nil {
		return nil, err
	}
	return client, nil
}

// Unsubscribe removes a subscriber; it is safe to call more than once
func (h *FeedHub) Unsubscribe(client *Subscriber) {
	select {
	case h.unregister <- client:
	case <-h.shutdown:
	}
}

// HandleWebSocket upgrades the request and attaches the connection to the hub
func (h *FeedHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.ClientCount() >= h.maxClients {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client, err := h.subscribe(SubscriberWebSocket, conn)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

// writePump writes queued messages to the WebSocket connection
func (c *Subscriber) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message.Payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so pongs and close frames are processed.
// The feed is one-way; client messages are ignored.
func (c *Subscriber) readPump(h *FeedHub) {
	defer func() {
		h.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}
	}
}

// Shutdown closes every subscriber and stops Run
func (h *FeedHub) Shutdown() {
	h.once.Do(func() {
		close(h.shutdown)
	})
	<-h.done
	log.Println("Feed hub shutdown complete")
}

// ClientCount returns the number of connected subscribers
func (h *FeedHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetStatus returns hub status info
func (h *FeedHub) GetStatus() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"client_count": len(h.clients),
		"max_clients":  h.maxClients,
		"delivered":    h.delivered,
		"dropped":      h.dropped,
	}
}

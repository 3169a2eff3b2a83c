package ingest

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	gosync "sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType names what a feed message carries.
type MessageType string

const (
	// MessageHello is sent once to every new subscriber.
	MessageHello MessageType = "hello"
	// MessageCycleReport carries a finished sync cycle report.
	MessageCycleReport MessageType = "cycle_report"
)

// Message is one broadcast on the report feed.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Feed fans messages out to websocket subscribers. Slow or broken clients are
// disconnected rather than allowed to block the broadcast.
type Feed struct {
	clients   map[*websocket.Conn]bool
	clientsMu gosync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
	once   gosync.Once

	logger *log.Logger
}

// NewFeed creates a feed and starts its broadcast loop.
func NewFeed(logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.New(os.Stderr, "[feed] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
	f.wg.Add(1)
	go f.broadcastLoop()
	return f
}

// Publish queues v for every subscriber. It never blocks; when the queue is
// full the message is dropped.
func (f *Feed) Publish(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		f.logger.Printf("Failed to marshal %s message: %v", typ, err)
		return
	}
	msg := Message{Type: typ, Timestamp: time.Now().UTC(), Data: data}

	select {
	case f.broadcast <- msg:
	case <-f.ctx.Done():
	default:
		f.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected subscribers.
func (f *Feed) ClientCount() int {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	return len(f.clients)
}

// Close disconnects every subscriber and stops the broadcast loop.
func (f *Feed) Close() {
	f.once.Do(func() {
		f.cancel()
		f.clientsMu.Lock()
		for conn := range f.clients {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			delete(f.clients, conn)
		}
		f.clientsMu.Unlock()
		f.wg.Wait()
	})
}

func (f *Feed) broadcastLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return

		case msg := <-f.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				f.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			f.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(f.clients))
			for conn := range f.clients {
				clients = append(clients, conn)
			}
			f.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					f.logger.Printf("Failed to send to subscriber: %v", err)
					f.removeClient(conn)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request to a websocket subscription.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		f.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	if f.ctx.Err() != nil {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	f.clientsMu.Lock()
	f.clients[conn] = true
	count := len(f.clients)
	f.clientsMu.Unlock()
	f.logger.Printf("Subscriber connected (total: %d)", count)

	hello, _ := json.Marshal(Message{Type: MessageHello, Timestamp: time.Now().UTC()})
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, hello)
	cancel()
	if err != nil {
		f.removeClient(conn)
		return
	}

	go f.readLoop(conn)
}

// readLoop only notices disconnects; subscribers have nothing to say.
func (f *Feed) readLoop(conn *websocket.Conn) {
	defer f.removeClient(conn)
	for {
		if _, _, err := conn.Read(f.ctx); err != nil {
			return
		}
	}
}

func (f *Feed) removeClient(conn *websocket.Conn) {
	f.clientsMu.Lock()
	if _, ok := f.clients[conn]; !ok {
		f.clientsMu.Unlock()
		return
	}
	delete(f.clients, conn)
	count := len(f.clients)
	f.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	f.logger.Printf("Subscriber disconnected (total: %d)", count)
}

package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhifu/donation-pay/logging"
	"github.com/zhifu/donation-pay/services"
	"github.com/zhifu/donation-pay/utils"
)

const (
	feedWriteWait    = 1 * time.Second
	feedPingInterval = 30 * time.Second
	feedBacklog      = 256
)

// Feed pushes payment events to connected operator consoles over
// websocket. It implements services.EventPublisher.
type Feed struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]string
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mutex      sync.Mutex
}

func NewFeed() *Feed {
	return &Feed{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan []byte, feedBacklog),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Publish queues an event for every client. When the backlog is full the
// event is dropped so the payment path never waits on slow consoles.
func (f *Feed) Publish(e services.PaymentEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		logging.Error("feed: marshal event", zap.Error(err))
		return
	}
	select {
	case f.broadcast <- data:
	default:
		logging.Warn("feed backlog full, dropping event", zap.String("type", e.Type), zap.Uint("payment_id", e.PaymentID))
	}
}

// Clients returns the number of connected consoles.
func (f *Feed) Clients() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.clients)
}

// Run owns every client write until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			close(f.done)
			f.mutex.Lock()
			for conn := range f.clients {
				conn.Close()
				delete(f.clients, conn)
			}
			f.mutex.Unlock()
			return

		case conn := <-f.register:
			id := utils.GenerateConnID()
			f.mutex.Lock()
			f.clients[conn] = id
			n := len(f.clients)
			f.mutex.Unlock()
			logging.Info("feed client connected", zap.String("conn_id", id), zap.Int("clients", n))
			hello, _ := json.Marshal(gin.H{"type": "hello", "conn_id": id, "server_time": utils.Now()})
			f.write(conn, websocket.TextMessage, hello)

		case conn := <-f.unregister:
			f.mutex.Lock()
			id, ok := f.clients[conn]
			if ok {
				delete(f.clients, conn)
				conn.Close()
			}
			n := len(f.clients)
			f.mutex.Unlock()
			if ok {
				logging.Info("feed client disconnected", zap.String("conn_id", id), zap.Int("clients", n))
			}

		case msg := <-f.broadcast:
			f.mutex.Lock()
			conns := make([]*websocket.Conn, 0, len(f.clients))
			for conn := range f.clients {
				conns = append(conns, conn)
			}
			f.mutex.Unlock()
			for _, conn := range conns {
				f.write(conn, websocket.TextMessage, msg)
			}

		case <-ping.C:
			f.mutex.Lock()
			conns := make([]*websocket.Conn, 0, len(f.clients))
			for conn := range f.clients {
				conns = append(conns, conn)
			}
			f.mutex.Unlock()
			for _, conn := range conns {
				f.write(conn, websocket.PingMessage, nil)
			}
		}
	}
}

// write drops the client on any write error.
func (f *Feed) write(conn *websocket.Conn, kind int, data []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	if err := conn.WriteMessage(kind, data); err != nil {
		f.mutex.Lock()
		id := f.clients[conn]
		delete(f.clients, conn)
		f.mutex.Unlock()
		conn.Close()
		logging.Warn("feed client dropped", zap.String("conn_id", id), zap.Error(err))
	}
}

// ServeWS upgrades the request and keeps reading until the client leaves.
// Clients only listen; anything they send is discarded.
func (f *Feed) ServeWS(c *gin.Context) {
	conn, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn("feed upgrade failed", zap.Error(err))
		return
	}
	select {
	case f.register <- conn:
	case <-f.done:
		conn.Close()
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("feed read error", zap.Error(err))
			}
			break
		}
	}
	select {
	case f.unregister <- conn:
	case <-f.done:
	}
}

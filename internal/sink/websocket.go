package sink

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oximy/oisp/internal/envelope"
)

// WSConfig configures the WebSocket event stream sink.
type WSConfig struct {
	Bind   string
	Port   int
	Logger *slog.Logger
}

// wsClientQueue bounds each connected client's outbound buffer; the oldest
// event is dropped when a slow client falls behind.
const wsClientQueue = 256

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSSink fans events out to connected WebSocket clients. Each client owns a
// bounded outbound queue with drop-oldest overflow, so one stalled client
// never backs up the sink.
type WSSink struct {
	logger *slog.Logger
	server *http.Server
	ln     net.Listener

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewWSSink binds the listener and starts serving /events upgrades.
func NewWSSink(cfg WSConfig) (*WSSink, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	bind := cfg.Bind
	if bind == "" {
		bind = "localhost"
	}
	addr := fmt.Sprintf("%s:%d", bind, cfg.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding websocket sink: %w", err)
	}

	s := &WSSink{
		logger:  cfg.Logger,
		ln:      ln,
		clients: make(map[*wsClient]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleUpgrade)
	s.server = &http.Server{Handler: mux}
	go s.server.Serve(ln)

	return s, nil
}

// Addr returns the bound address.
func (s *WSSink) Addr() string { return s.ln.Addr().String() }

// Name implements Sink.
func (s *WSSink) Name() string { return "ws" }

func (s *WSSink) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsClientQueue)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("websocket client connected", "remote", conn.RemoteAddr())

	go s.writePump(c)
	go s.readPump(c)
}

func (s *WSSink) writePump(c *wsClient) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	defer s.drop(c)

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *WSSink) readPump(c *wsClient) {
	defer s.drop(c)
	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WSSink) drop(c *wsClient) {
	c.once.Do(func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.conn.Close()
	})
}

// Deliver broadcasts each event to every connected client, dropping the
// oldest queued message for clients that have fallen behind.
func (s *WSSink) Deliver(_ context.Context, batch []*envelope.Event) error {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if len(clients) == 0 {
		return nil
	}

	for _, ev := range batch {
		msg, err := ev.MarshalCanonical()
		if err != nil {
			continue
		}
		for _, c := range clients {
			select {
			case c.send <- msg:
			default:
				select {
				case <-c.send:
				default:
				}
				select {
				case c.send <- msg:
				default:
				}
			}
		}
	}
	return nil
}

// ClientCount reports connected clients.
func (s *WSSink) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects all clients and stops the server.
func (s *WSSink) Close(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	return s.server.Shutdown(ctx)
}

package eventbus

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/embarklabs/embark/pkg/logger"
)

// streamServer broadcasts events to websocket observers. Each client
// gets its own rate limiter so a flood of failures cannot saturate a
// slow observer connection; limited events are dropped for that client
// only.
type streamServer struct {
	mu           sync.Mutex
	clients      map[*streamClient]struct{}
	listener     net.Listener
	server       *http.Server
	upgrader     websocket.Upgrader
	log          *logger.Logger
	ratePerSec   float64
	burst        int
	writeTimeout time.Duration
}

type streamClient struct {
	conn    *websocket.Conn
	limiter *rate.Limiter
	mu      sync.Mutex
}

func newStreamServer(cfg Config, log *logger.Logger) (*streamServer, error) {
	listener, err := net.Listen("tcp", cfg.StreamAddr)
	if err != nil {
		return nil, err
	}

	s := &streamServer{
		clients:      make(map[*streamClient]struct{}),
		listener:     listener,
		log:          log,
		ratePerSec:   cfg.StreamRate,
		burst:        cfg.StreamBurst,
		writeTimeout: cfg.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.StreamPath, s.handleConnection)
	s.server = &http.Server{Handler: mux}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("event stream server stopped", "error", err.Error())
		}
	}()

	log.Info("event stream listening", "addr", listener.Addr().String(), "path", cfg.StreamPath)
	return s, nil
}

func (s *streamServer) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("event stream upgrade failed", "error", err.Error())
		return
	}

	client := &streamClient{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.ratePerSec), s.burst),
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	// Drain reads so close frames and pings are processed
	go func() {
		defer s.dropClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *streamServer) dropClient(client *streamClient) {
	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
	client.conn.Close()
}

// broadcast sends the event to every connected client within its rate
// budget
func (s *streamServer) broadcast(event Event) {
	s.mu.Lock()
	clients := make([]*streamClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()

	for _, client := range clients {
		if !client.limiter.Allow() {
			continue
		}
		client.mu.Lock()
		client.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		err := client.conn.WriteJSON(event)
		client.mu.Unlock()
		if err != nil {
			s.dropClient(client)
		}
	}
}

// Addr returns the stream's listen address
func (s *streamServer) addr() string {
	return s.listener.Addr().String()
}

func (s *streamServer) close() error {
	s.mu.Lock()
	clients := make([]*streamClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.clients = make(map[*streamClient]struct{})
	s.mu.Unlock()

	for _, client := range clients {
		client.conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// StreamAddr returns the websocket stream address, or "" when the
// stream is disabled
func (b *Bus) StreamAddr() string {
	if b.stream == nil {
		return ""
	}
	return b.stream.addr()
}

// Package observer streams the audit log to websocket clients and serves a
// status snapshot over plain HTTP.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"voxelcrew.ai/internal/bus"
	"voxelcrew.ai/internal/observerproto"
)

// StatusFunc builds the status snapshot; Stream is filled in by the server.
type StatusFunc func() observerproto.BootstrapResponse

type client struct {
	out chan []byte

	mu  sync.Mutex
	sub observerproto.SubscribeMsg
}

func (c *client) filter() observerproto.SubscribeMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

// Server is also a bus.AuditSink: every record is fanned out to the
// subscribed clients without blocking the bus. A client whose queue is full
// loses the record.
type Server struct {
	status StatusFunc
	log    *log.Logger
	queue  int

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	dropped  atomic.Uint64

	mu      sync.RWMutex
	clients map[string]*client
}

func NewServer(status StatusFunc, queue int, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if queue <= 0 {
		queue = 256
	}
	return &Server{
		status: status,
		log:    logger,
		queue:  queue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: map[string]*client{},
	}
}

func (s *Server) Stats() observerproto.StreamStats {
	s.mu.RLock()
	n := len(s.clients)
	s.mu.RUnlock()
	return observerproto.StreamStats{Clients: n, Dropped: s.dropped.Load()}
}

func (s *Server) WriteAudit(rec bus.AuditRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.clients) == 0 {
		return nil
	}
	var b []byte
	for _, c := range s.clients {
		if !c.filter().Matches(rec) {
			continue
		}
		if b == nil {
			var err error
			b, err = json.Marshal(observerproto.RecordMsg{
				Type:            "AUDIT",
				ProtocolVersion: observerproto.Version,
				Record:          rec,
			})
			if err != nil {
				return err
			}
		}
		select {
		case c.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var resp observerproto.BootstrapResponse
		if s.status != nil {
			resp = s.status()
		}
		resp.ProtocolVersion = observerproto.Version
		resp.Stream = s.Stats()

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := decodeSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		c := &client{out: make(chan []byte, s.queue), sub: sub}
		s.mu.Lock()
		s.clients[sid] = c
		s.mu.Unlock()
		s.log.Printf("stream %s subscribed types=%v context=%q agent=%q", sid, sub.Types, sub.Context, sub.Agent)
		defer func() {
			s.mu.Lock()
			delete(s.clients, sid)
			s.mu.Unlock()
			s.log.Printf("stream %s closed", sid)
		}()

		if err := writeJSON(conn, observerproto.SubscribedMsg{
			Type:            "SUBSCRIBED",
			ProtocolVersion: observerproto.Version,
			SessionID:       sid,
			QueueSize:       s.queue,
		}); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := decodeSubscribe(msg); ok {
				c.mu.Lock()
				c.sub = sub
				c.mu.Unlock()
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func decodeSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	return sub, true
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

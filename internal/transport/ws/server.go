// Package ws serves the operator control channel. Each text frame is either
// a command line or a raw control envelope; every frame gets one reply.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"voxelcrew.ai/internal/auth"
	"voxelcrew.ai/internal/bus"
	"voxelcrew.ai/internal/command"
	"voxelcrew.ai/internal/protocol"
)

// Submitter publishes on the loop goroutine. *sim.Loop satisfies it.
type Submitter interface {
	Submit(ctx context.Context, env protocol.Envelope) (bus.Report, error)
}

// Frame is one client request. Command wins over Envelope when both are set.
type Frame struct {
	ID       string             `json:"id,omitempty"`
	Command  string             `json:"command,omitempty"`
	Envelope *protocol.Envelope `json:"envelope,omitempty"`
}

// Reply answers one frame. Faults names subscribers whose handler failed; the
// publish was still accepted, so OK stays true.
type Reply struct {
	ID        string   `json:"id,omitempty"`
	OK        bool     `json:"ok"`
	Type      string   `json:"type,omitempty"`
	Context   string   `json:"context,omitempty"`
	Seq       uint64   `json:"seq,omitempty"`
	Delivered []string `json:"delivered,omitempty"`
	Faults    []string `json:"faults,omitempty"`
	Code      string   `json:"code,omitempty"`
	Error     string   `json:"error,omitempty"`
	Help      string   `json:"help,omitempty"`
}

var (
	errNotControl = errors.New("only control messages may be submitted")
	errBadFrame   = errors.New("frame has neither command nor envelope")
)

type frameError struct {
	err  error
	code string
}

func (e *frameError) Error() string     { return e.err.Error() }
func (e *frameError) Unwrap() error     { return e.err }
func (e *frameError) ErrorCode() string { return e.code }

type Options struct {
	Logger *log.Logger
	// Dedupe drops a command line repeated by the same sender; nil disables.
	Dedupe        *command.Deduper
	SubmitTimeout time.Duration
}

type Server struct {
	loop   Submitter
	log    *log.Logger
	dedupe *command.Deduper
	submit time.Duration

	upgrader websocket.Upgrader
}

func NewServer(loop Submitter, opts Options) *Server {
	s := &Server{
		loop:   loop,
		log:    opts.Logger,
		dedupe: opts.Dedupe,
		submit: opts.SubmitTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	if s.log == nil {
		s.log = log.New(io.Discard, "", 0)
	}
	if s.submit <= 0 {
		s.submit = 5 * time.Second
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		source := auth.PrincipalFrom(r.Context())
		if source == "" {
			source = "console"
		}
		sender := source + "@" + r.RemoteAddr
		s.log.Printf("control session open source=%s remote=%s", source, r.RemoteAddr)
		defer s.log.Printf("control session closed source=%s", source)

		for {
			_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			reply := s.handleFrame(r.Context(), source, sender, msg)
			if err := writeJSON(conn, reply); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, source, sender string, msg []byte) Reply {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return failure("", &frameError{err: err, code: protocol.ErrBadRequest})
	}

	var env protocol.Envelope
	switch {
	case strings.TrimSpace(f.Command) != "":
		cmd, err := command.Parse(f.Command)
		if err != nil {
			return failure(f.ID, err)
		}
		if cmd.Help {
			return Reply{ID: f.ID, OK: true, Help: command.HelpText}
		}
		if err := s.dedupe.CheckAndMark(sender, strings.Join(strings.Fields(f.Command), " ")); err != nil {
			return failure(f.ID, err)
		}
		env, err = cmd.Envelope(source)
		if err != nil {
			return failure(f.ID, err)
		}
	case f.Envelope != nil:
		env = *f.Envelope
		if !protocol.IsControl(env.Type) {
			return failure(f.ID, &frameError{err: errNotControl, code: protocol.ErrNoPermission})
		}
		if env.Source == "" {
			env.Source = source
		}
		if env.Status == "" {
			env.Status = protocol.StatusOK
		}
	default:
		return failure(f.ID, &frameError{err: errBadFrame, code: protocol.ErrBadRequest})
	}
	if env.Type == protocol.TypeWorkflowRun && env.Context == "" {
		env.Context = protocol.NewContext()
	}

	sctx, cancel := context.WithTimeout(ctx, s.submit)
	defer cancel()
	rep, err := s.loop.Submit(sctx, env)
	if err != nil {
		s.log.Printf("submit %s from %s: %v", env.Type, source, err)
		return failure(f.ID, err)
	}
	reply := Reply{
		ID:        f.ID,
		OK:        true,
		Type:      env.Type,
		Context:   env.Context,
		Seq:       rep.Seq,
		Delivered: rep.Delivered,
	}
	for _, fault := range rep.Faults {
		reply.Faults = append(reply.Faults, fault.Error())
	}
	return reply
}

func failure(id string, err error) Reply {
	code := protocol.CodeOf(err)
	if code == "" {
		code = protocol.ErrInternal
	}
	return Reply{ID: id, Code: code, Error: err.Error()}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

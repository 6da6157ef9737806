package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelcrew.ai/internal/auth"
	"voxelcrew.ai/internal/bus"
	"voxelcrew.ai/internal/command"
	"voxelcrew.ai/internal/protocol"
)

type fakeLoop struct {
	mu     sync.Mutex
	reg    *protocol.Registry
	seq    uint64
	envs   []protocol.Envelope
	err    error
	faults []bus.HandlerFault
}

func (f *fakeLoop) Submit(_ context.Context, env protocol.Envelope) (bus.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return bus.Report{}, f.err
	}
	env.Timestamp = time.Now()
	if err := f.reg.Validate(env); err != nil {
		return bus.Report{}, err
	}
	f.seq++
	f.envs = append(f.envs, env)
	return bus.Report{Seq: f.seq, Delivered: []string{"planner", "coordinator"}, Faults: f.faults}, nil
}

func (f *fakeLoop) submitted() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.envs...)
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame string) Reply {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	var r Reply
	require.NoError(t, json.Unmarshal(b, &r))
	return r
}

func setup(t *testing.T, opts Options) (*fakeLoop, *httptest.Server) {
	loop := &fakeLoop{reg: protocol.MustRegistry()}
	srv := httptest.NewServer(NewServer(loop, opts).Handler())
	t.Cleanup(srv.Close)
	return loop, srv
}

func TestControl_Command(t *testing.T) {
	loop, srv := setup(t, Options{})
	conn := dial(t, srv, "/v1/control")

	r := roundTrip(t, conn, `{"id":"1","command":"/workflow run range=12"}`)
	require.True(t, r.OK, "reply: %+v", r)
	assert.Equal(t, "1", r.ID)
	assert.Equal(t, protocol.TypeWorkflowRun, r.Type)
	assert.NotEmpty(t, r.Context)
	assert.Equal(t, uint64(1), r.Seq)
	assert.Equal(t, []string{"planner", "coordinator"}, r.Delivered)

	envs := loop.submitted()
	require.Len(t, envs, 1)
	assert.Equal(t, "console", envs[0].Source)
	assert.Equal(t, r.Context, envs[0].Context)
	msg, err := protocol.Decode[protocol.WorkflowRunMsg](envs[0])
	require.NoError(t, err)
	assert.Equal(t, 12, msg.Range)
}

func TestControl_RawEnvelope(t *testing.T) {
	loop, srv := setup(t, Options{})
	conn := dial(t, srv, "/v1/control")

	r := roundTrip(t, conn, `{"envelope":{"type":"control.agent.pause","target":"gatherer","payload":{}}}`)
	require.True(t, r.OK, "reply: %+v", r)

	envs := loop.submitted()
	require.Len(t, envs, 1)
	assert.Equal(t, "gatherer", envs[0].Target)
	assert.Equal(t, protocol.StatusOK, envs[0].Status)
	assert.Equal(t, "console", envs[0].Source)
}

func TestControl_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		code  string
	}{
		{"not json", `nope`, protocol.ErrBadRequest},
		{"empty frame", `{}`, protocol.ErrBadRequest},
		{"unknown command", `{"command":"/dance"}`, protocol.ErrBadRequest},
		{"domain envelope", `{"envelope":{"type":"inventory.v1","payload":{"inventory":{}}}}`, protocol.ErrNoPermission},
		{"schema", `{"envelope":{"type":"control.workflow.run","payload":{"range":"far"}}}`, protocol.ErrSchema},
		{"unknown control", `{"envelope":{"type":"control.agent.dance","payload":{}}}`, protocol.ErrSchema},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loop, srv := setup(t, Options{})
			conn := dial(t, srv, "/v1/control")
			r := roundTrip(t, conn, tc.frame)
			assert.False(t, r.OK)
			assert.Equal(t, tc.code, r.Code, "error: %s", r.Error)
			assert.Empty(t, loop.submitted())
		})
	}
}

func TestControl_Help(t *testing.T) {
	loop, srv := setup(t, Options{})
	conn := dial(t, srv, "/v1/control")
	r := roundTrip(t, conn, `{"command":"/help"}`)
	assert.True(t, r.OK)
	assert.Equal(t, command.HelpText, r.Help)
	assert.Empty(t, loop.submitted())
}

func TestControl_DedupesRepeatedCommand(t *testing.T) {
	loop, srv := setup(t, Options{Dedupe: command.NewDeduper(time.Minute)})
	conn := dial(t, srv, "/v1/control")

	require.True(t, roundTrip(t, conn, `{"command":"/agent pause"}`).OK)
	r := roundTrip(t, conn, `{"command":"/agent   pause"}`)
	assert.False(t, r.OK)
	assert.Equal(t, protocol.ErrDuplicate, r.Code)
	require.True(t, roundTrip(t, conn, `{"command":"/agent resume"}`).OK)
	assert.Len(t, loop.submitted(), 2)
}

func TestControl_LoopStopped(t *testing.T) {
	loop, srv := setup(t, Options{})
	loop.err = context.Canceled
	conn := dial(t, srv, "/v1/control")
	r := roundTrip(t, conn, `{"command":"/agent stop"}`)
	assert.False(t, r.OK)
	assert.Equal(t, protocol.ErrInternal, r.Code)
}

func TestControl_PrincipalIsSource(t *testing.T) {
	v := auth.NewJWTVerifier([]byte("secret"))
	tok, err := v.Generate("operator-7", time.Hour)
	require.NoError(t, err)

	loop := &fakeLoop{reg: protocol.MustRegistry()}
	srv := httptest.NewServer(auth.Guard(v)(NewServer(loop, Options{}).Handler()))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/control"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	conn := dial(t, srv, "/v1/control?token="+tok)
	require.True(t, roundTrip(t, conn, `{"command":"/agent status"}`).OK)
	envs := loop.submitted()
	require.Len(t, envs, 1)
	assert.Equal(t, "operator-7", envs[0].Source)
}

func TestControl_ReplyCarriesHandlerFaults(t *testing.T) {
	loop, srv := setup(t, Options{})
	loop.faults = []bus.HandlerFault{{AgentID: "gatherer", Type: protocol.TypeWorkflowRun, Err: errors.New("mailbox closed")}}
	conn := dial(t, srv, "/v1/control")

	r := roundTrip(t, conn, `{"command":"/workflow run"}`)
	require.True(t, r.OK, "reply: %+v", r)
	require.Len(t, r.Faults, 1)
	assert.Contains(t, r.Faults[0], "gatherer")
	assert.Contains(t, r.Faults[0], "mailbox closed")
	assert.Equal(t, []string{"planner", "coordinator"}, r.Delivered)
}

package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelcrew.ai/internal/bus"
	"voxelcrew.ai/internal/observerproto"
	"voxelcrew.ai/internal/protocol"
)

func record(seq uint64, typ, ctx string) bus.AuditRecord {
	env := protocol.MustEnvelope(typ, "coordinator", protocol.Broadcast, nil).WithContext(ctx)
	env.Timestamp = time.Now()
	return bus.AuditRecord{Seq: seq, Envelope: env, DeliveredAt: env.Timestamp}
}

func subscribe(t *testing.T, srv *httptest.Server, sub observerproto.SubscribeMsg) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	sub.Type = "SUBSCRIBE"
	sub.ProtocolVersion = observerproto.Version
	require.NoError(t, conn.WriteJSON(sub))

	var ack observerproto.SubscribedMsg
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "SUBSCRIBED", ack.Type)
	return conn
}

func next(t *testing.T, conn *websocket.Conn) observerproto.RecordMsg {
	t.Helper()
	var m observerproto.RecordMsg
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestStream_FiltersAndOrder(t *testing.T) {
	s := NewServer(nil, 16, nil)
	srv := httptest.NewServer(s.WSHandler())
	t.Cleanup(srv.Close)

	all := subscribe(t, srv, observerproto.SubscribeMsg{})
	maps := subscribe(t, srv, observerproto.SubscribeMsg{Types: []string{protocol.TypeMap}, Context: "wf-1"})

	require.NoError(t, s.WriteAudit(record(1, protocol.TypeMap, "wf-1")))
	require.NoError(t, s.WriteAudit(record(2, protocol.TypeInventory, "wf-1")))
	require.NoError(t, s.WriteAudit(record(3, protocol.TypeMap, "wf-2")))
	require.NoError(t, s.WriteAudit(record(4, protocol.TypeMap, "wf-1")))

	for _, want := range []uint64{1, 2, 3, 4} {
		m := next(t, all)
		assert.Equal(t, "AUDIT", m.Type)
		assert.Equal(t, want, m.Record.Seq)
	}
	assert.Equal(t, uint64(1), next(t, maps).Record.Seq)
	assert.Equal(t, uint64(4), next(t, maps).Record.Seq)
}

func TestStream_ResubscribeChangesFilter(t *testing.T) {
	s := NewServer(nil, 16, nil)
	srv := httptest.NewServer(s.WSHandler())
	t.Cleanup(srv.Close)

	conn := subscribe(t, srv, observerproto.SubscribeMsg{Types: []string{protocol.TypeMap}})
	require.NoError(t, conn.WriteJSON(observerproto.SubscribeMsg{
		Type:            "SUBSCRIBE",
		ProtocolVersion: observerproto.Version,
		Types:           []string{protocol.TypeBuild},
	}))

	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, c := range s.clients {
			if f := c.filter(); len(f.Types) == 1 && f.Types[0] == protocol.TypeBuild {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.WriteAudit(record(8, protocol.TypeMap, "")))
	require.NoError(t, s.WriteAudit(record(9, protocol.TypeBuild, "")))
	m := next(t, conn)
	assert.Equal(t, uint64(9), m.Record.Seq)
}

func TestStream_RejectsBadHandshake(t *testing.T) {
	s := NewServer(nil, 16, nil)
	srv := httptest.NewServer(s.WSHandler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "HELLO"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, 0, s.Stats().Clients)
}

func TestWriteAudit_DropsWhenQueueFull(t *testing.T) {
	s := NewServer(nil, 1, nil)
	c := &client{out: make(chan []byte, 1)}
	s.clients["O1"] = c

	require.NoError(t, s.WriteAudit(record(1, protocol.TypeMap, "")))
	require.NoError(t, s.WriteAudit(record(2, protocol.TypeMap, "")))
	require.NoError(t, s.WriteAudit(record(3, protocol.TypeMap, "")))

	assert.Len(t, c.out, 1)
	assert.Equal(t, uint64(2), s.Stats().Dropped)

	var m observerproto.RecordMsg
	require.NoError(t, json.Unmarshal(<-c.out, &m))
	assert.Equal(t, uint64(1), m.Record.Seq)
}

func TestBootstrapHandler(t *testing.T) {
	s := NewServer(func() observerproto.BootstrapResponse {
		return observerproto.BootstrapResponse{
			Tick:   42,
			Agents: []observerproto.AgentState{{Name: "planner", State: "WAITING"}},
		}
	}, 8, nil)

	rr := httptest.NewRecorder()
	s.BootstrapHandler()(rr, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp observerproto.BootstrapResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, observerproto.Version, resp.ProtocolVersion)
	assert.Equal(t, uint64(42), resp.Tick)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "WAITING", resp.Agents[0].State)

	rr = httptest.NewRecorder()
	s.BootstrapHandler()(rr, httptest.NewRequest(http.MethodPost, "/v1/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

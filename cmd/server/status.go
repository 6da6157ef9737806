package main

import (
	"fmt"
	"net/http"

	"voxelcrew.ai/internal/agent"
	"voxelcrew.ai/internal/observerproto"
	"voxelcrew.ai/internal/persistence/indexdb"
	"voxelcrew.ai/internal/persistence/r2s3"
	"voxelcrew.ai/internal/sim"
	"voxelcrew.ai/internal/transport/observer"
)

func statusOf(sys *sim.System) observerproto.BootstrapResponse {
	if sys == nil {
		return observerproto.BootstrapResponse{}
	}
	resp := observerproto.BootstrapResponse{
		Tick:         sys.Loop.Tick(),
		TickRateHz:   sys.Tuning.TickRateHz,
		Seed:         sys.Tuning.Seed,
		AuditRecords: sys.Bus.AuditLen(),
	}
	for _, a := range sys.Loop.Agents() {
		resp.Agents = append(resp.Agents, observerproto.AgentState{
			Name:    a.Name(),
			State:   string(a.State()),
			Pending: a.Pending(),
		})
	}
	return resp
}

var agentStates = []agent.State{
	agent.StateIdle,
	agent.StateRunning,
	agent.StatePaused,
	agent.StateWaiting,
	agent.StateStopped,
	agent.StateError,
}

func metricsHandler(sys *sim.System, stream *observer.Server, idx *indexdb.SQLiteIndex, mirror *r2s3.Mirror) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP voxelcrew_loop_tick Completed loop cycles.\n")
		fmt.Fprintf(rw, "# TYPE voxelcrew_loop_tick counter\n")
		fmt.Fprintf(rw, "voxelcrew_loop_tick %d\n", sys.Loop.Tick())

		fmt.Fprintf(rw, "# HELP voxelcrew_audit_records Accepted publishes.\n")
		fmt.Fprintf(rw, "# TYPE voxelcrew_audit_records counter\n")
		fmt.Fprintf(rw, "voxelcrew_audit_records %d\n", sys.Bus.AuditLen())

		fmt.Fprintf(rw, "# HELP voxelcrew_agent_state 1 for the state each agent is in.\n")
		fmt.Fprintf(rw, "# TYPE voxelcrew_agent_state gauge\n")
		for _, a := range sys.Loop.Agents() {
			cur := a.State()
			for _, st := range agentStates {
				v := 0
				if st == cur {
					v = 1
				}
				fmt.Fprintf(rw, "voxelcrew_agent_state{agent=%q,state=%q} %d\n", a.Name(), st, v)
			}
		}

		fmt.Fprintf(rw, "# HELP voxelcrew_agent_mailbox Envelopes waiting per agent.\n")
		fmt.Fprintf(rw, "# TYPE voxelcrew_agent_mailbox gauge\n")
		for _, a := range sys.Loop.Agents() {
			fmt.Fprintf(rw, "voxelcrew_agent_mailbox{agent=%q} %d\n", a.Name(), a.Pending())
		}

		fmt.Fprintf(rw, "# HELP voxelcrew_sectors_held Sectors currently locked.\n")
		fmt.Fprintf(rw, "# TYPE voxelcrew_sectors_held gauge\n")
		fmt.Fprintf(rw, "voxelcrew_sectors_held %d\n", sys.Locks.Len())

		st := stream.Stats()
		fmt.Fprintf(rw, "# HELP voxelcrew_stream_clients Audit stream subscribers.\n")
		fmt.Fprintf(rw, "# TYPE voxelcrew_stream_clients gauge\n")
		fmt.Fprintf(rw, "voxelcrew_stream_clients %d\n", st.Clients)
		fmt.Fprintf(rw, "# HELP voxelcrew_stream_dropped_total Records dropped on full client queues.\n")
		fmt.Fprintf(rw, "# TYPE voxelcrew_stream_dropped_total counter\n")
		fmt.Fprintf(rw, "voxelcrew_stream_dropped_total %d\n", st.Dropped)

		if idx != nil {
			is := idx.Stats()
			fmt.Fprintf(rw, "# HELP voxelcrew_index_queue_depth Audit index writer backlog.\n")
			fmt.Fprintf(rw, "# TYPE voxelcrew_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "voxelcrew_index_queue_depth %d\n", is.QueueDepth)
			fmt.Fprintf(rw, "# HELP voxelcrew_index_dropped_total Records the audit index could not queue.\n")
			fmt.Fprintf(rw, "# TYPE voxelcrew_index_dropped_total counter\n")
			fmt.Fprintf(rw, "voxelcrew_index_dropped_total %d\n", is.DropAuditTotal)
		}

		if mirror != nil {
			ms := mirror.Stats()
			fmt.Fprintf(rw, "# HELP voxelcrew_mirror_queue_depth Audit segments waiting for upload.\n")
			fmt.Fprintf(rw, "# TYPE voxelcrew_mirror_queue_depth gauge\n")
			fmt.Fprintf(rw, "voxelcrew_mirror_queue_depth %d\n", ms.QueueDepth)
			fmt.Fprintf(rw, "# HELP voxelcrew_mirror_uploads_total Audit segment uploads by result.\n")
			fmt.Fprintf(rw, "# TYPE voxelcrew_mirror_uploads_total counter\n")
			fmt.Fprintf(rw, "voxelcrew_mirror_uploads_total{result=\"ok\"} %d\n", ms.UploadSuccessTotal)
			fmt.Fprintf(rw, "voxelcrew_mirror_uploads_total{result=\"error\"} %d\n", ms.UploadFailTotal)
			fmt.Fprintf(rw, "voxelcrew_mirror_uploads_total{result=\"dropped\"} %d\n", ms.DroppedTotal)
			fmt.Fprintf(rw, "# HELP voxelcrew_mirror_last_success_unix Time of the last successful upload.\n")
			fmt.Fprintf(rw, "# TYPE voxelcrew_mirror_last_success_unix gauge\n")
			fmt.Fprintf(rw, "voxelcrew_mirror_last_success_unix %d\n", ms.LastSuccessUnix)
		}
	}
}

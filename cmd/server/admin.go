package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"voxelcrew.ai/internal/agent"
	"voxelcrew.ai/internal/protocol"
	"voxelcrew.ai/internal/sim"
)

// agentResetHandler serves POST /admin/v1/agents/reset?agent=<name>. It moves
// an agent in ERROR back to IDLE; any other state is a conflict.
func agentResetHandler(sys *sim.System) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		name := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("agent")))
		if name == "" {
			http.Error(rw, "missing agent", http.StatusBadRequest)
			return
		}
		a, ok := sys.Agent(name)
		if !ok {
			http.Error(rw, "agent not found", http.StatusNotFound)
			return
		}

		prev := a.State()
		lastErr := a.LastError()
		rw.Header().Set("Content-Type", "application/json")
		if err := a.Reset(); err != nil {
			status := http.StatusServiceUnavailable
			if errors.Is(err, agent.ErrInvalidTransition) {
				status = http.StatusConflict
			}
			rw.WriteHeader(status)
			_ = json.NewEncoder(rw).Encode(map[string]any{
				"ok": false, "agent": name, "state": prev, "code": protocol.CodeOf(err), "error": err.Error(),
			})
			return
		}
		resp := map[string]any{"ok": true, "agent": name, "previous": prev, "state": a.State()}
		if lastErr != nil {
			resp["cleared_error"] = lastErr.Error()
		}
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

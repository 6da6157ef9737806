package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"voxelcrew.ai/internal/bus"
	"voxelcrew.ai/internal/observerproto"
	"voxelcrew.ai/internal/protocol"
)

func rec(seq uint64, typ, source, ctx string) bus.AuditRecord {
	env := protocol.MustEnvelope(typ, source, protocol.Broadcast, map[string]int{"n": int(seq)}).WithContext(ctx)
	env.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return bus.AuditRecord{Seq: seq, Envelope: env, Recipients: []string{"coordinator"}}
}

func TestReplayer_FiltersAndPrints(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	r := &replayer{
		out:    &out,
		filter: observerproto.SubscribeMsg{Context: "wf-12345678-abcd"},
		counts: map[string]int{},
	}
	_ = r.record(rec(1, protocol.TypeMap, "planner", "wf-12345678-abcd"))
	_ = r.record(rec(2, protocol.TypeMap, "planner", "other"))
	faulty := rec(3, protocol.TypeInventory, "gatherer", "wf-12345678-abcd")
	faulty.Faults = []string{"deliver inventory.v1 to coordinator: boom"}
	_ = r.record(faulty)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "map.v1") || !strings.Contains(lines[0], "planner -> all") || !strings.Contains(lines[0], "ctx=wf-12345") {
		t.Fatalf("line 0: %q", lines[0])
	}
	if !strings.Contains(lines[0], `{"n":1}`) || !strings.Contains(lines[0], "=> coordinator") {
		t.Fatalf("line 0 payload: %q", lines[0])
	}
	if !strings.Contains(lines[2], "fault: deliver inventory.v1") {
		t.Fatalf("fault line: %q", lines[2])
	}
	if r.shown != 2 || r.faults != 1 {
		t.Fatalf("shown=%d faults=%d", r.shown, r.faults)
	}
}

func TestReplayer_Summary(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	r := &replayer{out: &out, counts: map[string]int{}, summary: true}
	_ = r.record(rec(1, protocol.TypeMap, "planner", ""))
	_ = r.record(rec(2, protocol.TypeBuild, "coordinator", ""))
	_ = r.record(rec(3, protocol.TypeMap, "planner", ""))
	if out.Len() != 0 {
		t.Fatalf("summary mode printed records: %q", out.String())
	}
	r.printSummary()
	s := out.String()
	if !strings.Contains(s, "map.v1") || !strings.Contains(s, " 2\n") || !strings.Contains(s, "records=3") {
		t.Fatalf("summary: %q", s)
	}
	if strings.Index(s, "map.v1") > strings.Index(s, "structure.build.v1") {
		t.Fatalf("summary not sorted: %q", s)
	}
}

// Package pipeline holds the three workers of the build workflow. They talk
// only through the bus:
//
//	control.workflow.run -> planner -> map.v1
//	map.v1 -> coordinator -> materials.requirements.v1
//	materials.requirements.v1 -> gatherer -> inventory.v1
//	inventory.v1 -> coordinator -> structure.build.v1 or a reduced request
package pipeline

import (
	"io"
	"log"

	"voxelcrew.ai/internal/agent"
	"voxelcrew.ai/internal/protocol"
)

const (
	PlannerName     = "planner"
	CoordinatorName = "coordinator"
	GathererName    = "gatherer"
)

const (
	ActPublishMap agent.Action = "PUBLISH_MAP"
	ActRequest    agent.Action = "REQUEST"
	ActBuild      agent.Action = "BUILD"
	ActGather     agent.Action = "GATHER"
)

func discard(l *log.Logger) *log.Logger {
	if l == nil {
		return log.New(io.Discard, "", 0)
	}
	return l
}

// publishOwn publishes a message the worker built itself. A schema rejection
// there is a bug in the worker, so it is fatal.
func publishOwn(out agent.Outbox, env protocol.Envelope) error {
	if err := out.Publish(env); err != nil {
		return agent.Fatal(err)
	}
	return nil
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

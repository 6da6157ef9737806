package protocol

// control.workflow.run (command -> planner, coordinator)
// Zero values mean "use the configured default".
type WorkflowRunMsg struct {
	X        *int   `json:"x,omitempty"`
	Z        *int   `json:"z,omitempty"`
	Range    int    `json:"range,omitempty"`
	Template string `json:"template,omitempty"`
}

// control.agent.{pause,resume,stop,status.request} carry no payload fields;
// the envelope target selects the agent.
type ControlMsg struct {
	Reason string `json:"reason,omitempty"`
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Site is a candidate build location; Height is the sampled surface height.
type Site struct {
	X      int `json:"x"`
	Z      int `json:"z"`
	Height int `json:"height"`
}

// map.v1 (planner -> coordinator)
type MapMsg struct {
	Center   Point  `json:"center"`
	Range    int    `json:"range"`
	Sites    []Site `json:"sites"`
	Strategy string `json:"strategy"`
	Template string `json:"template,omitempty"`
	Status   string `json:"status"` // "complete"
}

// materials.requirements.v1 (coordinator -> gatherer)
type RequirementsMsg struct {
	Requirements map[string]int `json:"requirements"`
	Site         Site           `json:"site"`
	Round        int            `json:"round"`
}

// inventory.v1 (gatherer -> coordinator): a delta, not a running total.
type InventoryMsg struct {
	Inventory map[string]int `json:"inventory"`
	Sectors   []SectorRef    `json:"sectors,omitempty"`
}

type SectorRef struct {
	X int `json:"x"`
	Z int `json:"z"`
}

// structure.build.v1 (coordinator -> anyone)
type BuildMsg struct {
	Blueprint string         `json:"blueprint"`
	Site      Site           `json:"site"`
	Materials map[string]int `json:"materials"`
	Shortfall map[string]int `json:"shortfall,omitempty"`
	Rounds    int            `json:"rounds"`
}

// agent.state.v1 (runtime -> anyone)
type AgentStateMsg struct {
	Agent    string `json:"agent"`
	Previous string `json:"previous"`
	State    string `json:"state"`
	Trigger  string `json:"trigger"`
	Reason   string `json:"reason,omitempty"`
}

// agent.status.v1 (runtime -> anyone), answer to control.agent.status.request.
type AgentStatusMsg struct {
	Agent  string         `json:"agent"`
	State  string         `json:"state"`
	Detail map[string]any `json:"detail,omitempty"`
}

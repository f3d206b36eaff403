package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindAction       NodeKind = "action"
	NodeKindCompensation NodeKind = "compensation"
	NodeKindStart        NodeKind = "start"
	NodeKindEnd          NodeKind = "end"
)

// EdgeKind classifies a diagram edge.
type EdgeKind string

const (
	EdgeKindNext         EdgeKind = "next"
	EdgeKindConditional  EdgeKind = "conditional" // into a step guarded by a condition
	EdgeKindCompensation EdgeKind = "compensation"
)

// Virtual node ids.
const (
	StartNodeID = "__start__"
	EndNodeID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a step, a compensation action, or a virtual start/end node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge connects two nodes.
type Edge struct {
	From  string
	To    string
	Label string
	Kind  EdgeKind
}

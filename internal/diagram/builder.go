package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// maxConditionLabel caps the condition text shown on an edge.
const maxConditionLabel = 40

// Build constructs a DiagramModel from a chain definition and, optionally,
// the step executions of one run. Steps are laid out in step order between
// virtual start and end nodes; compensatable steps get a side node for their
// compensation action.
func Build(def *schema.ChainDefinition, steps []*store.StepExecution) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: chain definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("diagram: chain definition %q has no steps", def.ID)
	}

	byAlias := make(map[string]*store.StepExecution, len(steps))
	for _, s := range steps {
		byAlias[s.StepAlias] = s
	}

	model := &DiagramModel{Title: titleFromDef(def)}
	model.Nodes = append(model.Nodes, &Node{ID: StartNodeID, Label: "Start", Kind: NodeKindStart})

	prev := StartNodeID
	for _, sd := range def.OrderedSteps() {
		node := &Node{ID: sd.Alias, Label: nodeLabel(&sd), Kind: NodeKindAction}
		overlayStatus(node, byAlias[sd.Alias])
		model.Nodes = append(model.Nodes, node)
		model.Edges = append(model.Edges, incomingEdge(prev, &sd))

		if sd.CanCompensate() {
			comp := &Node{
				ID:    compensationNodeID(sd.Alias),
				Label: fmt.Sprintf("compensate\n(%s@%s)", *sd.CompensationActionType, sd.ActionVersion),
				Kind:  NodeKindCompensation,
			}
			model.Nodes = append(model.Nodes, comp)
			model.Edges = append(model.Edges, Edge{
				From:  sd.Alias,
				To:    comp.ID,
				Label: "on failure",
				Kind:  EdgeKindCompensation,
			})
		}
		prev = sd.Alias
	}

	model.Nodes = append(model.Nodes, &Node{ID: EndNodeID, Label: "End", Kind: NodeKindEnd})
	model.Edges = append(model.Edges, Edge{From: prev, To: EndNodeID, Kind: EdgeKindNext})
	return model, nil
}

func incomingEdge(from string, sd *schema.ChainDefinitionStep) Edge {
	cond := strings.TrimSpace(sd.Condition)
	if cond == "" {
		return Edge{From: from, To: sd.Alias, Kind: EdgeKindNext}
	}
	if len(cond) > maxConditionLabel {
		cond = cond[:maxConditionLabel-3] + "..."
	}
	return Edge{From: from, To: sd.Alias, Label: "if " + cond, Kind: EdgeKindConditional}
}

func compensationNodeID(alias string) string {
	return alias + "__compensate"
}

// nodeLabel creates a human-readable label for a step node.
func nodeLabel(sd *schema.ChainDefinitionStep) string {
	action := sd.ActionType
	if sd.ActionVersion != "" {
		action += "@" + sd.ActionVersion
	}
	return fmt.Sprintf("%s\n(%s)", sd.Alias, action)
}

// overlayStatus applies runtime step state to a node.
func overlayStatus(node *Node, st *store.StepExecution) {
	if st == nil {
		return
	}
	overlay := &StatusOverlay{
		Status:     string(st.Status),
		RetryCount: st.RetryCount,
		Error:      st.ErrorMessage,
	}
	if st.StartedAt != nil && st.CompletedAt != nil {
		overlay.DurationMs = st.CompletedAt.Sub(*st.StartedAt).Milliseconds()
	}
	node.Status = overlay
}

func titleFromDef(def *schema.ChainDefinition) string {
	if def.Name == "" {
		return def.TriggerEventType
	}
	return fmt.Sprintf("%s (on %s)", def.Name, def.TriggerEventType)
}

// firstLine returns the text before the first newline.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Package planner walks a flow's node/edge graph and turns it into an
// ordered list of timed actions. It performs no I/O: callers load the
// graph and enqueue the resulting actions.
package planner

import (
	"encoding/json"

	"zapflow/internal/models"
)

const (
	// maxSteps is a hard cap on visited nodes, protecting against
	// malformed or cyclic graphs.
	maxSteps = 20

	// presenceCapMs caps the composing indicator emitted for fixed
	// waits.
	presenceCapMs = 60_000

	// waitTimeoutCapSeconds caps a wait-for-reply window at one day.
	waitTimeoutCapSeconds = 86_400
)

// Action is one timed operation produced by a walk. DelayMs values are
// non-decreasing in emission order.
type Action struct {
	Kind    models.ActionKind
	DelayMs int64
	Payload interface{}
}

// PendingWait is the metadata of a wait-for-reply node that halted the
// walk.
type PendingWait struct {
	NodeID           string
	TimeoutSeconds   int
	FollowupText     string
	AnsweredTargetID string
	NoReplyTargetID  string
}

// Plan is the result of a walk: the actions to enqueue and, when the
// walk halted on a wait-for-reply node, the wait to register.
type Plan struct {
	Actions []Action
	Wait    *PendingWait
}

// nodeContent is the superset of type-specific node content fields.
type nodeContent struct {
	Text           string `json:"text"`
	Caption        string `json:"caption"`
	Base64         string `json:"base64"`
	URL            string `json:"url"`
	Data           string `json:"data"`
	WaitSeconds    int    `json:"waitSeconds"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	FollowupText   string `json:"followupText"`
	Number         string `json:"number"`
	Message        string `json:"message"`
	NextFlowID     string `json:"nextFlowId"`
}

// media returns the node's media value, preferring inline base64 over a
// remote URL over the generic data field.
func (c nodeContent) media() string {
	if c.Base64 != "" {
		return c.Base64
	}
	if c.URL != "" {
		return c.URL
	}
	return c.Data
}

// Walk plans a flow from startNodeID. Nodes with invalid or empty
// content are skipped without failing the plan; only fixed-wait nodes
// advance the delay offset.
func Walk(nodes []models.FlowNode, edges []models.FlowEdge, startNodeID string) Plan {
	byID := make(map[string]models.FlowNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	var plan Plan
	var elapsedMs int64
	visited := make(map[string]bool)

	cur := startNodeID
	for step := 0; step < maxSteps; step++ {
		node, ok := byID[cur]
		if !ok || visited[cur] {
			return plan
		}
		visited[cur] = true

		var content nodeContent
		_ = json.Unmarshal(node.Content, &content)

		switch node.Type {
		case models.NodeWait:
			secs := content.WaitSeconds
			if secs < 0 {
				secs = 0
			}
			if secs > 0 {
				durationMs := secs * 1000
				if durationMs > presenceCapMs {
					durationMs = presenceCapMs
				}
				plan.Actions = append(plan.Actions, Action{
					Kind:    models.ActionPresence,
					DelayMs: elapsedMs,
					Payload: models.PresencePayload{State: "composing", DurationMs: durationMs},
				})
				elapsedMs += int64(secs) * 1000
			}

		case models.NodeText:
			if content.Text != "" {
				plan.Actions = append(plan.Actions, Action{
					Kind:    models.ActionText,
					DelayMs: elapsedMs,
					Payload: models.TextPayload{Text: content.Text},
				})
			}

		case models.NodeImage:
			if media := content.media(); media != "" {
				plan.Actions = append(plan.Actions, Action{
					Kind:    models.ActionImage,
					DelayMs: elapsedMs,
					Payload: models.ImagePayload{Media: media, Caption: content.Caption},
				})
			}

		case models.NodeAudio:
			if media := content.media(); media != "" {
				plan.Actions = append(plan.Actions, Action{
					Kind:    models.ActionAudio,
					DelayMs: elapsedMs,
					Payload: models.AudioPayload{Media: media},
				})
			}

		case models.NodeNotify:
			if digitsOnly(content.Number) && content.Message != "" {
				plan.Actions = append(plan.Actions, Action{
					Kind:    models.ActionNotify,
					DelayMs: elapsedMs,
					Payload: models.NotifyPayload{Number: content.Number, Message: content.Message},
				})
			}

		case models.NodeAwait:
			timeout := content.TimeoutSeconds
			if timeout < 0 {
				timeout = 0
			}
			if timeout > waitTimeoutCapSeconds {
				timeout = waitTimeoutCapSeconds
			}
			plan.Wait = &PendingWait{
				NodeID:           node.ID,
				TimeoutSeconds:   timeout,
				FollowupText:     content.FollowupText,
				AnsweredTargetID: outcomeTarget(edges, node.ID, models.OutcomeAnswered),
				NoReplyTargetID:  outcomeTarget(edges, node.ID, models.OutcomeNoReply),
			}
			return plan

		case models.NodeNextFlow:
			if content.NextFlowID != "" {
				plan.Actions = append(plan.Actions, Action{
					Kind:    models.ActionStartFlow,
					DelayMs: elapsedMs,
					Payload: models.StartFlowPayload{FlowID: content.NextFlowID},
				})
			}
			return plan
		}

		next := defaultEdgeTarget(edges, cur)
		if next == "" {
			return plan
		}
		cur = next
	}
	return plan
}

// StartNode picks a flow's entry node: a node with no inbound edges,
// lowest ordem winning ties. A fully cyclic graph falls back to the
// lowest-ordem node.
func StartNode(nodes []models.FlowNode, edges []models.FlowEdge) (models.FlowNode, bool) {
	if len(nodes) == 0 {
		return models.FlowNode{}, false
	}

	hasInbound := make(map[string]bool, len(edges))
	for _, e := range edges {
		hasInbound[e.TargetID] = true
	}

	best := -1
	for i, n := range nodes {
		if hasInbound[n.ID] {
			continue
		}
		if best == -1 || n.Ordem < nodes[best].Ordem {
			best = i
		}
	}
	if best == -1 {
		best = 0
		for i, n := range nodes {
			if n.Ordem < nodes[best].Ordem {
				best = i
			}
		}
	}
	return nodes[best], true
}

// defaultEdgeTarget returns the target of the first outcome-less edge
// leaving src.
func defaultEdgeTarget(edges []models.FlowEdge, src string) string {
	for _, e := range edges {
		if e.SourceID == src && e.Outcome() == "" {
			return e.TargetID
		}
	}
	return ""
}

// outcomeTarget returns the target of the edge leaving src labeled with
// the given outcome.
func outcomeTarget(edges []models.FlowEdge, src, outcome string) string {
	for _, e := range edges {
		if e.SourceID == src && e.Outcome() == outcome {
			return e.TargetID
		}
	}
	return ""
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

package planner

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapflow/internal/models"
)

func node(id, typ string, ordem int, content string) models.FlowNode {
	if content == "" {
		content = "{}"
	}
	return models.FlowNode{ID: id, FlowID: "flow-1", Type: typ, Ordem: ordem, Content: json.RawMessage(content)}
}

func edge(src, dst string) models.FlowEdge {
	return models.FlowEdge{ID: src + "->" + dst, FlowID: "flow-1", SourceID: src, TargetID: dst}
}

func outcomeEdge(src, dst, outcome string) models.FlowEdge {
	e := edge(src, dst)
	e.Data = json.RawMessage(fmt.Sprintf(`{"outcome":%q}`, outcome))
	return e
}

func TestWalkTextThenWaitThenText(t *testing.T) {
	nodes := []models.FlowNode{
		node("start", models.NodeText, 0, `{"text":"Hi"}`),
		node("espera", models.NodeWait, 1, `{"waitSeconds":5}`),
		node("followup", models.NodeText, 2, `{"text":"Still there?"}`),
	}
	edges := []models.FlowEdge{edge("start", "espera"), edge("espera", "followup")}

	plan := Walk(nodes, edges, "start")
	require.Len(t, plan.Actions, 3)
	assert.Nil(t, plan.Wait)

	assert.Equal(t, models.ActionText, plan.Actions[0].Kind)
	assert.Equal(t, int64(0), plan.Actions[0].DelayMs)
	assert.Equal(t, models.TextPayload{Text: "Hi"}, plan.Actions[0].Payload)

	assert.Equal(t, models.ActionPresence, plan.Actions[1].Kind)
	assert.Equal(t, int64(0), plan.Actions[1].DelayMs)
	assert.Equal(t, models.PresencePayload{State: "composing", DurationMs: 5000}, plan.Actions[1].Payload)

	assert.Equal(t, models.ActionText, plan.Actions[2].Kind)
	assert.Equal(t, int64(5000), plan.Actions[2].DelayMs)
	assert.Equal(t, models.TextPayload{Text: "Still there?"}, plan.Actions[2].Payload)
}

func TestWalkDeterministic(t *testing.T) {
	nodes := []models.FlowNode{
		node("a", models.NodeText, 0, `{"text":"one"}`),
		node("b", models.NodeWait, 1, `{"waitSeconds":3}`),
		node("c", models.NodeImage, 2, `{"url":"https://cdn.example.com/pic.png"}`),
	}
	edges := []models.FlowEdge{edge("a", "b"), edge("b", "c")}

	first := Walk(nodes, edges, "a")
	for i := 0; i < 10; i++ {
		again := Walk(nodes, edges, "a")
		require.Equal(t, first, again)
	}

	var prev int64
	for _, a := range first.Actions {
		assert.GreaterOrEqual(t, a.DelayMs, prev, "delays must be non-decreasing")
		prev = a.DelayMs
	}
}

func TestWalkHaltsOnCycle(t *testing.T) {
	nodes := []models.FlowNode{
		node("a", models.NodeText, 0, `{"text":"loop"}`),
		node("b", models.NodeText, 1, `{"text":"back"}`),
	}
	edges := []models.FlowEdge{edge("a", "b"), edge("b", "a")}

	plan := Walk(nodes, edges, "a")
	assert.Len(t, plan.Actions, 2)
}

func TestWalkRespectsStepCap(t *testing.T) {
	// A chain longer than the step cap stops at the cap.
	var nodes []models.FlowNode
	var edges []models.FlowEdge
	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("n%d", i)
		nodes = append(nodes, node(id, models.NodeText, i, fmt.Sprintf(`{"text":"m%d"}`, i)))
		if i > 0 {
			edges = append(edges, edge(fmt.Sprintf("n%d", i-1), id))
		}
	}
	plan := Walk(nodes, edges, "n0")
	assert.Len(t, plan.Actions, maxSteps)
}

func TestWalkSkipsInvalidContent(t *testing.T) {
	nodes := []models.FlowNode{
		node("a", models.NodeText, 0, `{"text":""}`),
		node("b", models.NodeImage, 1, `{}`),
		node("c", models.NodeNotify, 2, `{"number":"55abc","message":"hello"}`),
		node("d", models.NodeText, 3, `{"text":"valid"}`),
	}
	edges := []models.FlowEdge{edge("a", "b"), edge("b", "c"), edge("c", "d")}

	plan := Walk(nodes, edges, "a")
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, models.TextPayload{Text: "valid"}, plan.Actions[0].Payload)
}

func TestWalkNotifyValidation(t *testing.T) {
	nodes := []models.FlowNode{
		node("a", models.NodeNotify, 0, `{"number":"5511999999999","message":"ping"}`),
	}
	plan := Walk(nodes, nil, "a")
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, models.ActionNotify, plan.Actions[0].Kind)
	assert.Equal(t, models.NotifyPayload{Number: "5511999999999", Message: "ping"}, plan.Actions[0].Payload)
}

func TestWalkMediaPreference(t *testing.T) {
	nodes := []models.FlowNode{
		node("a", models.NodeImage, 0, `{"base64":"data:image/png;base64,AAAA","url":"https://x/y.png","data":"z"}`),
	}
	plan := Walk(nodes, nil, "a")
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, models.ImagePayload{Media: "data:image/png;base64,AAAA"}, plan.Actions[0].Payload)
}

func TestWalkHaltsOnWaitNode(t *testing.T) {
	nodes := []models.FlowNode{
		node("a", models.NodeText, 0, `{"text":"question?"}`),
		node("wait", models.NodeAwait, 1, `{"timeoutSeconds":120,"followupText":"no rush"}`),
		node("yes", models.NodeText, 2, `{"text":"great"}`),
		node("no", models.NodeText, 3, `{"text":"pity"}`),
	}
	edges := []models.FlowEdge{
		edge("a", "wait"),
		outcomeEdge("wait", "yes", models.OutcomeAnswered),
		outcomeEdge("wait", "no", models.OutcomeNoReply),
	}

	plan := Walk(nodes, edges, "a")
	require.Len(t, plan.Actions, 1)
	require.NotNil(t, plan.Wait)
	assert.Equal(t, "wait", plan.Wait.NodeID)
	assert.Equal(t, 120, plan.Wait.TimeoutSeconds)
	assert.Equal(t, "no rush", plan.Wait.FollowupText)
	assert.Equal(t, "yes", plan.Wait.AnsweredTargetID)
	assert.Equal(t, "no", plan.Wait.NoReplyTargetID)
}

func TestWalkClampsWaitTimeout(t *testing.T) {
	nodes := []models.FlowNode{
		node("wait", models.NodeAwait, 0, `{"timeoutSeconds":500000}`),
	}
	plan := Walk(nodes, nil, "wait")
	require.NotNil(t, plan.Wait)
	assert.Equal(t, waitTimeoutCapSeconds, plan.Wait.TimeoutSeconds)
}

func TestWalkHaltsOnHandoff(t *testing.T) {
	nodes := []models.FlowNode{
		node("a", models.NodeNextFlow, 0, `{"nextFlowId":"flow-2"}`),
		node("unreachable", models.NodeText, 1, `{"text":"never"}`),
	}
	edges := []models.FlowEdge{edge("a", "unreachable")}

	plan := Walk(nodes, edges, "a")
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, models.ActionStartFlow, plan.Actions[0].Kind)
	assert.Equal(t, models.StartFlowPayload{FlowID: "flow-2"}, plan.Actions[0].Payload)
	assert.Nil(t, plan.Wait)
}

func TestWalkLongWaitPresenceCapped(t *testing.T) {
	nodes := []models.FlowNode{
		node("espera", models.NodeWait, 0, `{"waitSeconds":300}`),
		node("b", models.NodeText, 1, `{"text":"later"}`),
	}
	edges := []models.FlowEdge{edge("espera", "b")}

	plan := Walk(nodes, edges, "espera")
	require.Len(t, plan.Actions, 2)
	assert.Equal(t, models.PresencePayload{State: "composing", DurationMs: presenceCapMs}, plan.Actions[0].Payload)
	assert.Equal(t, int64(300_000), plan.Actions[1].DelayMs)
}

func TestStartNode(t *testing.T) {
	nodes := []models.FlowNode{
		node("b", models.NodeText, 2, `{"text":"b"}`),
		node("a", models.NodeText, 1, `{"text":"a"}`),
	}
	edges := []models.FlowEdge{edge("a", "b")}

	start, ok := StartNode(nodes, edges)
	require.True(t, ok)
	assert.Equal(t, "a", start.ID)
}

func TestStartNodeCyclicFallsBackToLowestOrdem(t *testing.T) {
	nodes := []models.FlowNode{
		node("b", models.NodeText, 2, `{"text":"b"}`),
		node("a", models.NodeText, 1, `{"text":"a"}`),
	}
	edges := []models.FlowEdge{edge("a", "b"), edge("b", "a")}

	start, ok := StartNode(nodes, edges)
	require.True(t, ok)
	assert.Equal(t, "a", start.ID)
}

func TestStartNodeEmpty(t *testing.T) {
	_, ok := StartNode(nil, nil)
	assert.False(t, ok)
}

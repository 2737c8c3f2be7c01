// Package models defines the persisted rows and payload shapes shared by the
// store, planner and worker.
package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a delivery job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// ActionKind identifies what a delivery job does when processed.
type ActionKind string

const (
	ActionText      ActionKind = "text"
	ActionImage     ActionKind = "image"
	ActionAudio     ActionKind = "audio"
	ActionPresence  ActionKind = "presence"
	ActionNotify    ActionKind = "notify"
	ActionStartFlow ActionKind = "start_flow"
)

// DefaultMaxAttempts is applied when a job is enqueued without an
// explicit attempt budget.
const DefaultMaxAttempts = 5

// DeliveryJob is one unit of outbound work: a single message send or a
// flow handoff. Rows are never deleted; done and failed are terminal.
type DeliveryJob struct {
	ID           string          `db:"id" json:"id"`
	ConnectionID string          `db:"connection_id" json:"connection_id"`
	FlowID       sql.NullString  `db:"flow_id" json:"flow_id"`
	UserID       string          `db:"user_id" json:"user_id"`
	RemoteJID    string          `db:"remote_jid" json:"remote_jid"`
	InstanceID   sql.NullString  `db:"instance_id" json:"instance_id"`
	InstanceName sql.NullString  `db:"instance_name" json:"instance_name"`
	ActionKind   ActionKind      `db:"action_kind" json:"action_kind"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Status       JobStatus       `db:"status" json:"status"`
	DueAt        time.Time       `db:"due_at" json:"due_at"`
	Attempts     int             `db:"attempts" json:"attempts"`
	MaxAttempts  int             `db:"max_attempts" json:"max_attempts"`
	LastError    sql.NullString  `db:"last_error" json:"last_error"`
	LockedAt     sql.NullTime    `db:"locked_at" json:"locked_at"`
	LockedBy     sql.NullString  `db:"locked_by" json:"locked_by"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// WaitStatus represents the lifecycle state of a wait-for-reply entry.
type WaitStatus string

const (
	WaitStatusPending  WaitStatus = "pending"
	WaitStatusExpired  WaitStatus = "expired"
	WaitStatusAnswered WaitStatus = "answered"
)

// WaitEntry is an open "awaiting a human reply" window created when a
// flow walk halts on a wait-for-reply node. The instance fields are a
// snapshot taken at creation time so resumption does not depend on a
// channel lookup succeeding again.
type WaitEntry struct {
	ID               string         `db:"id" json:"id"`
	FlowID           string         `db:"flow_id" json:"flow_id"`
	NodeID           string         `db:"node_id" json:"node_id"`
	ConnectionID     string         `db:"connection_id" json:"connection_id"`
	UserID           string         `db:"user_id" json:"user_id"`
	RemoteJID        string         `db:"remote_jid" json:"remote_jid"`
	Status           WaitStatus     `db:"status" json:"status"`
	ExpiresAt        time.Time      `db:"expires_at" json:"expires_at"`
	AnsweredTargetID sql.NullString `db:"answered_target_id" json:"answered_target_id"`
	NoReplyTargetID  sql.NullString `db:"no_reply_target_id" json:"no_reply_target_id"`
	FollowupText     sql.NullString `db:"followup_text" json:"followup_text"`
	InstanceID       sql.NullString `db:"instance_id" json:"instance_id"`
	InstanceName     sql.NullString `db:"instance_name" json:"instance_name"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
}

// Flow node types as stored by the flow builder.
const (
	NodeText     = "mensagem_texto"
	NodeImage    = "mensagem_imagem"
	NodeAudio    = "mensagem_audio"
	NodeWait     = "mensagem_espera"
	NodeAwait    = "aguarde_resposta"
	NodeNotify   = "mensagem_notificada"
	NodeNextFlow = "next_flow"
)

// Edge outcome labels used on edges leaving a wait-for-reply node.
const (
	OutcomeAnswered = "answered"
	OutcomeNoReply  = "no_reply"
)

// FlowNode is a read-only row of a flow graph.
type FlowNode struct {
	ID      string          `db:"id" json:"id"`
	FlowID  string          `db:"flow_id" json:"flow_id"`
	Type    string          `db:"type" json:"type"`
	Ordem   int             `db:"ordem" json:"ordem"`
	Content json.RawMessage `db:"content" json:"content"`
}

// FlowEdge is a read-only row connecting two flow nodes. Data carries an
// optional {"outcome": ...} blob on edges leaving a wait-for-reply node.
type FlowEdge struct {
	ID       string          `db:"id" json:"id"`
	FlowID   string          `db:"flow_id" json:"flow_id"`
	SourceID string          `db:"source_id" json:"source_id"`
	TargetID string          `db:"target_id" json:"target_id"`
	Data     json.RawMessage `db:"data" json:"data"`
}

// Outcome returns the edge's outcome label, or "" for default edges.
func (e FlowEdge) Outcome() string {
	if len(e.Data) == 0 {
		return ""
	}
	var d struct {
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return ""
	}
	return d.Outcome
}

// MessageLog is an append-only record of a delivered message.
type MessageLog struct {
	ConnectionID string          `db:"connection_id" json:"connection_id"`
	FlowID       sql.NullString  `db:"flow_id" json:"flow_id"`
	UserID       string          `db:"user_id" json:"user_id"`
	To           string          `db:"para" json:"para"`
	Direction    string          `db:"direcao" json:"direcao"`
	Content      json.RawMessage `db:"conteudo" json:"conteudo"`
	Timestamp    time.Time       `db:"timestamp" json:"timestamp"`
}

// DirectionOut marks messages sent by this worker in the message log.
const DirectionOut = "enviada"

// Per-kind job payloads. Each action kind carries only its required
// fields, decoded and validated where the job is processed.

// TextPayload is the payload for text jobs.
type TextPayload struct {
	Text string `json:"text"`
}

// ImagePayload is the payload for image jobs. Media is either a URL, a
// data URI or raw base64.
type ImagePayload struct {
	Media   string `json:"media"`
	Caption string `json:"caption,omitempty"`
}

// AudioPayload is the payload for audio jobs.
type AudioPayload struct {
	Media string `json:"media"`
}

// PresencePayload is the payload for presence jobs. DurationMs is
// clamped by the gateway to at most one minute.
type PresencePayload struct {
	State      string `json:"state"`
	DurationMs int    `json:"duration_ms"`
}

// NotifyPayload is the payload for notify jobs: a text message sent to
// an arbitrary (digits-only) number rather than the flow conversation.
type NotifyPayload struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

// StartFlowPayload is the payload for flow handoff jobs.
type StartFlowPayload struct {
	FlowID string `json:"flow_id"`
}

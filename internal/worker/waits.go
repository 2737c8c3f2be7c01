package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"zapflow/internal/models"
	"zapflow/internal/planner"
)

// planSeed carries the conversation identity under which a plan's
// actions are enqueued.
type planSeed struct {
	ConnectionID string
	FlowID       string
	UserID       string
	RemoteJID    string
	InstanceID   sql.NullString
	InstanceName sql.NullString
}

// resolveWaits drains expired and answered wait windows, each entry
// processed fully before the next.
func (w *Worker) resolveWaits(ctx context.Context) {
	expired, err := w.store.ClaimExpiredWaits(ctx, w.claimLimit)
	if err != nil {
		log.Error().Err(err).Msg("Expired wait claim failed")
	} else {
		for i := range expired {
			w.resolveWait(ctx, &expired[i], false)
		}
	}

	answered, err := w.store.AnsweredWaits(ctx, w.claimLimit)
	if err != nil {
		log.Error().Err(err).Msg("Answered wait read failed")
		return
	}
	for i := range answered {
		w.resolveWait(ctx, &answered[i], true)
	}
}

// resolveWait resumes a flow from the wait entry's outcome branch. On
// success the entry is deleted; on failure it is left in place for
// manual inspection, never silently lost.
func (w *Worker) resolveWait(ctx context.Context, entry *models.WaitEntry, answered bool) {
	waitLog := log.With().
		Str("waitID", entry.ID).
		Str("flowID", entry.FlowID).
		Bool("answered", answered).
		Logger()

	addr, ok := w.resolveAddressing(ctx, entry)
	if !ok {
		waitLog.Error().Msg("No instance addressing resolvable, leaving entry for manual remediation")
		return
	}

	seed := planSeed{
		ConnectionID: entry.ConnectionID,
		FlowID:       entry.FlowID,
		UserID:       entry.UserID,
		RemoteJID:    entry.RemoteJID,
		InstanceID:   addr.id,
		InstanceName: addr.name,
	}

	targetID := entry.NoReplyTargetID
	if answered {
		targetID = entry.AnsweredTargetID
	}

	// A timed-out wait sends its follow-up nudge right away, before
	// whatever the no-reply branch plans.
	if !answered && entry.FollowupText.Valid && entry.FollowupText.String != "" {
		if err := w.enqueueAction(ctx, seed, planner.Action{
			Kind:    models.ActionText,
			Payload: models.TextPayload{Text: entry.FollowupText.String},
		}); err != nil {
			waitLog.Error().Err(err).Msg("Failed to enqueue follow-up text")
			return
		}
	}

	if targetID.Valid && targetID.String != "" {
		nodes, edges, err := w.flowGraph(ctx, entry.FlowID)
		if err != nil {
			waitLog.Error().Err(err).Msg("Failed to load flow graph for resumption")
			return
		}
		plan := planner.Walk(nodes, edges, targetID.String)
		if err := w.enqueuePlan(ctx, seed, plan); err != nil {
			waitLog.Error().Err(err).Msg("Failed to enqueue resumption plan")
			return
		}
		waitLog.Info().Int("actions", len(plan.Actions)).Msg("Wait resolved, flow resumed")
	} else {
		waitLog.Info().Msg("Wait resolved with no outcome branch")
	}

	if err := w.store.DeleteWaitEntry(ctx, entry.ID); err != nil {
		waitLog.Error().Err(err).Msg("Failed to delete resolved wait entry")
	}
}

// resolvedAddr is the instance pair picked for a resumption.
type resolvedAddr struct {
	id, name sql.NullString
}

// resolveAddressing picks the instance identity for a wait resumption:
// the snapshot on the entry itself, then the most recent job for the
// same connection+flow+conversation, then the most recent job for the
// connection alone.
func (w *Worker) resolveAddressing(ctx context.Context, entry *models.WaitEntry) (resolvedAddr, bool) {
	if entry.InstanceID.Valid || entry.InstanceName.Valid {
		return resolvedAddr{id: entry.InstanceID, name: entry.InstanceName}, true
	}

	addr, err := w.store.LatestJobInstance(ctx, entry.ConnectionID, entry.FlowID, entry.RemoteJID)
	if err != nil {
		log.Error().Err(err).Str("waitID", entry.ID).Msg("Addressing lookup failed")
	} else if !addr.Empty() {
		return resolvedAddr{id: addr.InstanceID, name: addr.InstanceName}, true
	}

	addr, err = w.store.LatestJobInstanceForConnection(ctx, entry.ConnectionID)
	if err != nil {
		log.Error().Err(err).Str("waitID", entry.ID).Msg("Connection addressing lookup failed")
	} else if !addr.Empty() {
		return resolvedAddr{id: addr.InstanceID, name: addr.InstanceName}, true
	}

	return resolvedAddr{}, false
}

// enqueuePlan persists a plan's actions as delivery jobs, delays mapped
// onto due_at, and registers a wait entry when the plan halted on a
// wait-for-reply node.
func (w *Worker) enqueuePlan(ctx context.Context, seed planSeed, plan planner.Plan) error {
	now := time.Now()
	for _, action := range plan.Actions {
		if err := w.enqueueActionAt(ctx, seed, action, now); err != nil {
			return err
		}
	}

	if plan.Wait != nil {
		entry := &models.WaitEntry{
			FlowID:       seed.FlowID,
			NodeID:       plan.Wait.NodeID,
			ConnectionID: seed.ConnectionID,
			UserID:       seed.UserID,
			RemoteJID:    seed.RemoteJID,
			ExpiresAt:    now.Add(time.Duration(plan.Wait.TimeoutSeconds) * time.Second),
			InstanceID:   seed.InstanceID,
			InstanceName: seed.InstanceName,
		}
		if plan.Wait.AnsweredTargetID != "" {
			entry.AnsweredTargetID = sql.NullString{String: plan.Wait.AnsweredTargetID, Valid: true}
		}
		if plan.Wait.NoReplyTargetID != "" {
			entry.NoReplyTargetID = sql.NullString{String: plan.Wait.NoReplyTargetID, Valid: true}
		}
		if plan.Wait.FollowupText != "" {
			entry.FollowupText = sql.NullString{String: plan.Wait.FollowupText, Valid: true}
		}
		if err := w.store.CreateWaitEntry(ctx, entry); err != nil {
			return err
		}
		log.Info().
			Str("waitID", entry.ID).
			Str("flowID", seed.FlowID).
			Time("expiresAt", entry.ExpiresAt).
			Msg("Wait-for-reply window opened")
	}
	return nil
}

func (w *Worker) enqueueAction(ctx context.Context, seed planSeed, action planner.Action) error {
	return w.enqueueActionAt(ctx, seed, action, time.Now())
}

func (w *Worker) enqueueActionAt(ctx context.Context, seed planSeed, action planner.Action, base time.Time) error {
	payload, err := json.Marshal(action.Payload)
	if err != nil {
		return err
	}
	job := &models.DeliveryJob{
		ConnectionID: seed.ConnectionID,
		FlowID:       sql.NullString{String: seed.FlowID, Valid: seed.FlowID != ""},
		UserID:       seed.UserID,
		RemoteJID:    seed.RemoteJID,
		InstanceID:   seed.InstanceID,
		InstanceName: seed.InstanceName,
		ActionKind:   action.Kind,
		Payload:      payload,
		DueAt:        base.Add(time.Duration(action.DelayMs) * time.Millisecond),
	}
	return w.store.EnqueueJob(ctx, job)
}

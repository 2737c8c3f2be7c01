// Package worker runs the delivery loop: once per tick it rescues stale
// leases, drains expired and answered wait windows, then drains due
// jobs, all sequentially. Correctness against other worker processes
// rests entirely on the store's conditional-update claims.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"zapflow/internal/events"
	"zapflow/internal/gateway"
	"zapflow/internal/models"
	"zapflow/internal/planner"
	"zapflow/internal/store"
)

// Store is the row-store surface the worker depends on.
type Store interface {
	RescueStaleLeases(ctx context.Context, olderThan time.Duration) (int64, error)
	ClaimDueJobs(ctx context.Context, workerID string, limit int) ([]models.DeliveryJob, error)
	MarkJobDone(ctx context.Context, id string) error
	RescheduleJob(ctx context.Context, job *models.DeliveryJob, sendErr error) error
	EnqueueJob(ctx context.Context, job *models.DeliveryJob) error
	CreateWaitEntry(ctx context.Context, entry *models.WaitEntry) error
	ClaimExpiredWaits(ctx context.Context, limit int) ([]models.WaitEntry, error)
	AnsweredWaits(ctx context.Context, limit int) ([]models.WaitEntry, error)
	DeleteWaitEntry(ctx context.Context, id string) error
	FlowGraph(ctx context.Context, flowID string) ([]models.FlowNode, []models.FlowEdge, error)
	LatestJobInstance(ctx context.Context, connectionID, flowID, remoteJID string) (store.Addressing, error)
	LatestJobInstanceForConnection(ctx context.Context, connectionID string) (store.Addressing, error)
	InsertMessageLog(ctx context.Context, row *models.MessageLog) error
}

// Gateway is the send surface the worker depends on.
type Gateway interface {
	SendText(ctx context.Context, inst gateway.Instance, number, text string) (json.RawMessage, error)
	SendImage(ctx context.Context, inst gateway.Instance, number, media, caption string) (json.RawMessage, error)
	SendAudio(ctx context.Context, inst gateway.Instance, number, media string) (json.RawMessage, error)
	SendPresence(ctx context.Context, inst gateway.Instance, number, state string, durationMs int) error
}

// Publisher receives delivery outcomes after each processed job.
type Publisher interface {
	Publish(ctx context.Context, outcome events.DeliveryOutcome)
}

// Options tunes a Worker. Zero values fall back to the defaults the
// loop was designed around.
type Options struct {
	ClaimLimit    int
	TickInterval  time.Duration
	StaleLeaseAge time.Duration
}

// Worker is the process-lifetime context threaded through every call:
// identity, collaborators and tunables, constructed once at startup.
type Worker struct {
	id      string
	store   Store
	gateway Gateway
	events  Publisher

	claimLimit    int
	tickInterval  time.Duration
	staleLeaseAge time.Duration

	flowCache *cache.Cache

	// ticking guarantees a single in-flight tick even if a tick ever
	// outlasts the interval.
	ticking  atomic.Bool
	mu       sync.Mutex
	lastTick time.Time
	started  time.Time
}

// New constructs a Worker. A random identity suffix keeps lease
// ownership distinguishable across processes on the same host.
func New(st Store, gw Gateway, pub Publisher, opts Options) *Worker {
	if opts.ClaimLimit <= 0 {
		opts.ClaimLimit = 10
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.StaleLeaseAge <= 0 {
		opts.StaleLeaseAge = 2 * time.Minute
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	return &Worker{
		id:            fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		store:         st,
		gateway:       gw,
		events:        pub,
		claimLimit:    opts.ClaimLimit,
		tickInterval:  opts.TickInterval,
		staleLeaseAge: opts.StaleLeaseAge,
		flowCache:     cache.New(30*time.Second, time.Minute),
		started:       time.Now(),
	}
}

// ID returns the worker's lease identity.
func (w *Worker) ID() string { return w.id }

// LastTick returns when the previous tick completed.
func (w *Worker) LastTick() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTick
}

// StartedAt returns when the worker was constructed.
func (w *Worker) StartedAt() time.Time { return w.started }

// Run executes the tick loop until ctx is canceled. A tick in progress
// always finishes; cancellation is only observed between ticks.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Str("workerID", w.id).Dur("tick", w.tickInterval).Msg("Worker starting")

	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("workerID", w.id).Msg("Worker stopping")
			return
		case <-ticker.C:
			if !w.ticking.CompareAndSwap(false, true) {
				continue
			}
			w.Tick(ctx)
			w.ticking.Store(false)
		}
	}
}

// Tick runs one full claim-and-process pass. Errors are contained here:
// a failing tick logs and the loop goes on.
func (w *Worker) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("workerID", w.id).Msg("Tick panicked")
		}
		w.mu.Lock()
		w.lastTick = time.Now()
		w.mu.Unlock()
	}()

	if n, err := w.store.RescueStaleLeases(ctx, w.staleLeaseAge); err != nil {
		log.Error().Err(err).Msg("Stale lease rescue failed")
	} else if n > 0 {
		log.Warn().Int64("rescued", n).Msg("Rescued stale running jobs")
	}

	w.resolveWaits(ctx)

	jobs, err := w.store.ClaimDueJobs(ctx, w.id, w.claimLimit)
	if err != nil {
		log.Error().Err(err).Msg("Job claim failed")
		return
	}
	for i := range jobs {
		w.processJob(ctx, &jobs[i])
	}
}

// processJob runs one claimed job to completion or failure. Send errors
// and processing exceptions both land in the retry policy.
func (w *Worker) processJob(ctx context.Context, job *models.DeliveryJob) {
	jobLog := log.With().
		Str("jobID", job.ID).
		Str("kind", string(job.ActionKind)).
		Str("workerID", w.id).
		Logger()

	err := w.executeJob(ctx, job)
	if err == nil {
		if logErr := w.store.InsertMessageLog(ctx, &models.MessageLog{
			ConnectionID: job.ConnectionID,
			FlowID:       job.FlowID,
			UserID:       job.UserID,
			To:           job.RemoteJID,
			Content:      job.Payload,
		}); logErr != nil {
			jobLog.Error().Err(logErr).Msg("Failed to record message log")
		}
		if doneErr := w.store.MarkJobDone(ctx, job.ID); doneErr != nil {
			jobLog.Error().Err(doneErr).Msg("Failed to mark job done")
			return
		}
		jobLog.Info().Msg("Job delivered")
		w.publishOutcome(ctx, job, models.JobStatusDone, job.Attempts, nil)
		return
	}

	jobLog.Warn().Err(err).Int("attempts", job.Attempts+1).Msg("Job failed")
	if rErr := w.store.RescheduleJob(ctx, job, err); rErr != nil {
		jobLog.Error().Err(rErr).Msg("Failed to reschedule job")
		return
	}
	status := models.JobStatusPending
	if job.Attempts+1 >= job.MaxAttempts {
		status = models.JobStatusFailed
	}
	w.publishOutcome(ctx, job, status, job.Attempts+1, err)
}

// executeJob dispatches on the job's action kind.
func (w *Worker) executeJob(ctx context.Context, job *models.DeliveryJob) error {
	inst := gateway.Instance{Name: job.InstanceName.String, ID: job.InstanceID.String}

	switch job.ActionKind {
	case models.ActionText:
		var p models.TextPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("malformed text payload: %w", err)
		}
		_, err := w.gateway.SendText(ctx, inst, job.RemoteJID, p.Text)
		return err

	case models.ActionNotify:
		var p models.NotifyPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("malformed notify payload: %w", err)
		}
		_, err := w.gateway.SendText(ctx, inst, p.Number, p.Message)
		return err

	case models.ActionImage:
		var p models.ImagePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("malformed image payload: %w", err)
		}
		_, err := w.gateway.SendImage(ctx, inst, job.RemoteJID, p.Media, p.Caption)
		return err

	case models.ActionAudio:
		var p models.AudioPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("malformed audio payload: %w", err)
		}
		_, err := w.gateway.SendAudio(ctx, inst, job.RemoteJID, p.Media)
		return err

	case models.ActionPresence:
		var p models.PresencePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("malformed presence payload: %w", err)
		}
		// Presence is best-effort: a failed indicator must not burn
		// the job's attempt budget.
		if err := w.gateway.SendPresence(ctx, inst, job.RemoteJID, p.State, p.DurationMs); err != nil {
			log.Debug().Err(err).Str("jobID", job.ID).Msg("Presence send failed, ignoring")
		}
		return nil

	case models.ActionStartFlow:
		return w.startFlow(ctx, job)

	default:
		return fmt.Errorf("unknown action kind %q", job.ActionKind)
	}
}

// startFlow plans the target flow from its entry node and enqueues the
// resulting actions under the same conversation.
func (w *Worker) startFlow(ctx context.Context, job *models.DeliveryJob) error {
	var p models.StartFlowPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("malformed start_flow payload: %w", err)
	}
	if p.FlowID == "" {
		return fmt.Errorf("start_flow payload has no flow id")
	}

	nodes, edges, err := w.flowGraph(ctx, p.FlowID)
	if err != nil {
		return err
	}
	start, ok := planner.StartNode(nodes, edges)
	if !ok {
		return fmt.Errorf("flow %s has no nodes", p.FlowID)
	}

	plan := planner.Walk(nodes, edges, start.ID)
	return w.enqueuePlan(ctx, planSeed{
		ConnectionID: job.ConnectionID,
		FlowID:       p.FlowID,
		UserID:       job.UserID,
		RemoteJID:    job.RemoteJID,
		InstanceID:   job.InstanceID,
		InstanceName: job.InstanceName,
	}, plan)
}

// flowGraph loads a flow's nodes and edges through a short-TTL cache so
// repeated resumptions within a few ticks do not re-read the graph.
func (w *Worker) flowGraph(ctx context.Context, flowID string) ([]models.FlowNode, []models.FlowEdge, error) {
	type graph struct {
		nodes []models.FlowNode
		edges []models.FlowEdge
	}
	if v, found := w.flowCache.Get(flowID); found {
		g := v.(graph)
		return g.nodes, g.edges, nil
	}
	nodes, edges, err := w.store.FlowGraph(ctx, flowID)
	if err != nil {
		return nil, nil, err
	}
	w.flowCache.Set(flowID, graph{nodes: nodes, edges: edges}, cache.DefaultExpiration)
	return nodes, edges, nil
}

func (w *Worker) publishOutcome(ctx context.Context, job *models.DeliveryJob, status models.JobStatus, attempts int, sendErr error) {
	if w.events == nil {
		return
	}
	outcome := events.DeliveryOutcome{
		JobID:        job.ID,
		ConnectionID: job.ConnectionID,
		ActionKind:   job.ActionKind,
		Status:       status,
		Attempts:     attempts,
		WorkerID:     w.id,
	}
	if sendErr != nil {
		outcome.Error = sendErr.Error()
	}
	w.events.Publish(ctx, outcome)
}

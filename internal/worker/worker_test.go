package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapflow/internal/events"
	"zapflow/internal/gateway"
	"zapflow/internal/models"
	"zapflow/internal/store"
)

// fakeStore is an in-memory Store for loop tests. The worker processes
// everything sequentially, so no locking is needed.
type fakeStore struct {
	jobs      map[string]*models.DeliveryJob
	waits     map[string]*models.WaitEntry
	nodes     []models.FlowNode
	edges     []models.FlowEdge
	logs      []models.MessageLog
	enqueued  []models.DeliveryJob
	rescues   int
	seq       int
	claimErr  error
	latest    store.Addressing
	latestCon store.Addressing
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:  make(map[string]*models.DeliveryJob),
		waits: make(map[string]*models.WaitEntry),
	}
}

func (f *fakeStore) RescueStaleLeases(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.rescues++
	return 0, nil
}

func (f *fakeStore) ClaimDueJobs(ctx context.Context, workerID string, limit int) ([]models.DeliveryJob, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	now := time.Now()
	var claimed []models.DeliveryJob
	for _, job := range f.jobs {
		if len(claimed) >= limit {
			break
		}
		if job.Status == models.JobStatusPending && !job.DueAt.After(now) {
			job.Status = models.JobStatusRunning
			job.LockedBy = sql.NullString{String: workerID, Valid: true}
			claimed = append(claimed, *job)
		}
	}
	return claimed, nil
}

func (f *fakeStore) MarkJobDone(ctx context.Context, id string) error {
	if job, ok := f.jobs[id]; ok {
		job.Status = models.JobStatusDone
	}
	return nil
}

func (f *fakeStore) RescheduleJob(ctx context.Context, job *models.DeliveryJob, sendErr error) error {
	stored, ok := f.jobs[job.ID]
	if !ok {
		return fmt.Errorf("unknown job %s", job.ID)
	}
	stored.Attempts = job.Attempts + 1
	stored.LastError = sql.NullString{String: sendErr.Error(), Valid: true}
	if stored.Attempts < stored.MaxAttempts {
		stored.Status = models.JobStatusPending
		stored.DueAt = time.Now().Add(time.Minute)
	} else {
		stored.Status = models.JobStatusFailed
	}
	return nil
}

func (f *fakeStore) EnqueueJob(ctx context.Context, job *models.DeliveryJob) error {
	f.seq++
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", f.seq)
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}
	copied := *job
	f.jobs[job.ID] = &copied
	f.enqueued = append(f.enqueued, copied)
	return nil
}

func (f *fakeStore) CreateWaitEntry(ctx context.Context, entry *models.WaitEntry) error {
	f.seq++
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("wait-%d", f.seq)
	}
	if entry.Status == "" {
		entry.Status = models.WaitStatusPending
	}
	copied := *entry
	f.waits[entry.ID] = &copied
	return nil
}

func (f *fakeStore) ClaimExpiredWaits(ctx context.Context, limit int) ([]models.WaitEntry, error) {
	now := time.Now()
	var claimed []models.WaitEntry
	for _, entry := range f.waits {
		if entry.Status == models.WaitStatusPending && !entry.ExpiresAt.After(now) {
			entry.Status = models.WaitStatusExpired
			claimed = append(claimed, *entry)
		}
	}
	return claimed, nil
}

func (f *fakeStore) AnsweredWaits(ctx context.Context, limit int) ([]models.WaitEntry, error) {
	var out []models.WaitEntry
	for _, entry := range f.waits {
		if entry.Status == models.WaitStatusAnswered {
			out = append(out, *entry)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteWaitEntry(ctx context.Context, id string) error {
	delete(f.waits, id)
	return nil
}

func (f *fakeStore) FlowGraph(ctx context.Context, flowID string) ([]models.FlowNode, []models.FlowEdge, error) {
	return f.nodes, f.edges, nil
}

func (f *fakeStore) LatestJobInstance(ctx context.Context, connectionID, flowID, remoteJID string) (store.Addressing, error) {
	return f.latest, nil
}

func (f *fakeStore) LatestJobInstanceForConnection(ctx context.Context, connectionID string) (store.Addressing, error) {
	return f.latestCon, nil
}

func (f *fakeStore) InsertMessageLog(ctx context.Context, row *models.MessageLog) error {
	if row.Direction == "" {
		row.Direction = models.DirectionOut
	}
	f.logs = append(f.logs, *row)
	return nil
}

// fakeSender records gateway calls and fails on demand.
type fakeSender struct {
	calls   []string
	sendErr error
}

func (f *fakeSender) SendText(ctx context.Context, inst gateway.Instance, number, text string) (json.RawMessage, error) {
	f.calls = append(f.calls, fmt.Sprintf("text:%s:%s", number, text))
	return json.RawMessage(`{}`), f.sendErr
}

func (f *fakeSender) SendImage(ctx context.Context, inst gateway.Instance, number, media, caption string) (json.RawMessage, error) {
	f.calls = append(f.calls, fmt.Sprintf("image:%s:%s", number, media))
	return json.RawMessage(`{}`), f.sendErr
}

func (f *fakeSender) SendAudio(ctx context.Context, inst gateway.Instance, number, media string) (json.RawMessage, error) {
	f.calls = append(f.calls, fmt.Sprintf("audio:%s:%s", number, media))
	return json.RawMessage(`{}`), f.sendErr
}

func (f *fakeSender) SendPresence(ctx context.Context, inst gateway.Instance, number, state string, durationMs int) error {
	f.calls = append(f.calls, fmt.Sprintf("presence:%s:%s:%d", number, state, durationMs))
	return f.sendErr
}

// fakePublisher records published outcomes.
type fakePublisher struct {
	outcomes []events.DeliveryOutcome
}

func (f *fakePublisher) Publish(ctx context.Context, outcome events.DeliveryOutcome) {
	f.outcomes = append(f.outcomes, outcome)
}

func newTestWorker(st *fakeStore, gw *fakeSender, pub *fakePublisher) *Worker {
	return New(st, gw, pub, Options{ClaimLimit: 10, TickInterval: time.Second})
}

func pendingTextJob(st *fakeStore, text string) *models.DeliveryJob {
	job := &models.DeliveryJob{
		ConnectionID: "conn-1",
		FlowID:       sql.NullString{String: "flow-1", Valid: true},
		UserID:       "user-1",
		RemoteJID:    "5511999999999",
		InstanceName: sql.NullString{String: "inst-main", Valid: true},
		ActionKind:   models.ActionText,
		Payload:      []byte(fmt.Sprintf(`{"text":%q}`, text)),
		DueAt:        time.Now().Add(-time.Second),
	}
	_ = st.EnqueueJob(context.Background(), job)
	return job
}

func TestTickDeliversDueJob(t *testing.T) {
	st := newFakeStore()
	gw := &fakeSender{}
	pub := &fakePublisher{}
	job := pendingTextJob(st, "hello")

	w := newTestWorker(st, gw, pub)
	w.Tick(context.Background())

	assert.Equal(t, 1, st.rescues, "stale lease rescue runs every tick")
	require.Len(t, gw.calls, 1)
	assert.Equal(t, "text:5511999999999:hello", gw.calls[0])
	assert.Equal(t, models.JobStatusDone, st.jobs[job.ID].Status)

	require.Len(t, st.logs, 1)
	assert.Equal(t, "5511999999999", st.logs[0].To)
	assert.Equal(t, models.DirectionOut, st.logs[0].Direction)

	require.Len(t, pub.outcomes, 1)
	assert.Equal(t, models.JobStatusDone, pub.outcomes[0].Status)
}

func TestTickReschedulesFailedJob(t *testing.T) {
	st := newFakeStore()
	gw := &fakeSender{sendErr: errors.New("gateway 500")}
	pub := &fakePublisher{}
	job := pendingTextJob(st, "hello")

	w := newTestWorker(st, gw, pub)
	w.Tick(context.Background())

	stored := st.jobs[job.ID]
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "gateway 500", stored.LastError.String)
	assert.Empty(t, st.logs, "failed sends are not logged as delivered")

	require.Len(t, pub.outcomes, 1)
	assert.Equal(t, models.JobStatusPending, pub.outcomes[0].Status)
	assert.Equal(t, 1, pub.outcomes[0].Attempts)
}

func TestTickTerminalFailureAtBudget(t *testing.T) {
	st := newFakeStore()
	gw := &fakeSender{sendErr: errors.New("gateway refused")}
	pub := &fakePublisher{}
	job := pendingTextJob(st, "hello")
	st.jobs[job.ID].Attempts = 4
	st.jobs[job.ID].MaxAttempts = 5

	w := newTestWorker(st, gw, pub)
	w.Tick(context.Background())

	assert.Equal(t, models.JobStatusFailed, st.jobs[job.ID].Status)
	assert.Equal(t, 5, st.jobs[job.ID].Attempts)
	require.Len(t, pub.outcomes, 1)
	assert.Equal(t, models.JobStatusFailed, pub.outcomes[0].Status)
}

func TestPresenceFailureDoesNotBurnAttempts(t *testing.T) {
	st := newFakeStore()
	gw := &fakeSender{sendErr: errors.New("indicator failed")}
	pub := &fakePublisher{}

	job := &models.DeliveryJob{
		ConnectionID: "conn-1",
		RemoteJID:    "55119",
		InstanceName: sql.NullString{String: "inst", Valid: true},
		ActionKind:   models.ActionPresence,
		Payload:      []byte(`{"state":"composing","duration_ms":5000}`),
		DueAt:        time.Now().Add(-time.Second),
	}
	require.NoError(t, st.EnqueueJob(context.Background(), job))

	w := newTestWorker(st, gw, pub)
	w.Tick(context.Background())

	assert.Equal(t, models.JobStatusDone, st.jobs[job.ID].Status)
	assert.Zero(t, st.jobs[job.ID].Attempts)
}

func TestNotifyUsesPayloadNumber(t *testing.T) {
	st := newFakeStore()
	gw := &fakeSender{}
	pub := &fakePublisher{}

	job := &models.DeliveryJob{
		ConnectionID: "conn-1",
		RemoteJID:    "5511999999999",
		InstanceName: sql.NullString{String: "inst", Valid: true},
		ActionKind:   models.ActionNotify,
		Payload:      []byte(`{"number":"5511888888888","message":"lead waiting"}`),
		DueAt:        time.Now().Add(-time.Second),
	}
	require.NoError(t, st.EnqueueJob(context.Background(), job))

	w := newTestWorker(st, gw, pub)
	w.Tick(context.Background())

	require.Len(t, gw.calls, 1)
	assert.Equal(t, "text:5511888888888:lead waiting", gw.calls[0], "notify targets the payload number, not the conversation")
}

func TestMalformedPayloadFunnelsIntoRetry(t *testing.T) {
	st := newFakeStore()
	gw := &fakeSender{}
	pub := &fakePublisher{}

	job := &models.DeliveryJob{
		ConnectionID: "conn-1",
		RemoteJID:    "55119",
		InstanceName: sql.NullString{String: "inst", Valid: true},
		ActionKind:   models.ActionText,
		Payload:      []byte(`{not json`),
		DueAt:        time.Now().Add(-time.Second),
	}
	require.NoError(t, st.EnqueueJob(context.Background(), job))

	w := newTestWorker(st, gw, pub)
	w.Tick(context.Background())

	stored := st.jobs[job.ID]
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError.String, "malformed text payload")
	assert.Empty(t, gw.calls)
}

func TestStartFlowEnqueuesPlanAndWait(t *testing.T) {
	st := newFakeStore()
	gw := &fakeSender{}
	pub := &fakePublisher{}

	st.nodes = []models.FlowNode{
		{ID: "n1", FlowID: "flow-2", Type: models.NodeText, Ordem: 1, Content: []byte(`{"text":"welcome"}`)},
		{ID: "n2", FlowID: "flow-2", Type: models.NodeAwait, Ordem: 2, Content: []byte(`{"timeoutSeconds":60}`)},
	}
	st.edges = []models.FlowEdge{
		{ID: "e1", FlowID: "flow-2", SourceID: "n1", TargetID: "n2"},
		{ID: "e2", FlowID: "flow-2", SourceID: "n2", TargetID: "n1", Data: []byte(`{"outcome":"answered"}`)},
	}

	job := &models.DeliveryJob{
		ConnectionID: "conn-1",
		UserID:       "user-1",
		RemoteJID:    "55119",
		InstanceName: sql.NullString{String: "inst", Valid: true},
		ActionKind:   models.ActionStartFlow,
		Payload:      []byte(`{"flow_id":"flow-2"}`),
		DueAt:        time.Now().Add(-time.Second),
	}
	require.NoError(t, st.EnqueueJob(context.Background(), job))

	w := newTestWorker(st, gw, pub)
	w.Tick(context.Background())

	assert.Equal(t, models.JobStatusDone, st.jobs[job.ID].Status)

	var texts []models.DeliveryJob
	for _, j := range st.enqueued {
		if j.ActionKind == models.ActionText {
			texts = append(texts, j)
		}
	}
	require.Len(t, texts, 1)
	assert.JSONEq(t, `{"text":"welcome"}`, string(texts[0].Payload))
	assert.Equal(t, "flow-2", texts[0].FlowID.String)

	require.Len(t, st.waits, 1)
	for _, entry := range st.waits {
		assert.Equal(t, "n2", entry.NodeID)
		assert.Equal(t, "flow-2", entry.FlowID)
		assert.Equal(t, "n1", entry.AnsweredTargetID.String)
		assert.False(t, entry.NoReplyTargetID.Valid)
	}
}

func TestClaimErrorDoesNotPanicTick(t *testing.T) {
	st := newFakeStore()
	st.claimErr = errors.New("store down")
	w := newTestWorker(st, &fakeSender{}, &fakePublisher{})

	assert.NotPanics(t, func() { w.Tick(context.Background()) })
	assert.False(t, w.LastTick().IsZero())
}

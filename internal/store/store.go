// Package store implements the row store behind the delivery queue, the
// wait registry and the read-only flow graph tables. All mutations that
// establish or release a lease are single-row conditional updates, which
// is the only concurrency-control primitive the worker relies on.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"zapflow/internal/models"
)

// Backoff tuning for failed jobs: due_at = now + backoffBase*attempts
// plus a random jitter below backoffJitterMax.
const (
	backoffBase      = 10 * time.Second
	backoffJitterMax = 3 * time.Second
)

// Store wraps the relational store used by the worker.
type Store struct {
	db *sqlx.DB
}

// New returns a Store over an existing database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to the database identified by dsn. Postgres DSNs use
// lib/pq; anything else is treated as a sqlite file or :memory: DSN.
func Open(dsn string) (*Store, error) {
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info().Str("driver", driver).Msg("Database connection established")
	return &Store{db: db}, nil
}

// DB exposes the underlying handle, mainly for tests.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// RescueStaleLeases resets running jobs whose lease is older than
// olderThan back to pending with the lease cleared, recovering rows held
// by a worker that crashed mid-send. Returns the number of rescued rows.
func (s *Store) RescueStaleLeases(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE fluxo_agendamentos
		SET status = $1, locked_at = NULL, locked_by = NULL
		WHERE status = $2 AND locked_at < $3`,
		models.JobStatusPending, models.JobStatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to rescue stale leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClaimDueJobs transitions up to limit eligible jobs to running under
// workerID and returns them ordered by due_at ascending.
//
// The claim is two-phase: a plain select collects candidate ids, then
// each id is taken with a conditional update guarded by status=pending.
// Racing workers each win a disjoint subset; losing a row is silent.
func (s *Store) ClaimDueJobs(ctx context.Context, workerID string, limit int) ([]models.DeliveryJob, error) {
	now := time.Now()

	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM fluxo_agendamentos
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at ASC
		LIMIT $3`,
		models.JobStatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due jobs: %w", err)
	}

	claimed := make([]models.DeliveryJob, 0, len(ids))
	for _, id := range ids {
		var job models.DeliveryJob
		err := s.db.QueryRowxContext(ctx, `
			UPDATE fluxo_agendamentos
			SET status = $1, locked_at = $2, locked_by = $3
			WHERE id = $4 AND status = $5
			RETURNING *`,
			models.JobStatusRunning, now, workerID, id, models.JobStatusPending,
		).StructScan(&job)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue // lost the race to another worker
			}
			log.Error().Err(err).Str("jobID", id).Msg("Failed to claim job, skipping")
			continue
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// MarkJobDone transitions a job to its terminal done state.
func (s *Store) MarkJobDone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE fluxo_agendamentos
		SET status = $1, last_error = NULL
		WHERE id = $2`,
		models.JobStatusDone, id)
	if err != nil {
		return fmt.Errorf("failed to mark job done: %w", err)
	}
	return nil
}

// RescheduleJob applies the retry policy after a failed attempt. Below
// the attempt budget the job goes back to pending with a backoff delay
// and jitter; at the budget it becomes terminally failed. The policy is
// uniform across failure causes.
func (s *Store) RescheduleJob(ctx context.Context, job *models.DeliveryJob, sendErr error) error {
	attempts := job.Attempts + 1
	msg := sendErr.Error()

	if attempts < job.MaxAttempts {
		due := time.Now().
			Add(backoffBase * time.Duration(attempts)).
			Add(time.Duration(rand.Int63n(int64(backoffJitterMax))))
		_, err := s.db.ExecContext(ctx, `
			UPDATE fluxo_agendamentos
			SET status = $1, attempts = $2, last_error = $3, due_at = $4,
			    locked_at = NULL, locked_by = NULL
			WHERE id = $5`,
			models.JobStatusPending, attempts, msg, due, job.ID)
		if err != nil {
			return fmt.Errorf("failed to reschedule job: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE fluxo_agendamentos
		SET status = $1, attempts = $2, last_error = $3
		WHERE id = $4`,
		models.JobStatusFailed, attempts, msg, job.ID)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// EnqueueJob inserts a new pending job. A missing id, status, due time
// or attempt budget is filled in with defaults.
func (s *Store) EnqueueJob(ctx context.Context, job *models.DeliveryJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.DueAt.IsZero() {
		job.DueAt = time.Now()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.Payload == nil {
		job.Payload = []byte("{}")
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO fluxo_agendamentos
			(id, connection_id, flow_id, user_id, remote_jid, instance_id, instance_name,
			 action_kind, payload, status, due_at, attempts, max_attempts, created_at)
		VALUES
			(:id, :connection_id, :flow_id, :user_id, :remote_jid, :instance_id, :instance_name,
			 :action_kind, :payload, :status, :due_at, :attempts, :max_attempts, :created_at)`,
		job)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// CreateWaitEntry registers a new pending wait-for-reply window.
func (s *Store) CreateWaitEntry(ctx context.Context, entry *models.WaitEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Status == "" {
		entry.Status = models.WaitStatusPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO fluxo_esperas
			(id, flow_id, node_id, connection_id, user_id, remote_jid, status, expires_at,
			 answered_target_id, no_reply_target_id, followup_text, instance_id, instance_name, created_at)
		VALUES
			(:id, :flow_id, :node_id, :connection_id, :user_id, :remote_jid, :status, :expires_at,
			 :answered_target_id, :no_reply_target_id, :followup_text, :instance_id, :instance_name, :created_at)`,
		entry)
	if err != nil {
		return fmt.Errorf("failed to create wait entry: %w", err)
	}
	return nil
}

// ClaimExpiredWaits transitions up to limit pending entries whose window
// has elapsed to expired, using the same conditional-update claim as the
// job queue, and returns the claimed entries.
func (s *Store) ClaimExpiredWaits(ctx context.Context, limit int) ([]models.WaitEntry, error) {
	now := time.Now()

	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM fluxo_esperas
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3`,
		models.WaitStatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired waits: %w", err)
	}

	claimed := make([]models.WaitEntry, 0, len(ids))
	for _, id := range ids {
		var entry models.WaitEntry
		err := s.db.QueryRowxContext(ctx, `
			UPDATE fluxo_esperas
			SET status = $1
			WHERE id = $2 AND status = $3
			RETURNING *`,
			models.WaitStatusExpired, id, models.WaitStatusPending,
		).StructScan(&entry)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			log.Error().Err(err).Str("waitID", id).Msg("Failed to claim wait entry, skipping")
			continue
		}
		claimed = append(claimed, entry)
	}
	return claimed, nil
}

// AnsweredWaits returns entries externally marked answered by the
// inbound-reply signal. Answered entries are not claimed exclusively;
// processing deletes them, so a racing worker at worst re-enqueues the
// resumption (at-least-once).
func (s *Store) AnsweredWaits(ctx context.Context, limit int) ([]models.WaitEntry, error) {
	var entries []models.WaitEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM fluxo_esperas
		WHERE status = $1
		ORDER BY expires_at ASC
		LIMIT $2`,
		models.WaitStatusAnswered, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select answered waits: %w", err)
	}
	return entries, nil
}

// DeleteWaitEntry removes a fully processed wait entry.
func (s *Store) DeleteWaitEntry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fluxo_esperas WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete wait entry: %w", err)
	}
	return nil
}

// FlowGraph reads a flow's nodes and edges. The edge order returned by
// the store is stable, which makes the planner's default-edge choice
// deterministic.
func (s *Store) FlowGraph(ctx context.Context, flowID string) ([]models.FlowNode, []models.FlowEdge, error) {
	var nodes []models.FlowNode
	err := s.db.SelectContext(ctx, &nodes, `
		SELECT * FROM fluxo_nos WHERE flow_id = $1 ORDER BY ordem ASC, id ASC`, flowID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load flow nodes: %w", err)
	}

	var edges []models.FlowEdge
	err = s.db.SelectContext(ctx, &edges, `
		SELECT * FROM fluxo_arestas WHERE flow_id = $1 ORDER BY id ASC`, flowID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load flow edges: %w", err)
	}
	return nodes, edges, nil
}

// Addressing is an instance identifier pair resolved from the queue.
type Addressing struct {
	InstanceID   sql.NullString `db:"instance_id"`
	InstanceName sql.NullString `db:"instance_name"`
}

// Empty reports whether neither identifier is usable.
func (a Addressing) Empty() bool {
	return !a.InstanceID.Valid && !a.InstanceName.Valid
}

// LatestJobInstance returns the instance addressing of the most recent
// job for the given connection, flow and conversation.
func (s *Store) LatestJobInstance(ctx context.Context, connectionID, flowID, remoteJID string) (Addressing, error) {
	var addr Addressing
	err := s.db.GetContext(ctx, &addr, `
		SELECT instance_id, instance_name FROM fluxo_agendamentos
		WHERE connection_id = $1 AND flow_id = $2 AND remote_jid = $3
		ORDER BY created_at DESC
		LIMIT 1`,
		connectionID, flowID, remoteJID)
	if errors.Is(err, sql.ErrNoRows) {
		return Addressing{}, nil
	}
	if err != nil {
		return Addressing{}, fmt.Errorf("failed to resolve job instance: %w", err)
	}
	return addr, nil
}

// LatestJobInstanceForConnection is the widest addressing fallback: the
// most recent job for the connection regardless of flow or conversation.
func (s *Store) LatestJobInstanceForConnection(ctx context.Context, connectionID string) (Addressing, error) {
	var addr Addressing
	err := s.db.GetContext(ctx, &addr, `
		SELECT instance_id, instance_name FROM fluxo_agendamentos
		WHERE connection_id = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		connectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Addressing{}, nil
	}
	if err != nil {
		return Addressing{}, fmt.Errorf("failed to resolve connection instance: %w", err)
	}
	return addr, nil
}

// InsertMessageLog appends one row to the message log.
func (s *Store) InsertMessageLog(ctx context.Context, row *models.MessageLog) error {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	if row.Direction == "" {
		row.Direction = models.DirectionOut
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO mensagens (connection_id, flow_id, user_id, para, direcao, conteudo, timestamp)
		VALUES (:connection_id, :flow_id, :user_id, :para, :direcao, :conteudo, :timestamp)`,
		row)
	if err != nil {
		return fmt.Errorf("failed to insert message log: %w", err)
	}
	return nil
}

// CountJobsByStatus returns queue depth per job status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows := []struct {
		Status models.JobStatus `db:"status"`
		N      int              `db:"n"`
	}{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS n FROM fluxo_agendamentos GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	counts := make(map[models.JobStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

package hive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS hive_jobs (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT    NOT NULL UNIQUE,
	task_id      TEXT    NOT NULL DEFAULT '',
	skill        TEXT    NOT NULL,
	params       TEXT    NOT NULL DEFAULT '{}',
	priority     INTEGER NOT NULL DEFAULT 0,
	state        TEXT    NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	consumer     TEXT    NOT NULL DEFAULT '',
	lease_until  INTEGER NOT NULL DEFAULT 0,
	available_at INTEGER NOT NULL,
	result       TEXT    NOT NULL DEFAULT '',
	last_error   TEXT    NOT NULL DEFAULT '',
	enqueued_at  INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hive_jobs_ready ON hive_jobs(state, available_at, priority DESC, seq);
CREATE INDEX IF NOT EXISTS idx_hive_jobs_lease ON hive_jobs(state, lease_until);
`

const jobColumns = `id, task_id, skill, params, priority, state, attempts, max_attempts,
	consumer, lease_until, available_at, result, last_error, enqueued_at, updated_at`

// querier 讓 *sql.DB 與 *sql.Tx 共用查詢程式
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteBroker 以 SQLite 持久化的佇列，行程重啟後作業仍在
type SQLiteBroker struct {
	db     *sql.DB
	policy RetryPolicy
	now    func() time.Time
	closed atomic.Bool
}

// NewSQLiteBroker 開啟（必要時建立）資料庫檔案，啟用 WAL 模式
func NewSQLiteBroker(ctx context.Context, path string, policy RetryPolicy) (*SQLiteBroker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	return openSQLite(ctx, dsn, policy)
}

// NewMemorySQLiteBroker 記憶體中的 SQLite，每次呼叫都是獨立的資料庫
func NewMemorySQLiteBroker(ctx context.Context, policy RetryPolicy) (*SQLiteBroker, error) {
	dsn := fmt.Sprintf("file:hive-%s?mode=memory&cache=shared", uuid.NewString())
	return openSQLite(ctx, dsn, policy)
}

func openSQLite(ctx context.Context, dsn string, policy RetryPolicy) (*SQLiteBroker, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 單一連線：所有寫入在行程內序列化
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteBroker{db: db, policy: policy.withDefaults(), now: time.Now}, nil
}

func (b *SQLiteBroker) Enqueue(ctx context.Context, job Job) (JobID, error) {
	if b.closed.Load() {
		return "", ErrBrokerClosed
	}
	if err := validate(job); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = JobID(uuid.NewString())
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = b.policy.MaxAttempts
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}

	now := b.now().UnixNano()
	err = b.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM hive_jobs WHERE id = ?`, string(job.ID)).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidJob, job.ID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hive_jobs (id, task_id, skill, params, priority, state, attempts, max_attempts,
				available_at, enqueued_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
			string(job.ID), job.TaskID, job.Skill, string(params), job.Priority, string(StateQueued),
			job.MaxAttempts, now, now, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return job.ID, nil
}

func (b *SQLiteBroker) Claim(ctx context.Context, consumer string, max int, lease time.Duration) ([]Job, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	if max <= 0 {
		max = 1
	}
	if lease <= 0 {
		lease = 30 * time.Second
	}

	var claimed []Job
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		now := b.now()
		rows, err := tx.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM hive_jobs
			WHERE state = ? AND available_at <= ?
			ORDER BY priority DESC, seq ASC
			LIMIT ?`, string(StateQueued), now.UnixNano(), max)
		if err != nil {
			return err
		}
		jobs, err := scanJobs(rows)
		if err != nil {
			return err
		}

		for _, j := range jobs {
			j.State = StateLeased
			j.Consumer = consumer
			j.LeaseUntil = now.Add(lease)
			j.Attempts++
			j.UpdatedAt = now
			if err := updateJob(ctx, tx, j); err != nil {
				return err
			}
			claimed = append(claimed, j)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return claimed, nil
}

func (b *SQLiteBroker) Ack(ctx context.Context, id JobID, consumer, result string) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		j, err := b.leasedBy(ctx, tx, id, consumer)
		if err != nil {
			return err
		}
		j.State = StateDone
		j.Result = result
		j.Consumer = ""
		j.LeaseUntil = time.Time{}
		j.UpdatedAt = b.now()
		return updateJob(ctx, tx, j)
	})
}

func (b *SQLiteBroker) Nack(ctx context.Context, id JobID, consumer, errMsg string) (JobState, error) {
	var state JobState
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		j, err := b.leasedBy(ctx, tx, id, consumer)
		if err != nil {
			return err
		}
		b.policy.fail(&j, b.now(), errMsg)
		state = j.State
		return updateJob(ctx, tx, j)
	})
	return state, err
}

func (b *SQLiteBroker) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	moved := 0
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM hive_jobs
			WHERE state = ? AND lease_until <= ?`, string(StateLeased), now.UnixNano())
		if err != nil {
			return err
		}
		jobs, err := scanJobs(rows)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			b.policy.fail(&j, now, "lease expired")
			if err := updateJob(ctx, tx, j); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	return moved, err
}

func (b *SQLiteBroker) Get(ctx context.Context, id JobID) (Job, error) {
	if b.closed.Load() {
		return Job{}, ErrBrokerClosed
	}
	return getJob(ctx, b.db, id)
}

func (b *SQLiteBroker) ListDead(ctx context.Context, limit int) ([]Job, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	if limit <= 0 {
		limit = -1 // SQLite: 無上限
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM hive_jobs WHERE state = ? ORDER BY seq ASC LIMIT ?`,
		string(StateDead), limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (b *SQLiteBroker) Stats(ctx context.Context) (Stats, error) {
	if b.closed.Load() {
		return Stats{}, ErrBrokerClosed
	}
	rows, err := b.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM hive_jobs GROUP BY state`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, err
		}
		switch JobState(state) {
		case StateQueued:
			s.Queued = n
		case StateLeased:
			s.Leased = n
		case StateDone:
			s.Done = n
		case StateDead:
			s.Dead = n
		}
	}
	return s, rows.Err()
}

// Close 關閉資料庫連線，可重複呼叫
func (b *SQLiteBroker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

// ============================================================================
// 內部工具
// ============================================================================

func (b *SQLiteBroker) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *SQLiteBroker) leasedBy(ctx context.Context, q querier, id JobID, consumer string) (Job, error) {
	j, err := getJob(ctx, q, id)
	if err != nil {
		return Job{}, err
	}
	if j.State != StateLeased || j.Consumer != consumer {
		return Job{}, fmt.Errorf("%w: %s is %s", ErrLeaseMismatch, id, j.State)
	}
	return j, nil
}

func getJob(ctx context.Context, q querier, id JobID) (Job, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+jobColumns+` FROM hive_jobs WHERE id = ?`, string(id))
	if err != nil {
		return Job{}, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return Job{}, err
	}
	if len(jobs) == 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return jobs[0], nil
}

func updateJob(ctx context.Context, q querier, j Job) error {
	res, err := q.ExecContext(ctx, `
		UPDATE hive_jobs SET state = ?, attempts = ?, consumer = ?, lease_until = ?,
			available_at = ?, result = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(j.State), j.Attempts, j.Consumer, unixNano(j.LeaseUntil),
		unixNano(j.AvailableAt), j.Result, j.LastError, unixNano(j.UpdatedAt), string(j.ID))
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, j.ID)
	}
	return nil
}

// scanJobs 讀取全部列並關閉 rows
func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		var id, state, params string
		var leaseUntil, availableAt, enqueuedAt, updatedAt int64
		err := rows.Scan(&id, &j.TaskID, &j.Skill, &params, &j.Priority, &state, &j.Attempts, &j.MaxAttempts,
			&j.Consumer, &leaseUntil, &availableAt, &j.Result, &j.LastError, &enqueuedAt, &updatedAt)
		if err != nil {
			return nil, err
		}
		j.ID = JobID(id)
		j.State = JobState(state)
		if params != "" && params != "null" {
			if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
				return nil, errors.Join(ErrInvalidJob, fmt.Errorf("decode params of %s: %w", id, err))
			}
		}
		j.LeaseUntil = fromUnixNano(leaseUntil)
		j.AvailableAt = fromUnixNano(availableAt)
		j.EnqueuedAt = fromUnixNano(enqueuedAt)
		j.UpdatedAt = fromUnixNano(updatedAt)
		out = append(out, j)
	}
	return out, rows.Err()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

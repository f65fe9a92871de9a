package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mediacrawler/harvester/internal/model"
)

// Archive persists job results in sqlite so they outlive the in-memory
// retention window and process restarts.
type Archive struct {
	db *sql.DB
}

type ArchivedJob struct {
	ID         int
	JobID      string
	Platform   model.Platform
	Type       model.JobType
	InProgress bool
	StartedAt  time.Time
	FinishedAt *time.Time
	Result     *model.JobResult
}

func OpenArchive(ctx context.Context, path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL UNIQUE,
			platform TEXT NOT NULL,
			job_type TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER DEFAULT NULL,
			success BOOLEAN DEFAULT NULL,
			message TEXT DEFAULT NULL,
			item_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			payload TEXT DEFAULT NULL,
			errors TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

func rollback(ctx context.Context, tx *sql.Tx, jobID string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "rolling back archive transaction", "job_id", jobID, "error", err)
	}
}

// Start records that a job is running. Starting a running job again is a
// no-op; starting a finished one returns ErrAlreadyFinished.
func (a *Archive) Start(ctx context.Context, job model.CollectionJob) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, job.ID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM jobs WHERE job_id=?`, job.ID,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil:
		return ErrAlreadyFinished
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (job_id, platform, job_type, in_progress, started_at) VALUES (?,?,?,?,?)`,
		job.ID, string(job.Platform), string(job.Type), true, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Finish stores the result of a started job exactly once.
func (a *Archive) Finish(ctx context.Context, res model.JobResult) error {
	var payload, errs sql.NullString
	if res.Payload != nil {
		b, err := json.Marshal(res.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	if len(res.Errors) > 0 {
		b, err := json.Marshal(res.Errors)
		if err != nil {
			return fmt.Errorf("encoding errors: %w", err)
		}
		errs = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, res.JobID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM jobs WHERE job_id=?`, res.JobID,
	).Scan(&inProgress)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	case !inProgress:
		return ErrAlreadyFinished
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs
		 SET
			in_progress = false,
			finished_at = ?,
			success = ?,
			message = ?,
			item_count = ?,
			error_count = ?,
			payload = ?,
			errors = ?
		 WHERE job_id = ?`,
		time.Now().UTC().Unix(), res.Success, res.Message, res.ItemCount, res.ErrorCount,
		payload, errs, res.JobID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns the archived job or ErrNotFound.
func (a *Archive) Get(ctx context.Context, jobID string) (ArchivedJob, error) {
	var (
		row        ArchivedJob
		platform   string
		jobType    string
		started    int64
		finished   sql.NullInt64
		success    sql.NullBool
		message    sql.NullString
		itemCount  int
		errorCount int
		payload    sql.NullString
		errs       sql.NullString
	)
	err := a.db.QueryRowContext(ctx,
		`SELECT id, job_id, platform, job_type, in_progress, started_at, finished_at,
			success, message, item_count, error_count, payload, errors
		 FROM jobs WHERE job_id=?`, jobID,
	).Scan(
		&row.ID, &row.JobID, &platform, &jobType, &row.InProgress, &started, &finished,
		&success, &message, &itemCount, &errorCount, &payload, &errs,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ArchivedJob{}, ErrNotFound
	case err != nil:
		return ArchivedJob{}, fmt.Errorf("executing sql query failed: %w", err)
	}

	row.Platform = model.Platform(platform)
	row.Type = model.JobType(jobType)
	row.StartedAt = time.Unix(started, 0).UTC()
	if finished.Valid {
		t := time.Unix(finished.Int64, 0).UTC()
		row.FinishedAt = &t
	}
	if row.InProgress {
		return row, nil
	}

	res := &model.JobResult{
		JobID:      row.JobID,
		Success:    success.Bool,
		Message:    message.String,
		ItemCount:  itemCount,
		ErrorCount: errorCount,
	}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &res.Payload); err != nil {
			return ArchivedJob{}, fmt.Errorf("decoding payload: %w", err)
		}
	}
	if errs.Valid {
		if err := json.Unmarshal([]byte(errs.String), &res.Errors); err != nil {
			return ArchivedJob{}, fmt.Errorf("decoding errors: %w", err)
		}
	}
	row.Result = res
	return row, nil
}

func (a *Archive) Delete(ctx context.Context, jobID string) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id=?`, jobID)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

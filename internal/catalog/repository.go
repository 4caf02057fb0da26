package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/heimdex/heimdex-editor/internal/apperr"
	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/render"
)

type Repository interface {
	GetMedia(ctx context.Context, path string) (*MediaRecord, error)
	UpsertMedia(ctx context.Context, rec *MediaRecord) error
	DeleteMedia(ctx context.Context, path string) error
	ListMediaPaths(ctx context.Context) ([]string, error)
	CountMedia(ctx context.Context) (int, error)

	SaveJob(ctx context.Context, job export.Job) error
	GetJob(ctx context.Context, id string) (*export.Job, error)
	ListJobs(ctx context.Context, limit int) ([]export.Job, error)
	PruneJobs(ctx context.Context, keep int) (int64, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// mtime keeps nanoseconds so a rewrite within the same second is a miss.
const mtimeLayout = time.RFC3339Nano

func (r *SQLiteRepository) GetMedia(ctx context.Context, path string) (*MediaRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT path, size, mtime, fingerprint, duration, width, height, frame_rate, codec, has_audio, probed_at
		FROM media WHERE path = ?
	`, path)

	var rec MediaRecord
	var mtime, probedAt string
	var hasAudio int
	m := &rec.Media
	err := row.Scan(&m.Path, &rec.Size, &mtime, &rec.Fingerprint, &m.Duration, &m.Width, &m.Height,
		&m.FrameRate, &m.Codec, &hasAudio, &probedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.SizeBytes = rec.Size
	m.HasAudio = hasAudio == 1
	rec.Mtime, _ = time.Parse(mtimeLayout, mtime)
	rec.ProbedAt, _ = time.Parse(time.RFC3339, probedAt)
	return &rec, nil
}

func (r *SQLiteRepository) UpsertMedia(ctx context.Context, rec *MediaRecord) error {
	m := rec.Media
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO media (path, size, mtime, fingerprint, duration, width, height, frame_rate, codec, has_audio, probed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			mtime = excluded.mtime,
			fingerprint = excluded.fingerprint,
			duration = excluded.duration,
			width = excluded.width,
			height = excluded.height,
			frame_rate = excluded.frame_rate,
			codec = excluded.codec,
			has_audio = excluded.has_audio,
			probed_at = excluded.probed_at
	`, m.Path, rec.Size, rec.Mtime.UTC().Format(mtimeLayout), rec.Fingerprint, m.Duration, m.Width, m.Height,
		m.FrameRate, m.Codec, boolToInt(m.HasAudio), rec.ProbedAt.UTC().Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) DeleteMedia(ctx context.Context, path string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM media WHERE path = ?", path)
	return err
}

func (r *SQLiteRepository) ListMediaPaths(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT path FROM media ORDER BY path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (r *SQLiteRepository) CountMedia(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM media").Scan(&count)
	return count, err
}

// SaveJob inserts or updates an export job record. It satisfies
// export.JobStore.
func (r *SQLiteRepository) SaveJob(ctx context.Context, j export.Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO export_jobs (id, state, output_path, duration, op_count, op_index, op_kind, percent,
			error_kind, error_detail, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			op_index = excluded.op_index,
			op_kind = excluded.op_kind,
			percent = excluded.percent,
			error_kind = excluded.error_kind,
			error_detail = excluded.error_detail,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, j.ID, string(j.State), j.OutputPath, j.Duration, j.OpCount, j.OpIndex, nullString(string(j.OpKind)), j.Percent,
		nullString(string(j.ErrorKind)), nullString(j.ErrorDetail),
		j.CreatedAt.UTC().Format(time.RFC3339), nullTime(j.StartedAt), nullTime(j.FinishedAt))
	return err
}

const jobColumns = `id, state, output_path, duration, op_count, op_index, op_kind, percent,
	error_kind, error_detail, created_at, started_at, finished_at`

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*export.Job, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM export_jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]export.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM export_jobs ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []export.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// PruneJobs keeps the newest keep finished jobs and deletes the rest.
func (r *SQLiteRepository) PruneJobs(ctx context.Context, keep int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM export_jobs
		WHERE state IN ('completed', 'failed', 'cancelled')
		AND id NOT IN (SELECT id FROM export_jobs ORDER BY created_at DESC LIMIT ?)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*export.Job, error) {
	var j export.Job
	var state, createdAt string
	var opKind, errKind, errDetail, startedAt, finishedAt sql.NullString

	err := s.Scan(&j.ID, &state, &j.OutputPath, &j.Duration, &j.OpCount, &j.OpIndex, &opKind, &j.Percent,
		&errKind, &errDetail, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	j.State = export.State(state)
	j.OpKind = render.OpKind(opKind.String)
	j.ErrorKind = apperr.Kind(errKind.String)
	j.ErrorDetail = errDetail.String
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	j.StartedAt = parseNullTime(startedAt)
	j.FinishedAt = parseNullTime(finishedAt)
	return &j, nil
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

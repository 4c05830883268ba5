package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ossgateway/internal/submission/models"
	"ossgateway/pkg/platform/sentinel"
	"ossgateway/pkg/platform/tx"
)

//go:embed schema.sql
var schema string

const recordColumns = `id, source_id, tracking_id, registry_id, state, cached_response, error_detail,
	retry_count, applicant_name, applicant_nik, business_name, submitted_at, completed_at,
	created_at, updated_at`

const (
	selectBySource   = `SELECT ` + recordColumns + ` FROM registry_submissions WHERE source_id = $1`
	selectByTracking = `SELECT ` + recordColumns + ` FROM registry_submissions WHERE tracking_id = $1`

	insertRecord = `INSERT INTO registry_submissions (` + recordColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (source_id) DO NOTHING`

	updateRecord = `UPDATE registry_submissions SET
	tracking_id = $2, registry_id = $3, state = $4, cached_response = $5, error_detail = $6,
	retry_count = $7, applicant_name = $8, applicant_nik = $9, business_name = $10,
	submitted_at = $11, completed_at = $12, updated_at = $13
	WHERE id = $1`
)

// PostgresStore persists submission records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the table and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate registry_submissions: %w", err)
	}
	return nil
}

// Claim locks the source row (or inserts it) inside one transaction. An
// insert that loses a race falls back to the row the winner wrote.
func (s *PostgresStore) Claim(ctx context.Context, candidate *models.Record) (*models.Record, error) {
	var claimed *models.Record
	err := tx.Run(ctx, s.db, func(ctx context.Context, sqlTx *sql.Tx) error {
		existing, err := scanRecord(sqlTx.QueryRowContext(ctx, selectBySource+` FOR UPDATE`, candidate.SourceID))
		if errors.Is(err, sentinel.ErrNotFound) {
			res, insertErr := sqlTx.ExecContext(ctx, insertRecord, insertArgs(candidate)...)
			if insertErr != nil {
				return fmt.Errorf("insert submission: %w", insertErr)
			}
			if n, err := res.RowsAffected(); err == nil && n == 1 {
				claimed = candidate.Clone()
				return nil
			}
			existing, err = scanRecord(sqlTx.QueryRowContext(ctx, selectBySource+` FOR UPDATE`, candidate.SourceID))
		}
		if err != nil {
			return fmt.Errorf("find submission for claim: %w", err)
		}

		claimed, err = resolveClaim(existing, candidate)
		if err != nil {
			return err
		}
		return update(ctx, sqlTx, claimed)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *PostgresStore) Save(ctx context.Context, record *models.Record) error {
	return update(ctx, s.db, record)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func update(ctx context.Context, db execer, r *models.Record) error {
	res, err := db.ExecContext(ctx, updateRecord,
		r.ID, nullString(r.TrackingID), nullString(r.RegistryID), string(r.State),
		nullJSON(r.CachedResponse), nullString(r.ErrorDetail), r.RetryCount,
		r.ApplicantName, r.ApplicantNIK, r.BusinessName,
		nullTime(r.SubmittedAt), nullTime(r.CompletedAt), r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update submission %s: %w", r.SourceID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) FindBySourceID(ctx context.Context, sourceID string) (*models.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectBySource, sourceID))
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, fmt.Errorf("find submission by source: %w", err)
	}
	return r, err
}

func (s *PostgresStore) FindByTrackingID(ctx context.Context, trackingID string) (*models.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectByTracking, trackingID))
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, fmt.Errorf("find submission by tracking id: %w", err)
	}
	return r, err
}

// List returns records newest first.
func (s *PostgresStore) List(ctx context.Context, filter models.ListFilter) (models.ListResult, error) {
	filter = filter.Normalize()
	result := models.ListResult{Page: filter.Page, Limit: filter.Limit}

	where := ""
	args := []any{}
	if filter.State != "" {
		where = ` WHERE state = $1`
		args = append(args, string(filter.State))
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registry_submissions`+where, args...).Scan(&result.Total); err != nil {
		return models.ListResult{}, fmt.Errorf("count submissions: %w", err)
	}

	n := len(args)
	query := `SELECT ` + recordColumns + ` FROM registry_submissions` + where +
		` ORDER BY created_at DESC, source_id LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset())...)
	if err != nil {
		return models.ListResult{}, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return models.ListResult{}, fmt.Errorf("scan submission: %w", err)
		}
		result.Records = append(result.Records, r)
	}
	if err := rows.Err(); err != nil {
		return models.ListResult{}, fmt.Errorf("list submissions: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		r                        models.Record
		state                    string
		trackingID, registryID   sql.NullString
		cached, errorDetail      sql.NullString
		submittedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.SourceID, &trackingID, &registryID, &state, &cached, &errorDetail,
		&r.RetryCount, &r.ApplicantName, &r.ApplicantNIK, &r.BusinessName,
		&submittedAt, &completedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.State = models.State(state)
	r.TrackingID = trackingID.String
	r.RegistryID = registryID.String
	r.ErrorDetail = errorDetail.String
	if cached.Valid {
		r.CachedResponse = json.RawMessage(cached.String)
	}
	if submittedAt.Valid {
		t := submittedAt.Time
		r.SubmittedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func insertArgs(r *models.Record) []any {
	return []any{
		r.ID, r.SourceID, nullString(r.TrackingID), nullString(r.RegistryID), string(r.State),
		nullJSON(r.CachedResponse), nullString(r.ErrorDetail), r.RetryCount,
		r.ApplicantName, r.ApplicantNIK, r.BusinessName,
		nullTime(r.SubmittedAt), nullTime(r.CompletedAt), r.CreatedAt, r.UpdatedAt,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/DataHandover/internal/domain"
	"github.com/Strob0t/DataHandover/internal/domain/handover"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const handoverColumns = `token, src_uri, tgt_uri, contact, change_type, comment, check_group,
	COALESCE(validation_job_id, ''), COALESCE(copy_job_id, ''), COALESCE(metadata_job_id, ''),
	state, version, created_at, updated_at`

func (s *Store) CreateHandover(ctx context.Context, h handover.Handover) (*handover.Handover, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO handovers (token, src_uri, tgt_uri, contact, change_type, comment, check_group, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+handoverColumns,
		h.Token, h.SrcURI, h.TgtURI, h.Contact, h.ChangeType, h.Comment, h.Group, string(h.State))

	created, err := scanHandover(row)
	if err != nil {
		return nil, fmt.Errorf("create handover: %w", err)
	}
	return &created, nil
}

func (s *Store) GetHandover(ctx context.Context, token string) (*handover.Handover, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+handoverColumns+` FROM handovers WHERE token = $1`, token)

	h, err := scanHandover(row)
	if err != nil {
		return nil, notFoundWrap(err, "get handover %s", token)
	}
	return &h, nil
}

func (s *Store) ListHandovers(ctx context.Context) ([]handover.Handover, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+handoverColumns+` FROM handovers ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list handovers: %w", err)
	}
	defer rows.Close()

	var handovers []handover.Handover
	for rows.Next() {
		h, err := scanHandover(rows)
		if err != nil {
			return nil, fmt.Errorf("scan handover: %w", err)
		}
		handovers = append(handovers, h)
	}
	return handovers, rows.Err()
}

func (s *Store) UpdateState(ctx context.Context, token string, state handover.State) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE handovers SET state = $2, version = version + 1, updated_at = now()
		 WHERE token = $1`, token, string(state))
	return execExpectOne(tag, err, "update state of handover %s", token)
}

func (s *Store) SetValidationJobID(ctx context.Context, token, jobID string) error {
	return s.setJobID(ctx, "validation_job_id", token, jobID)
}

func (s *Store) SetCopyJobID(ctx context.Context, token, jobID string) error {
	return s.setJobID(ctx, "copy_job_id", token, jobID)
}

func (s *Store) SetMetadataJobID(ctx context.Context, token, jobID string) error {
	return s.setJobID(ctx, "metadata_job_id", token, jobID)
}

// setJobID writes a job id column at most once. The conditional UPDATE only
// matches while the column is NULL; on zero rows a follow-up SELECT tells a
// missing handover from an already-recorded id. column is one of the three
// fixed job id columns, never caller input.
func (s *Store) setJobID(ctx context.Context, column, token, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE handovers SET `+column+` = $2, version = version + 1, updated_at = now()
		 WHERE token = $1 AND `+column+` IS NULL`, token, jobID)
	if err != nil {
		return fmt.Errorf("set %s of handover %s: %w", column, token, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var existing *string
	err = s.pool.QueryRow(ctx,
		`SELECT `+column+` FROM handovers WHERE token = $1`, token).Scan(&existing)
	if err != nil {
		return notFoundWrap(err, "set %s of handover %s", column, token)
	}
	if existing != nil && *existing == jobID {
		return nil
	}
	return fmt.Errorf("set %s of handover %s: already recorded: %w", column, token, domain.ErrConflict)
}

func scanHandover(row scannable) (handover.Handover, error) {
	var h handover.Handover
	err := row.Scan(
		&h.Token, &h.SrcURI, &h.TgtURI, &h.Contact, &h.ChangeType, &h.Comment, &h.Group,
		&h.ValidationJobID, &h.CopyJobID, &h.MetadataJobID,
		&h.State, &h.Version, &h.CreatedAt, &h.UpdatedAt,
	)
	return h, err
}

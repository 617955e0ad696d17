package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/DataHandover/internal/port/translog"
)

// TransitionLog implements translog.Log using PostgreSQL (append-only).
type TransitionLog struct {
	pool *pgxpool.Pool
}

// NewTransitionLog creates a new TransitionLog backed by the given pool.
func NewTransitionLog(pool *pgxpool.Pool) *TransitionLog {
	return &TransitionLog{pool: pool}
}

// Append inserts a new transition into the handover_transitions table.
func (l *TransitionLog) Append(ctx context.Context, tr translog.Transition) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO handover_transitions (token, from_state, to_state, message, request_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		tr.Token, string(tr.From), string(tr.To), tr.Message, tr.RequestID)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

// ListByToken returns all transitions of a handover, oldest first.
func (l *TransitionLog) ListByToken(ctx context.Context, token string) ([]translog.Transition, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, token, from_state, to_state, message, request_id, created_at
		 FROM handover_transitions WHERE token = $1 ORDER BY id ASC`, token)
	if err != nil {
		return nil, fmt.Errorf("list transitions of %s: %w", token, err)
	}
	defer rows.Close()

	var transitions []translog.Transition
	for rows.Next() {
		var tr translog.Transition
		if err := rows.Scan(&tr.ID, &tr.Token, &tr.From, &tr.To, &tr.Message, &tr.RequestID, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}

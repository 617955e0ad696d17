package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/DataHandover/internal/domain/handover"
)

// invalid_catalog_name: the server is reachable but the database is not there.
const invalidCatalogCode = "3D000"

const probeTimeout = 10 * time.Second

// Resolver answers whether a database URI points at an existing, reachable
// database. Each probe opens a short-lived connection; a weighted semaphore
// bounds how many probes run at once so a burst of submissions cannot pile
// connections onto the source server.
type Resolver struct {
	sem *semaphore.Weighted
}

// NewResolver creates a Resolver allowing at most maxProbes concurrent probes.
func NewResolver(maxProbes int64) *Resolver {
	if maxProbes < 1 {
		maxProbes = 1
	}
	return &Resolver{sem: semaphore.NewWeighted(maxProbes)}
}

// Exists connects to the database named by uri. A server that answers with
// invalid_catalog_name yields (false, nil): reachable, database missing.
// Any other failure (unreachable host, bad credentials) is an error.
func (r *Resolver) Exists(ctx context.Context, uri string) (bool, error) {
	name, err := handover.DatabaseName(uri)
	if err != nil {
		return false, err
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("acquire probe slot: %w", err)
	}
	defer r.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, uri)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == invalidCatalogCode {
			return false, nil
		}
		return false, fmt.Errorf("probe database %s: %w", name, err)
	}
	defer func() { _ = conn.Close(ctx) }()

	return true, nil
}

// Package dbcheck defines the port for source database existence checks.
package dbcheck

import "context"

// Resolver answers whether a database URI points at an existing database.
// A handover is refused at intake when its source cannot be resolved.
type Resolver interface {
	Exists(ctx context.Context, uri string) (bool, error)
}

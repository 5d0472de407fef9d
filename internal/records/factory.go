package records

import (
	"context"
	"errors"
	"strings"
)

// ErrNoBackend is returned when neither a database URL nor a fixtures file is
// configured.
var ErrNoBackend = errors.New("no record store configured")

// NewStore opens Postgres when databaseURL is set, otherwise an in-memory
// store seeded from fixturesPath.
func NewStore(ctx context.Context, databaseURL, fixturesPath string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(fixturesPath) != "" {
		return LoadMemoryStore(fixturesPath)
	}
	return nil, ErrNoBackend
}

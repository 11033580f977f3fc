package ledger

import (
	"context"
	"fmt"
)

// Drivers recognised by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open opens the configured backend and applies its schema.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		store Store
		err   error
	)
	switch driver {
	case DriverSQLite, "":
		if dsn == "" {
			if dsn, err = DefaultSQLitePath(); err != nil {
				return nil, err
			}
		}
		store, err = OpenSQLite(dsn)
	case DriverPostgres:
		store, err = OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

package notifications

import (
	"context"
	"fmt"
	"path/filepath"
)

// Open returns the store for driver: "postgres" connects to dsn and
// migrates the schema, anything else opens notifications.db in dataDir.
func Open(ctx context.Context, driver, dataDir, dsn string) (Store, error) {
	if driver != "postgres" {
		s, err := NewSQLiteStore(filepath.Join(dataDir, "notifications.db"))
		if err != nil {
			return nil, fmt.Errorf("open notification store: %w", err)
		}
		return s, nil
	}
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

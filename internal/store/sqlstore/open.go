package sqlstore

import (
	"context"

	"github.com/cofretracker/cofre_tracker/internal/db"
)

// OpenSQLite opens the SQLite file at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	conn, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return migrated(ctx, New(conn, SQLite))
}

// OpenPostgres connects to dsn and migrates the queue table.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	conn, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return migrated(ctx, New(conn, Postgres))
}

func migrated(ctx context.Context, s *Store) (*Store, error) {
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

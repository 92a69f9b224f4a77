package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"

	"github.com/pressly/goose/v3"
	gooselock "github.com/pressly/goose/v3/lock"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Held for the whole run so two processes starting together do not apply the
// same file twice.
const migrationLockKey int64 = 4120719

func migrationFiles() (fs.FS, error) {
	return fs.Sub(embeddedMigrations, "migrations")
}

func (s *Store) migrator() (*goose.Provider, error) {
	fsys, err := migrationFiles()
	if err != nil {
		return nil, err
	}
	locker, err := gooselock.NewPostgresSessionLocker(gooselock.WithLockID(migrationLockKey))
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(goose.DialectPostgres, s.db.DB, fsys, goose.WithSessionLocker(locker))
}

// Migrate applies every embedded migration that has not run yet, one
// transaction per file.
func (s *Store) Migrate(ctx context.Context) error {
	provider, err := s.migrator()
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for _, r := range results {
		s.logger.Info("migration applied",
			zap.Int64("version", r.Source.Version),
			zap.String("file", path.Base(r.Source.Path)),
			zap.Duration("took", r.Duration),
		)
	}
	return nil
}

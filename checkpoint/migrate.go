package checkpoint

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// URL scheme driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate applies the embedded checkpoint-store migrations to dsn. dsn
// must use the
// pgx5:// URL scheme golang-migrate's driver registers (rewrite a plain
// postgres:// DATABASE_URL's scheme before calling Migrate; Open
// takes the unmodified postgres:// form).
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("checkpoint: load migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("checkpoint: init migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("checkpoint: apply migrations: %w", err)
	}
	return nil
}

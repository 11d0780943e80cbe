package db

import (
	"database/sql"
	"fmt"

	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/migration"
	"go.uber.org/zap"
)

// migrator applies one subsystem's migrations in order. Each migration runs in its own
// transaction together with the row recording it, so a failure leaves earlier ones in place.
type migrator struct {
	db         *Database
	name       string
	table      string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
	lock       bool
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration, lock bool) *migrator {
	return &migrator{
		db:         db,
		name:       name,
		table:      fmt.Sprintf("_migrations_%s", name),
		log:        c.Logger(fmt.Sprintf("db/migrator%s", name)),
		migrations: migrations,
		lock:       lock,
	}
}

func (m *migrator) migrate() error {
	var applied int
	if err := m.run(fmt.Sprintf("preparing %s migrations", m.name), func() error {
		if _, err := m.db.Tx.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY,
				version TEXT NOT NULL
			)`, m.table)); err != nil {
			return err
		}
		return m.db.Tx.Get(&applied, fmt.Sprintf("SELECT count(*) FROM %s", m.table))
	}); err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if applied > len(m.migrations) {
		return fmt.Errorf("migrator: %s has %d applied migrations but only %d are defined", m.name, applied, len(m.migrations))
	}

	for i := applied; i < len(m.migrations); i++ {
		if err := m.apply(i, m.migrations[i]); err != nil {
			return fmt.Errorf("migrator: error while running migrations: %w", err)
		}
	}
	return nil
}

func (m *migrator) apply(id int, mig *migration.Migration) error {
	return m.run(mig.String(), func() error {
		m.log.Debugf("applying migration %d %q", id, mig.Name)
		if err := mig.Func(m.db.Tx.Tx); err != nil {
			return err
		}
		_, err := m.db.Tx.Exec(fmt.Sprintf("INSERT INTO %s (id, version) VALUES (?, ?)", m.table), id, mig.String())
		return err
	})
}

func (m *migrator) run(label string, f RunnerFunc) error {
	if m.lock {
		return m.db.Run(label, f)
	}
	return m.db.RunTx(label, &sql.TxOptions{Isolation: sql.LevelDefault}, f)
}

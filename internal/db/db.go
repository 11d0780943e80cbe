// This package defines the SQLCipher database backing the inbox. All access is serialized by one
// lock; subsystems run their work inside Run or RunReadOnly and may register functions to run once
// the transaction has committed.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-inbox/clock"
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/migration"
	sqlite3 "github.com/meow-io/go-sqlcipher"
	"go.uber.org/zap"
)

const (
	driverName = "sqlite3_inbox"
	keyLength  = 32
	dsnFormat  = "file:%s?_locking_mode=EXCLUSIVE&_busy_timeout=100&_secure_delete=on&_journal_mode=WAL&_auto_vacuum=2&_synchronous=3&cache=private&mode=rwc&_pragma_key=x'%x'"

	slowTransaction = time.Second
)

type state int

const (
	stateNew state = iota
	stateInitialized
	stateRunning
)

var (
	ErrWrongState = errors.New("db: wrong state")
	ErrKeyLength  = errors.New("db: key must be 32 bytes")
)

type RunnerFunc func() error

type Database struct {
	Log  *zap.SugaredLogger
	Conn *sqlx.DB
	Tx   *sqlx.Tx

	clock       clock.Clock
	config      *config.Config
	state       state
	lock        sync.Mutex
	path        string
	afterCommit []func()
	ctx         context.Context
	cancelFn    context.CancelFunc
}

func NewDatabase(c *config.Config, cl clock.Clock, path string) (*Database, error) {
	log := c.Logger("db")
	log.Debugf("making database at %s", path)

	s := stateInitialized
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		s = stateNew
	}

	registerDriver()
	db := &Database{
		Log:    log,
		clock:  cl,
		config: c,
		path:   path,
		state:  s,
	}
	db.resetContext()
	return db, nil
}

func (db *Database) resetContext() {
	db.ctx, db.cancelFn = context.WithCancel(context.Background())
}

func (db *Database) expect(s state, key []byte) error {
	if db.state != s {
		return fmt.Errorf("%w: expected %d got %d", ErrWrongState, s, db.state)
	}
	if len(key) != keyLength {
		return fmt.Errorf("%w: got %d", ErrKeyLength, len(key))
	}
	return nil
}

// Initialize creates the encrypted file for key without leaving it open.
func (db *Database) Initialize(key []byte) error {
	if err := db.expect(stateNew, key); err != nil {
		return err
	}
	conn, err := db.connect(key)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil {
		return err
	}
	db.state = stateInitialized
	return nil
}

func (db *Database) Initialized() bool {
	return db.state == stateInitialized
}

func (db *Database) Open(key []byte) error {
	if err := db.expect(stateInitialized, key); err != nil {
		return err
	}
	conn, err := db.connect(key)
	if err != nil {
		return err
	}
	db.Conn = conn
	db.state = stateRunning
	return nil
}

// Shutdown waits for the running transaction, then closes the connection. The database can be
// opened again afterwards.
func (db *Database) Shutdown() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.cancelFn()
	if db.Conn == nil {
		return nil
	}
	err := db.Conn.Close()
	db.Conn = nil
	db.resetContext()
	db.state = stateInitialized
	return err
}

func (db *Database) Migrate(name string, migrations []*migration.Migration) error {
	return newMigrator(db.config, db, name, migrations, true).migrate()
}

// MigrateNoLock is for subsystems constructed while the caller already holds the lock.
func (db *Database) MigrateNoLock(name string, migrations []*migration.Migration) error {
	return newMigrator(db.config, db, name, migrations, false).migrate()
}

// AfterCommit schedules f to run in its own goroutine once the current transaction commits. It is
// discarded on rollback.
func (db *Database) AfterCommit(f func()) {
	if db.Tx == nil {
		panic("db: AfterCommit outside of a transaction")
	}
	db.afterCommit = append(db.afterCommit, f)
}

// NowMs is the wall clock used to stamp rows written inside a transaction.
func (db *Database) NowMs() int64 {
	return db.clock.CurrentTimeMs()
}

func (db *Database) Lock(label string, runner RunnerFunc) error {
	start := time.Now()
	db.lock.Lock()
	obtained := time.Now()
	defer func() {
		exec := time.Since(obtained)
		if exec > slowTransaction {
			db.Log.Warnf("slow %s wait=%s exec=%s", label, obtained.Sub(start), exec)
		} else {
			db.Log.Debugf("completed %s wait=%s exec=%s", label, obtained.Sub(start), exec)
		}
		db.lock.Unlock()
	}()
	return runner()
}

func (db *Database) RunTx(label string, txOptions *sql.TxOptions, runner RunnerFunc) error {
	if db.Tx != nil {
		panic(fmt.Sprintf("db: %s started inside another transaction", label))
	}
	if err := db.begin(label, txOptions); err != nil {
		return err
	}
	defer func() {
		db.Tx = nil
		db.afterCommit = nil
	}()

	if err := runner(); err != nil {
		db.Log.Debugf("rolling back %s due to %v", label, err)
		if rbErr := db.Tx.Rollback(); rbErr != nil {
			db.Log.Warnf("error while rolling back %s: %v", label, rbErr)
		}
		return fmt.Errorf("error during %s: %w", label, err)
	}
	if err := db.Tx.Commit(); err != nil {
		db.Log.Warnf("error while committing %s: %v", label, err)
		return fmt.Errorf("db: error committing %s: %w", label, err)
	}
	for _, f := range db.afterCommit {
		go f()
	}
	return nil
}

func (db *Database) begin(label string, txOptions *sql.TxOptions) error {
	if db.Conn == nil {
		return fmt.Errorf("%w: %s on a closed database", ErrWrongState, label)
	}
	tx, err := db.Conn.BeginTxx(db.ctx, txOptions)
	if err != nil {
		return fmt.Errorf("db: error starting transaction for %s: %w", label, err)
	}
	if _, err := tx.Exec("PRAGMA defer_foreign_keys = ON"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("db: error enabling defer_foreign_keys: %w", err)
	}
	db.Tx = tx
	db.afterCommit = make([]func(), 0)
	return nil
}

func (db *Database) Run(label string, runner RunnerFunc) error {
	return db.Lock(label, func() error {
		return db.RunTx(label, &sql.TxOptions{Isolation: sql.LevelDefault}, runner)
	})
}

func (db *Database) RunReadOnly(label string, runner RunnerFunc) error {
	return db.Lock(label, func() error {
		return db.RunTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: true}, runner)
	})
}

func (db *Database) connect(key []byte) (*sqlx.DB, error) {
	conn, err := sqlx.Open(driverName, fmt.Sprintf(dsnFormat, url.PathEscape(db.path), key))
	if err != nil {
		return nil, fmt.Errorf("db: error opening %s: %w", db.path, err)
	}
	conn.DB.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"SELECT name FROM sqlite_master LIMIT 1",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = 2",
	} {
		if _, err := conn.Exec(stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("db: error running %q: %w", stmt, err)
		}
	}
	return conn, nil
}

func registerDriver() {
	for _, d := range sql.Drivers() {
		if d == driverName {
			return
		}
	}
	sql.Register(driverName, &sqlite3.SQLiteDriver{})
}

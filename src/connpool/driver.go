package connpool

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"time"

	"branchdb/src/dberrors"

	"github.com/jmoiron/sqlx"
	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/sys/unix"
)

// DriverName is the database/sql driver every tenant store is opened with.
// It is the stock go-sqlite3 driver plus a connect hook that turns off
// automatic WAL checkpointing.
const DriverName = "branchdb_sqlite3"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			_, err := conn.Exec("PRAGMA wal_autocheckpoint=0", nil)
			return err
		},
	})
}

// The first 16 bytes of every SQLite database file.
var sqliteHeaderMagic = []byte("SQLite format 3\x00")

const sqliteHeaderSize = 100

// dsn builds the connection string carrying the fixed configuration:
// WAL journal, synchronous=NORMAL, foreign keys on and immediate write
// transactions. create=false refuses to create a missing file.
func dsn(path string, busyTimeout time.Duration, create bool) string {
	mode := "rw"
	if create {
		mode = "rwc"
	}
	params := url.Values{}
	params.Set("mode", mode)
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout.Milliseconds()))
	params.Set("_txlock", "immediate")
	return "file:" + path + "?" + params.Encode()
}

// checkHeader memory maps the start of an existing store and verifies the
// SQLite magic. Empty files are accepted; SQLite initializes them on first
// write.
func checkHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("store %s: %w", path, dberrors.NotFound)
		}
		return fmt.Errorf("error opening store %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to get file stats: %w", err)
	}
	if stat.IsDir() {
		return fmt.Errorf("store %s is a directory: %w", path, dberrors.StorageCorrupt)
	}
	size := stat.Size()
	if size == 0 {
		return nil
	}
	if size < sqliteHeaderSize {
		return fmt.Errorf("store %s truncated to %d bytes: %w", path, size, dberrors.StorageCorrupt)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, sqliteHeaderSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("failed to memory map store %s: %w", path, err)
	}
	defer unix.Munmap(data)

	if !bytes.Equal(data[:len(sqliteHeaderMagic)], sqliteHeaderMagic) {
		return fmt.Errorf("store %s has no SQLite header: %w", path, dberrors.StorageCorrupt)
	}
	return nil
}

// openStore opens and pings one store so that the connect-time pragmas run
// and any open failure surfaces here rather than on first use.
func openStore(ctx context.Context, path string, busyTimeout time.Duration, create bool) (*sqlx.DB, error) {
	if !create {
		if err := checkHeader(path); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open(DriverName, dsn(path, busyTimeout, create))
	if err != nil {
		return nil, fmt.Errorf("error opening store %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classifyOpenError(path, err)
	}
	return db, nil
}

func classifyOpenError(path string, err error) error {
	if ctxErr := dberrors.FromContext(err); ctxErr != err {
		return fmt.Errorf("opening store %s: %w", path, ctxErr)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
			return fmt.Errorf("store %s: %w: %w", path, dberrors.StorageCorrupt, err)
		case sqlite3.ErrCantOpen:
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				return fmt.Errorf("store %s: %w", path, dberrors.NotFound)
			}
		}
	}
	return fmt.Errorf("error opening store %s: %w", path, err)
}

// IsBusy reports whether err is SQLite refusing work because another
// connection holds a lock.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

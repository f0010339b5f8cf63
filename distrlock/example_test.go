/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package distrlock_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/distrlock"
)

func ExampleDoExclusively() {
	dir, err := os.MkdirTemp("", "distrlock-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir) // nolint: errcheck

	db, err := sql.Open("sqlite3", filepath.Join(dir, "app.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close() // nolint: errcheck

	ctx := context.Background()

	// Create "distributed_locks" table for locks.
	createTableSQL, err := distrlock.CreateTableSQL(schemakit.DialectSQLite)
	if err != nil {
		log.Fatal(err)
	}
	if _, err = db.ExecContext(ctx, createTableSQL); err != nil {
		log.Fatal(err)
	}

	// Unique key that will be used to ensure exclusive execution among multiple instances.
	const lockKey = "test-lock-key-1"
	err = distrlock.DoExclusively(ctx, db, schemakit.DialectSQLite, lockKey, func(ctx context.Context) error {
		fmt.Println("working exclusively")
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}

	// Output:
	// working exclusively
}

func ExampleNewDBManager() {
	dir, err := os.MkdirTemp("", "distrlock-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir) // nolint: errcheck

	db, err := sql.Open("sqlite3", filepath.Join(dir, "app.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close() // nolint: errcheck

	lockManager, err := distrlock.NewDBManager(schemakit.DialectSQLite, distrlock.WithTableName("my_distributed_locks"))
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if _, err = db.ExecContext(ctx, lockManager.CreateTableSQL()); err != nil {
		log.Fatal(err)
	}

	const lockKey = "test-lock-key-2"
	lock, err := lockManager.NewLock(ctx, db, lockKey)
	if err != nil {
		log.Fatal(err)
	}

	// Acquire the lock with a short TTL and let it expire.
	if err = lock.Acquire(ctx, db, 50*time.Millisecond); err != nil {
		log.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond) // Simulate long work.

	if err = lock.Release(ctx, db); errors.Is(err, distrlock.ErrLockAlreadyReleased) {
		fmt.Println("distributed lock already released")
	}

	// Output:
	// distributed lock already released
}

/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package testing contains helpers that start real database servers in Docker for integration tests.
package testing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mariadb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	schemakit "github.com/acronis/go-schemakit"
)

// Container images used for integration tests.
const (
	PostgresImage = "postgres:16-alpine"
	MariaDBImage  = "mariadb:11.4"
)

const (
	testDBName     = "schemakit_test"
	testDBUser     = "schemakit"
	testDBPassword = "schemakit-password" //nolint: gosec
)

// StopFunc terminates a started database container.
type StopFunc func(ctx context.Context) error

// RunTestDB starts a database server for the dialect and returns a connection string
// accepted by schemakit.ParseConnString.
func RunTestDB(ctx context.Context, dialect schemakit.Dialect) (string, StopFunc, error) {
	switch dialect {
	case schemakit.DialectPostgres, schemakit.DialectPgx:
		return runPostgres(ctx, dialect)
	case schemakit.DialectMySQL:
		return runMariaDB(ctx)
	}
	return "", nil, fmt.Errorf("no test container for dialect %s", dialect)
}

// MustRunAndOpenTestDB starts a database server for the dialect and opens it.
// The driver of the dialect must be imported by the caller. It panics on failure.
func MustRunAndOpenTestDB(ctx context.Context, dialect schemakit.Dialect) (*sql.DB, string, StopFunc) {
	connString, stop, err := RunTestDB(ctx, dialect)
	if err != nil {
		panic(err)
	}
	info, err := schemakit.ParseConnString(connString)
	if err != nil {
		_ = stop(ctx)
		panic(err)
	}
	db, err := sql.Open(info.DriverName, info.DSN)
	if err != nil {
		_ = stop(ctx)
		panic(err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = stop(ctx)
		panic(err)
	}
	return db, connString, func(ctx context.Context) error {
		_ = db.Close()
		return stop(ctx)
	}
}

func runPostgres(ctx context.Context, dialect schemakit.Dialect) (string, StopFunc, error) {
	c, err := postgres.Run(ctx, PostgresImage,
		postgres.WithDatabase(testDBName),
		postgres.WithUsername(testDBUser),
		postgres.WithPassword(testDBPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("run postgres container: %w", err)
	}
	stop := terminator(c)
	connString, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = stop(ctx)
		return "", nil, fmt.Errorf("get postgres connection string: %w", err)
	}
	if dialect == schemakit.DialectPgx {
		connString = "pgx://" + strings.TrimPrefix(connString, "postgres://")
	}
	return connString, stop, nil
}

func runMariaDB(ctx context.Context) (string, StopFunc, error) {
	c, err := mariadb.Run(ctx, MariaDBImage,
		mariadb.WithDatabase(testDBName),
		mariadb.WithUsername(testDBUser),
		mariadb.WithPassword(testDBPassword),
	)
	if err != nil {
		return "", nil, fmt.Errorf("run mariadb container: %w", err)
	}
	stop := terminator(c)
	host, err := c.Host(ctx)
	if err != nil {
		_ = stop(ctx)
		return "", nil, fmt.Errorf("get mariadb host: %w", err)
	}
	port, err := c.MappedPort(ctx, "3306/tcp")
	if err != nil {
		_ = stop(ctx)
		return "", nil, fmt.Errorf("get mariadb port: %w", err)
	}
	connString := schemakit.MakeMySQLConnString(&schemakit.MySQLConfig{
		Host:     host,
		Port:     port.Int(),
		User:     testDBUser,
		Password: testDBPassword,
		Database: testDBName,
	})
	return connString, stop, nil
}

func terminator(c testcontainers.Container) StopFunc {
	return func(ctx context.Context) error {
		return testcontainers.TerminateContainer(c, testcontainers.StopContext(ctx))
	}
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

const (
	MaxDBConnIdleTime = 10 * time.Second
	MaxOpenDBConns    = 20
)

// ConnectionPool is the database handle shared by every model. The block
// ledger is the sole multi-writer table, so each logical operation maps to a
// single row-level statement and the pool is safe to share across the
// per-identity tasks.
type ConnectionPool interface {
	SQLExecuter
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (Transaction, error)
	Close() error
	Ping(ctx context.Context) error
	SqlDB() *sql.DB
}

var _ ConnectionPool = (*ConnectionPoolImplementation)(nil)

type ConnectionPoolImplementation struct {
	*sqlx.DB
}

func OpenDBConnectionPool(dataSourceName string) (ConnectionPool, error) {
	sqlxDB, err := sqlx.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("creating DB connection pool: %w", err)
	}
	sqlxDB.SetConnMaxIdleTime(MaxDBConnIdleTime)
	sqlxDB.SetMaxOpenConns(MaxOpenDBConns)

	if err = sqlxDB.Ping(); err != nil {
		return nil, fmt.Errorf("pinging DB connection pool: %w", err)
	}

	return &ConnectionPoolImplementation{DB: sqlxDB}, nil
}

//nolint:wrapcheck // thin layer on top of sqlx.DB.BeginTxx
func (db *ConnectionPoolImplementation) BeginTxx(ctx context.Context, opts *sql.TxOptions) (Transaction, error) {
	return db.DB.BeginTxx(ctx, opts)
}

//nolint:wrapcheck // thin layer on top of sqlx.DB.PingContext
func (db *ConnectionPoolImplementation) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

func (db *ConnectionPoolImplementation) SqlDB() *sql.DB {
	return db.DB.DB
}

// Transaction wraps the sqlx.Tx struct's methods.
type Transaction interface {
	SQLExecuter
	Rollback() error
	Commit() error
}

var _ Transaction = (*sqlx.Tx)(nil)

// SQLExecuter is implemented by both *sqlx.DB and *sqlx.Tx so models can run
// inside or outside a transaction.
type SQLExecuter interface {
	DriverName() string
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	sqlx.PreparerContext
	sqlx.QueryerContext
	Rebind(query string) string
}

var (
	_ SQLExecuter = (*sqlx.DB)(nil)
	_ SQLExecuter = (ConnectionPool)(nil)
	_ SQLExecuter = (*sqlx.Tx)(nil)
	_ SQLExecuter = (Transaction)(nil)
)

// RunInTransaction runs the given atomic function in a database transaction.
func RunInTransaction(ctx context.Context, pool ConnectionPool, opts *sql.TxOptions, atomicFunction func(dbTx Transaction) error) error {
	wrappedFunction := func(dbTx Transaction) (interface{}, error) {
		return nil, atomicFunction(dbTx)
	}

	_, err := RunInTransactionWithResult(ctx, pool, opts, wrappedFunction)
	return err
}

// RunInTransactionWithResult runs the given atomic function in a database
// transaction and returns its result.
func RunInTransactionWithResult[T any](ctx context.Context, pool ConnectionPool, opts *sql.TxOptions, atomicFunction func(dbTx Transaction) (T, error)) (result T, err error) {
	dbTx, err := pool.BeginTxx(ctx, opts)
	if err != nil {
		return *new(T), fmt.Errorf("beginning db transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rollbackErr := dbTx.Rollback(); rollbackErr != nil {
				logrus.Errorf("rolling back transaction after panic: %v", rollbackErr)
			}
			panic(p)
		}
	}()

	result, err = atomicFunction(dbTx)
	if err != nil {
		if rollbackErr := dbTx.Rollback(); rollbackErr != nil {
			logrus.Errorf("rolling back transaction: %v", rollbackErr)
		}
		return *new(T), fmt.Errorf("running atomic function in RunInTransactionWithResult: %w", err)
	}

	if err = dbTx.Commit(); err != nil {
		return *new(T), fmt.Errorf("committing transaction: %w", err)
	}

	return result, nil
}

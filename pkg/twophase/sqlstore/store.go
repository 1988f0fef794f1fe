package sqlstore

import (
	"context"
	"database/sql"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-sql-driver/mysql"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"

	"github.com/grafana/txnproducer/pkg/twophase"
)

const (
	createTableQuery = `CREATE TABLE IF NOT EXISTS pending_transactions (
	transactional_id VARCHAR(255) NOT NULL PRIMARY KEY,
	producer_id BIGINT NOT NULL,
	epoch SMALLINT NOT NULL,
	coordinator_id INT NOT NULL,
	marker VARCHAR(255) NOT NULL,
	prepared_at DATETIME(6) NOT NULL
)`

	upsertQuery = `INSERT INTO pending_transactions (transactional_id, producer_id, epoch, coordinator_id, marker, prepared_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE producer_id = VALUES(producer_id), epoch = VALUES(epoch), coordinator_id = VALUES(coordinator_id), marker = VALUES(marker), prepared_at = VALUES(prepared_at)`

	listQuery = `SELECT transactional_id, producer_id, epoch, coordinator_id, marker, prepared_at FROM pending_transactions ORDER BY prepared_at`

	getQuery = `SELECT transactional_id, producer_id, epoch, coordinator_id, marker, prepared_at FROM pending_transactions WHERE transactional_id = ?`

	deleteQuery = `DELETE FROM pending_transactions WHERE transactional_id = ?`
)

var errMissingAddress = errors.New("the MySQL address has not been configured")

type Config struct {
	Address        string         `yaml:"address"`
	User           string         `yaml:"user"`
	Password       flagext.Secret `yaml:"password"`
	Database       string         `yaml:"database"`
	MaxConnections int            `yaml:"max_connections"`
	ConnectTimeout time.Duration  `yaml:"connect_timeout"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("store.mysql.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+"address", "", "MySQL address (host:port) of the store holding pending transactions.")
	f.StringVar(&cfg.User, prefix+"user", "txnproducer", "MySQL user.")
	f.Var(&cfg.Password, prefix+"password", "MySQL password.")
	f.StringVar(&cfg.Database, prefix+"database", "txnproducer", "MySQL database.")
	f.IntVar(&cfg.MaxConnections, prefix+"max-connections", 10, "Maximum number of open connections to MySQL.")
	f.DurationVar(&cfg.ConnectTimeout, prefix+"connect-timeout", 5*time.Second, "Timeout of establishing a MySQL connection.")
}

func (cfg *Config) Validate() error {
	if cfg.Address == "" {
		return errMissingAddress
	}
	return nil
}

// DSN returns the data source name of the configured database.
func (cfg *Config) DSN() string {
	c := mysql.NewConfig()
	c.Net = "tcp"
	c.Addr = cfg.Address
	c.User = cfg.User
	c.Passwd = cfg.Password.String()
	c.DBName = cfg.Database
	c.Timeout = cfg.ConnectTimeout
	c.ParseTime = true
	c.Loc = time.UTC
	return c.FormatDSN()
}

// Store is a twophase.Store on a MySQL table. Business work runs in the same
// SQL transaction as the pending record.
type Store struct {
	db     *sql.DB
	logger log.Logger
}

var _ twophase.Store[*sql.Tx] = (*Store)(nil)

// Open connects to MySQL and creates the table of pending transactions.
func Open(ctx context.Context, cfg Config, logger log.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	s := New(db, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New returns a store on an open database.
func New(db *sql.DB, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate creates the table of pending transactions if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createTableQuery)
	return errors.Wrap(err, "create pending_transactions table")
}

func (s *Store) Prepare(ctx context.Context, pending twophase.Pending, work func(*sql.Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, upsertQuery,
			pending.TransactionalID,
			pending.ProducerID,
			pending.Epoch,
			pending.CoordinatorID,
			pending.Marker,
			pending.PreparedAt.UTC(),
		)
		if err != nil {
			return errors.Wrap(err, "write pending transaction")
		}
		return work(tx)
	})
}

func (s *Store) Update(ctx context.Context, work func(*sql.Tx) error) error {
	return s.inTx(ctx, work)
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			level.Warn(s.logger).Log("msg", "failed to roll back transaction", "err", rollbackErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

func (s *Store) List(ctx context.Context) ([]twophase.Pending, error) {
	rows, err := s.db.QueryContext(ctx, listQuery)
	if err != nil {
		return nil, errors.Wrap(err, "list pending transactions")
	}
	defer rows.Close()

	var out []twophase.Pending
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "list pending transactions")
}

func (s *Store) Get(ctx context.Context, transactionalID string) (twophase.Pending, error) {
	p, err := scanPending(s.db.QueryRowContext(ctx, getQuery, transactionalID))
	if errors.Is(err, sql.ErrNoRows) {
		return twophase.Pending{}, twophase.ErrNotFound
	}
	return p, err
}

func (s *Store) Delete(ctx context.Context, transactionalID string) error {
	_, err := s.db.ExecContext(ctx, deleteQuery, transactionalID)
	return errors.Wrap(err, "delete pending transaction")
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPending(row scanner) (twophase.Pending, error) {
	var p twophase.Pending
	err := row.Scan(&p.TransactionalID, &p.ProducerID, &p.Epoch, &p.CoordinatorID, &p.Marker, &p.PreparedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, err
	}
	return p, errors.Wrap(err, "scan pending transaction")
}

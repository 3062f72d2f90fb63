package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/maxpert/batchapply/batch"
	"github.com/rs/zerolog/log"
)

const insertChunk = 200

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLLoader loads artifacts into staging tables of a SQLite or MySQL
// database, one database transaction per replicated transaction. Staging
// tables are named <schema>_<table> with every column stored as text.
type SQLLoader struct {
	driver  string
	dsn     string
	dialect goqu.DialectWrapper

	db *sql.DB
	tx *sql.Tx

	// tables caches the known columns of each staging table
	tables map[string]map[string]struct{}
}

// NewSQLLoader validates the driver; the connection is opened in Prepare
func NewSQLLoader(c LoaderConfig) (*SQLLoader, error) {
	if c.Driver != "sqlite3" && c.Driver != "mysql" {
		return nil, fmt.Errorf("unsupported sql loader driver: %s", c.Driver)
	}
	if c.DSN == "" {
		return nil, fmt.Errorf("sql loader requires a dsn")
	}
	return &SQLLoader{
		driver:  c.Driver,
		dsn:     c.DSN,
		dialect: goqu.Dialect(c.Driver),
		tables:  make(map[string]map[string]struct{}),
	}, nil
}

// DB returns the underlying connection pool, nil before Prepare
func (l *SQLLoader) DB() *sql.DB {
	return l.db
}

func (l *SQLLoader) Prepare(ctx context.Context) error {
	db, err := sql.Open(l.driver, l.dsn)
	if err != nil {
		return err
	}
	if l.driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}
	l.db = db
	clear(l.tables)
	log.Info().Str("driver", l.driver).Msg("SQL loader connected")
	return nil
}

func (l *SQLLoader) Begin(ctx context.Context, txn Txn) error {
	if l.tx != nil {
		return fmt.Errorf("transaction already open for seqno %d", txn.Seqno)
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	l.tx = tx
	return nil
}

func (l *SQLLoader) Apply(ctx context.Context, txn Txn, artifact batch.Artifact) error {
	if l.tx == nil {
		return fmt.Errorf("no open transaction for seqno %d", txn.Seqno)
	}

	contents, err := artifact.Read()
	if err != nil {
		return err
	}

	table := stagingTable(artifact.Schema, artifact.Table)
	if err := l.ensureTable(ctx, table, artifact.Columns); err != nil {
		return err
	}

	cols := make([]any, len(artifact.Columns))
	for i, c := range artifact.Columns {
		cols[i] = c
	}

	for start := 0; start < len(contents.Records); start += insertChunk {
		end := min(start+insertChunk, len(contents.Records))

		ds := l.dialect.Insert(table).Prepared(true).Cols(cols...)
		for _, rec := range contents.Records[start:end] {
			if len(rec) != len(cols) {
				return fmt.Errorf("%s: record has %d fields, expected %d", artifact.Path, len(rec), len(cols))
			}
			vals := make(goqu.Vals, len(rec))
			for i, f := range rec {
				if f.Valid {
					vals[i] = f.String
				}
			}
			ds = ds.Vals(vals)
		}

		query, args, err := ds.ToSQL()
		if err != nil {
			return err
		}
		if _, err := l.tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}

	return nil
}

func (l *SQLLoader) Commit(ctx context.Context, txn Txn) error {
	if l.tx == nil {
		return fmt.Errorf("no open transaction for seqno %d", txn.Seqno)
	}
	tx := l.tx
	l.tx = nil
	return tx.Commit()
}

func (l *SQLLoader) Release(ctx context.Context) error {
	if l.tx != nil {
		if err := l.tx.Rollback(); err != nil {
			log.Warn().Err(err).Msg("Failed to roll back open load transaction")
		}
		l.tx = nil
		// a rolled back SQLite transaction takes its DDL with it
		clear(l.tables)
	}
	if l.db == nil {
		return nil
	}
	db := l.db
	l.db = nil
	return db.Close()
}

// ddl returns where schema changes run. MySQL DDL implicitly commits the
// open transaction, so it goes through the pool. SQLite DDL is
// transactional and the pool holds the single connection, so it stays in
// the load transaction.
func (l *SQLLoader) ddl() queryer {
	if l.driver == "mysql" {
		return l.db
	}
	return l.tx
}

// ensureTable creates table or adds whichever columns it is missing
func (l *SQLLoader) ensureTable(ctx context.Context, table string, columns []string) error {
	q := l.ddl()

	known, ok := l.tables[table]
	if !ok {
		existing, err := l.tableColumns(ctx, q, table)
		if err != nil {
			return fmt.Errorf("inspect staging table %s: %w", table, err)
		}
		known = existing
		l.tables[table] = known
	}

	if len(known) == 0 {
		defs := make([]string, len(columns))
		for i, c := range columns {
			defs[i] = l.quote(c) + " TEXT"
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", l.quote(table), strings.Join(defs, ", "))
		if _, err := q.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create staging table %s: %w", table, err)
		}
		for _, c := range columns {
			known[strings.ToLower(c)] = struct{}{}
		}
		return nil
	}

	for _, c := range columns {
		if _, ok := known[strings.ToLower(c)]; ok {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", l.quote(table), l.quote(c))
		if _, err := q.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("add column %s to %s: %w", c, table, err)
		}
		known[strings.ToLower(c)] = struct{}{}
		log.Info().Str("table", table).Str("column", c).Msg("Added staging table column")
	}
	return nil
}

// tableColumns returns the lower-cased columns of table, empty if it does
// not exist
func (l *SQLLoader) tableColumns(ctx context.Context, q queryer, table string) (map[string]struct{}, error) {
	var query string
	var args []any
	if l.driver == "mysql" {
		var err error
		query, args, err = l.dialect.
			From(goqu.S("information_schema").Table("columns")).
			Prepared(true).
			Select(goqu.C("column_name")).
			Where(
				goqu.C("table_schema").Eq(goqu.L("DATABASE()")),
				goqu.C("table_name").Eq(table),
			).
			ToSQL()
		if err != nil {
			return nil, err
		}
	} else {
		query, args = "SELECT name FROM pragma_table_info(?)", []any{table}
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = struct{}{}
	}
	return cols, rows.Err()
}

func (l *SQLLoader) quote(ident string) string {
	if l.driver == "mysql" {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func stagingTable(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "_" + table
}

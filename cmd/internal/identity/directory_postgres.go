package identity

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads display names from the library's accounts table.
//
// The pool is owned by the caller.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// DirectoryOption configures PostgresDirectory.
type DirectoryOption func(*PostgresDirectory) error

// WithDirectorySchema sets the schema holding the accounts table (default: "libris").
func WithDirectorySchema(schema string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRE.MatchString(schema) {
			return errors.New("identity: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// WithDirectoryTable sets the accounts table name (default: "accounts").
func WithDirectoryTable(table string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		table = strings.TrimSpace(table)
		if !pgIdentRE.MatchString(table) {
			return errors.New("identity: invalid table identifier")
		}
		d.table = table
		return nil
	}
}

// NewPostgresDirectory constructs a Postgres-backed Directory.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{pool: pool, schema: "libris", table: "accounts"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	return d, nil
}

func (d *PostgresDirectory) DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	ids = uniqueIDs(ids)
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := d.pool.Query(ctx,
		`SELECT id, display_name FROM `+pgx.Identifier{d.schema, d.table}.Sanitize()+` WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

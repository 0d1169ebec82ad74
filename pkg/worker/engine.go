package worker

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // sqlite driver loaded here

	"github.com/umputun/sqliterpc/pkg/rpc"
)

// defaultOpenFlags mirrors modernc.org/sqlite's own default: read-write,
// created if missing. The worker protocol's flags parameter is not passed to
// the driver: every handle opens with this default mode, whatever flags the
// open() request carries.
const defaultOpenFlags = int64(0)

// Engine owns the single *sql.Conn a worker process is allowed to hold. It
// never lets database/sql's own pooling introduce a second concurrent
// connection: SetMaxOpenConns(1) plus a conn checked out for the engine's
// whole lifetime keeps exactly the "one handle per worker process" invariant
// the wire protocol assumes.
type Engine struct {
	db   *sql.DB
	conn *sql.Conn
}

// Open constructs the SQLite handle for filename. flags is currently
// advisory (modernc.org/sqlite has no separate flag bitmask to thread
// through database/sql); it is accepted so the wire protocol's optional
// second open() parameter round-trips without error.
func Open(ctx context.Context, filename string, flags *int64) (*Engine, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite handle: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close() // nolint:errcheck
		return nil, fmt.Errorf("acquire sqlite connection: %w", err)
	}
	return &Engine{db: db, conn: conn}, nil
}

// Exec runs sqlText without materialising a result set, returning the last
// insert rowid and the number of rows the statement changed.
func (e *Engine) Exec(ctx context.Context, sqlText string) (insertID, changed int64, err error) {
	res, err := e.conn.ExecContext(ctx, sqlText)
	if err != nil {
		return 0, 0, err
	}
	insertID, _ = res.LastInsertId() // nolint:errcheck  driver always supports this for sqlite
	changed, _ = res.RowsAffected()  // nolint:errcheck
	return insertID, changed, nil
}

// Query runs sqlText with the given bound params and materialises the whole
// result set into memory: there is no streaming of large result sets. The
// result also carries the connection's last insert rowid and the row count
// of the last data-modifying statement.
func (e *Engine) Query(ctx context.Context, sqlText string, params rpc.Params) (rpc.Result, error) {
	args, err := bindArgs(params)
	if err != nil {
		return rpc.Result{}, err
	}

	rows, err := e.conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return rpc.Result{}, err
	}
	defer rows.Close() // nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return rpc.Result{}, fmt.Errorf("read columns: %w", err)
	}

	result := rpc.Result{Columns: cols}
	scanned := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range scanned {
		ptrs[i] = &scanned[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return rpc.Result{}, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]rpc.Value, len(cols))
		for i, col := range cols {
			row[col] = driverValueToRPC(scanned[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return rpc.Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	if err := rows.Close(); err != nil {
		return rpc.Result{}, fmt.Errorf("close rows: %w", err)
	}
	if err := e.conn.QueryRowContext(ctx, "SELECT last_insert_rowid(), changes()").Scan(&result.InsertID, &result.Changed); err != nil {
		return rpc.Result{}, fmt.Errorf("read insert id and changes: %w", err)
	}
	return result, nil
}

// Close releases the checked-out connection and the pool behind it.
func (e *Engine) Close() error {
	var err error
	if e.conn != nil {
		err = e.conn.Close()
		e.conn = nil
	}
	if e.db != nil {
		if cerr := e.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
		e.db = nil
	}
	return err
}

// bindArgs converts bound params into database/sql argument form: named
// params become sql.NamedArg pairs, positional params bind in order.
func bindArgs(params rpc.Params) ([]any, error) {
	if params.IsNamed() {
		m := params.Map()
		args := make([]any, 0, len(m))
		for name, v := range m {
			args = append(args, sql.Named(name, v.Any()))
		}
		return args, nil
	}
	list := params.List()
	args := make([]any, len(list))
	for i, v := range list {
		args[i] = v.Any()
	}
	return args, nil
}

// driverValueToRPC classifies a scanned cell by its native Go type, which
// database/sql already derived from SQLite's own storage class: int64 is
// INTEGER, float64 is REAL, string is TEXT, []byte is BLOB, nil is NULL.
func driverValueToRPC(v any) rpc.Value {
	switch t := v.(type) {
	case nil:
		return rpc.Null()
	case int64:
		return rpc.Int(t)
	case float64:
		return rpc.Float(t)
	case bool:
		return rpc.Bool(t)
	case string:
		return rpc.Text(t)
	case []byte:
		return rpc.Blob(t)
	default:
		return rpc.Text(fmt.Sprintf("%v", t))
	}
}

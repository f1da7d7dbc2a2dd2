package kv

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/roomy-chat/discord-bridge/internal/sqlutil"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS bridge_kv (
	sublevel TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (sublevel, key)
);
`

const upsertKVSQL = `
INSERT INTO bridge_kv (sublevel, key, value) VALUES ($1, $2, $3)
ON CONFLICT (sublevel, key) DO UPDATE SET value = $3
`

const selectKVSQL = `
SELECT value FROM bridge_kv WHERE sublevel = $1 AND key = $2
`

const deleteKVSQL = `
DELETE FROM bridge_kv WHERE sublevel = $1 AND key = $2
`

const selectKVRangeSQL = `
SELECT key, value FROM bridge_kv
WHERE sublevel = $1 AND key >= $2 AND key < $3
ORDER BY key
`

const selectKVSublevelSQL = `
SELECT key, value FROM bridge_kv WHERE sublevel = $1 ORDER BY key
`

type sqliteStore struct {
	db             *sql.DB
	upsertStmt     *sql.Stmt
	selectStmt     *sql.Stmt
	deleteStmt     *sql.Stmt
	selectRange    *sql.Stmt
	selectSublevel *sql.Stmt
}

// OpenSQLite opens (creating if necessary) the bridge KV database inside
// dataDir. SQLite serializes writers for us, so a batch is exactly one
// transaction.
func OpenSQLite(dataDir string) (Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		filepath.Join(dataDir, "bridge.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite does not support concurrent writers on one
	// connection pool; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(kvSchema); err != nil {
		return nil, fmt.Errorf("create kv schema: %w", err)
	}
	s := &sqliteStore{db: db}
	if err = (sqlutil.StatementList{
		{&s.upsertStmt, upsertKVSQL},
		{&s.selectStmt, selectKVSQL},
		{&s.deleteStmt, deleteKVSQL},
		{&s.selectRange, selectKVRangeSQL},
		{&s.selectSublevel, selectKVSublevelSQL},
	}).Prepare(db); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) Get(ctx context.Context, sublevel, key string) ([]byte, error) {
	var value []byte
	err := s.selectStmt.QueryRowContext(ctx, sublevel, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *sqliteStore) Put(ctx context.Context, sublevel, key string, value []byte) error {
	_, err := s.upsertStmt.ExecContext(ctx, sublevel, key, value)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, sublevel, key string) error {
	_, err := s.deleteStmt.ExecContext(ctx, sublevel, key)
	return err
}

func (s *sqliteStore) Range(ctx context.Context, sublevel, prefix string) ([]KeyValue, error) {
	var rows *sql.Rows
	var err error
	if prefix == "" {
		rows, err = s.selectSublevel.QueryContext(ctx, sublevel)
	} else {
		// The prefix upper bound is the prefix with its last byte
		// incremented, which is safe for the ASCII keys the bridge uses.
		upper := prefix[:len(prefix)-1] + string(prefix[len(prefix)-1]+1)
		rows, err = s.selectRange.QueryContext(ctx, sublevel, prefix, upper)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck
	var result []KeyValue
	for rows.Next() {
		var kv KeyValue
		if err = rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, err
		}
		result = append(result, kv)
	}
	return result, rows.Err()
}

type batchOp struct {
	sublevel string
	key      string
	value    []byte
	delete   bool
}

type sqliteBatch struct {
	store *sqliteStore
	ops   []batchOp
}

func (s *sqliteStore) NewBatch() Batch {
	return &sqliteBatch{store: s}
}

func (b *sqliteBatch) Put(sublevel, key string, value []byte) {
	b.ops = append(b.ops, batchOp{sublevel: sublevel, key: key, value: value})
}

func (b *sqliteBatch) Delete(sublevel, key string) {
	b.ops = append(b.ops, batchOp{sublevel: sublevel, key: key, delete: true})
}

func (b *sqliteBatch) Write(ctx context.Context) error {
	return sqlutil.WithTransaction(b.store.db, func(txn *sql.Tx) error {
		for _, op := range b.ops {
			var err error
			if op.delete {
				_, err = sqlutil.TxStmt(txn, b.store.deleteStmt).ExecContext(ctx, op.sublevel, op.key)
			} else {
				_, err = sqlutil.TxStmt(txn, b.store.upsertStmt).ExecContext(ctx, op.sublevel, op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

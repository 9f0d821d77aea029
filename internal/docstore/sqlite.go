package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded document store adapter. Each collection maps
// to one table holding (id, doc) rows, so Rename and Drop are table-level
// operations just like their server-backed counterparts.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLite opens (or creates) a document store database.
// Use ":memory:" for an ephemeral store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

var collectionNameRe = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

func quoteTable(name string) (string, error) {
	if !collectionNameRe.MatchString(name) {
		return "", fmt.Errorf("invalid collection name %q", name)
	}
	return `"` + name + `"`, nil
}

// Collection returns a handle for the named collection.
func (s *SQLiteStore) Collection(name string) Collection {
	return &sqliteCollection{store: s, name: name}
}

// ListCollections returns all collection names in the store.
func (s *SQLiteStore) ListCollections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan collection name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type sqliteCollection struct {
	store *SQLiteStore
	name  string
}

func (c *sqliteCollection) Name() string { return c.name }

func (c *sqliteCollection) table() (string, error) { return quoteTable(c.name) }

func (c *sqliteCollection) ensure(ctx context.Context) error {
	tbl, err := c.table()
	if err != nil {
		return err
	}
	_, err = c.store.db.ExecContext(ctx,
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, doc BLOB NOT NULL)", tbl))
	return err
}

func (c *sqliteCollection) exists(ctx context.Context) (bool, error) {
	row := c.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", c.name)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *sqliteCollection) FindOne(ctx context.Context, id string) (Doc, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if ok, err := c.exists(ctx); err != nil || !ok {
		return nil, err
	}
	tbl, err := c.table()
	if err != nil {
		return nil, err
	}
	row := c.store.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT doc FROM %s WHERE id = ?", tbl), id)
	var raw []byte
	switch err := row.Scan(&raw); err {
	case nil:
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, fmt.Errorf("find %s/%s: %w", c.name, id, err)
	}
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal %s/%s: %w", c.name, id, err)
	}
	return doc, nil
}

func (c *sqliteCollection) FindMany(ctx context.Context, ids []string) ([]Doc, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if ok, err := c.exists(ctx); err != nil || !ok {
		return nil, err
	}
	tbl, err := c.table()
	if err != nil {
		return nil, err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := c.store.db.QueryContext(ctx,
		fmt.Sprintf("SELECT doc FROM %s WHERE id IN (%s) ORDER BY id", tbl, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("find many in %s: %w", c.name, err)
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan doc: %w", err)
		}
		var doc Doc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal doc: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (c *sqliteCollection) Count(ctx context.Context) (int, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if ok, err := c.exists(ctx); err != nil || !ok {
		return 0, err
	}
	tbl, err := c.table()
	if err != nil {
		return 0, err
	}
	row := c.store.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", tbl))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return n, nil
}

func (c *sqliteCollection) IDs(ctx context.Context, batchSize int, fn func(ids []string) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	c.store.mu.RLock()
	exists, err := c.exists(ctx)
	if err != nil || !exists {
		c.store.mu.RUnlock()
		return err
	}
	tbl, err := c.table()
	if err != nil {
		c.store.mu.RUnlock()
		return err
	}
	rows, err := c.store.db.QueryContext(ctx, fmt.Sprintf("SELECT id FROM %s ORDER BY id", tbl))
	if err != nil {
		c.store.mu.RUnlock()
		return fmt.Errorf("iterate ids of %s: %w", c.name, err)
	}

	// Drain id batches before releasing the read lock so fn can write.
	var batches [][]string
	batch := make([]string, 0, batchSize)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			c.store.mu.RUnlock()
			return fmt.Errorf("scan id: %w", err)
		}
		batch = append(batch, id)
		if len(batch) == batchSize {
			batches = append(batches, batch)
			batch = make([]string, 0, batchSize)
		}
	}
	if len(batch) > 0 {
		batches = append(batches, batch)
	}
	err = rows.Err()
	_ = rows.Close()
	c.store.mu.RUnlock()
	if err != nil {
		return err
	}

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func isDuplicateErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (c *sqliteCollection) InsertMany(ctx context.Context, docs []Doc) (int, error) {
	ops := make([]BulkOp, 0, len(docs))
	for _, doc := range docs {
		id, err := ID(doc)
		if err != nil {
			return 0, err
		}
		ops = append(ops, BulkOp{Kind: OpInsertOne, ID: id, Doc: doc})
	}
	res, err := c.BulkWrite(ctx, ops)
	return res.NInserted, err
}

func (c *sqliteCollection) BulkWrite(ctx context.Context, ops []BulkOp) (BulkResult, error) {
	var res BulkResult
	if len(ops) == 0 {
		return res, nil
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if err := c.ensure(ctx); err != nil {
		return res, err
	}
	tbl, err := c.table()
	if err != nil {
		return res, err
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin bulk write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var writeErrors []WriteError
	for i, op := range ops {
		var raw []byte
		if op.Kind != OpDeleteOne {
			raw, err = json.Marshal(op.Doc)
			if err != nil {
				return res, fmt.Errorf("marshal doc %s: %w", op.ID, err)
			}
		}
		switch op.Kind {
		case OpInsertOne:
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s (id, doc) VALUES (?, ?)", tbl), op.ID, raw)
			if isDuplicateErr(err) {
				writeErrors = append(writeErrors, WriteError{Index: i, ID: op.ID, Message: err.Error(), Duplicate: true})
				continue
			}
			if err != nil {
				return res, fmt.Errorf("insert %s: %w", op.ID, err)
			}
			res.NInserted++
		case OpUpdateOne:
			// top-level field merge into the existing document
			var cur []byte
			err := tx.QueryRowContext(ctx,
				fmt.Sprintf("SELECT doc FROM %s WHERE id = ?", tbl), op.ID).Scan(&cur)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return res, fmt.Errorf("update %s: %w", op.ID, err)
			}
			var existing Doc
			if err := json.Unmarshal(cur, &existing); err != nil {
				return res, fmt.Errorf("update %s: %w", op.ID, err)
			}
			for k, v := range op.Doc {
				existing[k] = v
			}
			merged, err := json.Marshal(existing)
			if err != nil {
				return res, fmt.Errorf("update %s: %w", op.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE %s SET doc = ? WHERE id = ?", tbl), merged, op.ID); err != nil {
				return res, fmt.Errorf("update %s: %w", op.ID, err)
			}
			res.NModified++
		case OpReplaceOne:
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s (id, doc) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET doc = excluded.doc", tbl), op.ID, raw)
			if err != nil {
				return res, fmt.Errorf("replace %s: %w", op.ID, err)
			}
			res.NModified++
		case OpDeleteOne:
			r, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE id = ?", tbl), op.ID)
			if err != nil {
				return res, fmt.Errorf("delete %s: %w", op.ID, err)
			}
			if n, _ := r.RowsAffected(); n > 0 {
				res.NDeleted++
			}
		default:
			return res, fmt.Errorf("unknown bulk op kind %q", op.Kind)
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit bulk write: %w", err)
	}
	if len(writeErrors) > 0 {
		return res, &BulkWriteError{Result: res, WriteErrors: writeErrors}
	}
	return res, nil
}

func (c *sqliteCollection) ReplaceOne(ctx context.Context, id string, doc Doc) error {
	_, err := c.BulkWrite(ctx, []BulkOp{{Kind: OpReplaceOne, ID: id, Doc: doc}})
	return err
}

func (c *sqliteCollection) DeleteMany(ctx context.Context, ids []string) (int, error) {
	ops := make([]BulkOp, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, BulkOp{Kind: OpDeleteOne, ID: id})
	}
	res, err := c.BulkWrite(ctx, ops)
	return res.NDeleted, err
}

func (c *sqliteCollection) Drop(ctx context.Context) error {
	tbl, err := c.table()
	if err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	_, err = c.store.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tbl))
	if err != nil {
		return fmt.Errorf("drop %s: %w", c.name, err)
	}
	return nil
}

func (c *sqliteCollection) Rename(ctx context.Context, newName string, dropTarget bool) error {
	oldTbl, err := c.table()
	if err != nil {
		return err
	}
	newTbl, err := quoteTable(newName)
	if err != nil {
		return err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if dropTarget {
		if _, err := c.store.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", newTbl)); err != nil {
			return fmt.Errorf("drop rename target %s: %w", newName, err)
		}
	}
	if _, err := c.store.db.ExecContext(ctx,
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", oldTbl, newTbl)); err != nil {
		return fmt.Errorf("rename %s to %s: %w", c.name, newName, err)
	}
	c.name = newName
	return nil
}

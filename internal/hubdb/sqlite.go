package hubdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/bioforge/datahub/internal/foundation"
)

// SQLiteDB implements DB using a single sqlite file. All registered
// collections share one table keyed by (collection, id), which keeps the
// schema stable as collections come and go.
type SQLiteDB struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLite opens (or creates) the hub database.
// Use ":memory:" for an ephemeral store.
func NewSQLite(dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open hub database: %w", err)
	}

	store := &SQLiteDB{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize hub schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteDB) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		doc BLOB NOT NULL,
		PRIMARY KEY (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Collection returns a handle for the named collection.
func (s *SQLiteDB) Collection(name string) Collection {
	return &sqliteCollection{db: s, name: name}
}

// Close closes the database connection.
func (s *SQLiteDB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type sqliteCollection struct {
	db   *SQLiteDB
	name string
}

func (c *sqliteCollection) Name() string { return c.name }

func recordID(doc Record) (string, bool) {
	id, ok := doc["_id"].(string)
	return id, ok && id != ""
}

func (c *sqliteCollection) FindOne(ctx context.Context, filter Filter) (Record, error) {
	docs, err := c.find(ctx, filter, true)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (c *sqliteCollection) Find(ctx context.Context, filter Filter) ([]Record, error) {
	return c.find(ctx, filter, false)
}

func (c *sqliteCollection) find(ctx context.Context, filter Filter, single bool) ([]Record, error) {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()

	// Fast path: filtering by _id alone hits the primary key.
	if id, ok := filter["_id"].(string); ok && len(filter) == 1 {
		row := c.db.db.QueryRowContext(ctx,
			"SELECT doc FROM records WHERE collection = ? AND id = ?", c.name, id)
		var raw []byte
		switch err := row.Scan(&raw); err {
		case nil:
		case sql.ErrNoRows:
			return nil, nil
		default:
			return nil, fmt.Errorf("query record: %w", err)
		}
		var doc Record
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		return []Record{doc}, nil
	}

	rows, err := c.db.db.QueryContext(ctx,
		"SELECT doc FROM records WHERE collection = ? ORDER BY id", c.name)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var doc Record
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		if matchFilter(doc, filter) {
			out = append(out, doc)
			if single {
				break
			}
		}
	}
	return out, rows.Err()
}

func (c *sqliteCollection) InsertOne(ctx context.Context, doc Record) error {
	id, ok := recordID(doc)
	if !ok {
		return foundation.DataIntegrity("record has no _id").WithContext("collection", c.name).Build()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	_, err = c.db.db.ExecContext(ctx,
		"INSERT INTO records (collection, id, doc) VALUES (?, ?, ?)", c.name, id, raw)
	if err != nil {
		return fmt.Errorf("insert record %s/%s: %w", c.name, id, err)
	}
	return nil
}

func (c *sqliteCollection) UpdateOne(ctx context.Context, filter Filter, mut Mutation, upsert bool) error {
	doc, err := c.FindOne(ctx, filter)
	if err != nil {
		return err
	}
	if doc == nil {
		if !upsert {
			return nil
		}
		doc = Record{}
		// Seed the new record from scalar filter terms so the upserted
		// record matches its own filter.
		for k, v := range filter {
			setPath(doc, k, v)
		}
		if _, ok := recordID(doc); !ok {
			return foundation.DataIntegrity("upsert filter has no _id").
				WithContext("collection", c.name).Build()
		}
		applyMutation(doc, mut)
		return c.InsertOne(ctx, doc)
	}

	applyMutation(doc, mut)
	return c.write(ctx, doc)
}

func (c *sqliteCollection) ReplaceOne(ctx context.Context, filter Filter, doc Record) error {
	existing, err := c.FindOne(ctx, filter)
	if err != nil {
		return err
	}
	if existing != nil {
		if _, ok := recordID(doc); !ok {
			doc["_id"] = existing["_id"]
		}
		return c.write(ctx, doc)
	}
	return c.InsertOne(ctx, doc)
}

func (c *sqliteCollection) write(ctx context.Context, doc Record) error {
	id, ok := recordID(doc)
	if !ok {
		return foundation.DataIntegrity("record has no _id").WithContext("collection", c.name).Build()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	_, err = c.db.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO records (collection, id, doc) VALUES (?, ?, ?)", c.name, id, raw)
	if err != nil {
		return fmt.Errorf("write record %s/%s: %w", c.name, id, err)
	}
	return nil
}

func (c *sqliteCollection) Remove(ctx context.Context, filter Filter) (int, error) {
	docs, err := c.Find(ctx, filter)
	if err != nil {
		return 0, err
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	removed := 0
	for _, doc := range docs {
		id, ok := recordID(doc)
		if !ok {
			continue
		}
		res, err := c.db.db.ExecContext(ctx,
			"DELETE FROM records WHERE collection = ? AND id = ?", c.name, id)
		if err != nil {
			return removed, fmt.Errorf("delete record %s/%s: %w", c.name, id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed++
		}
	}
	return removed, nil
}

func (c *sqliteCollection) Count(ctx context.Context) (int, error) {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	row := c.db.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE collection = ?", c.name)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

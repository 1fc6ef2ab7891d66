package item

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// PostgresStore implements Store over a Postgres table. It is the shared
// registry backend when multiple kernel hosts resolve against the same item
// set; items are written by the publishing pipeline, never by the kernel.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgItemSchema = `
CREATE TABLE IF NOT EXISTS keel_items (
	item_type TEXT NOT NULL,
	item_id TEXT NOT NULL,
	version TEXT NOT NULL,
	item_json JSONB NOT NULL,
	signature TEXT,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (item_type, item_id, version)
);
`

// Init creates the backing table.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgItemSchema)
	return err
}

// Publish inserts or replaces an item version.
func (s *PostgresStore) Publish(ctx context.Context, it *Item) error {
	if it == nil {
		return errors.New("nil item")
	}
	itemJSON, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	var sigLine sql.NullString
	if it.Signature != nil {
		sigLine = sql.NullString{String: it.Signature.Format(), Valid: true}
	}
	query := `
		INSERT INTO keel_items (item_type, item_id, version, item_json, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_type, item_id, version) DO UPDATE
		SET item_json = $4, signature = $5, created_at = $6
	`
	_, err = s.db.ExecContext(ctx, query,
		string(it.Ref.Type), it.Ref.ID, it.Ref.Version, itemJSON, sigLine, time.Now().UTC())
	return err
}

func (s *PostgresStore) GetItem(ctx context.Context, ref Reference) (*Item, error) {
	versions, err := s.ListVersions(ctx, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	chosen, err := ResolveVersion(ref.Version, versions)
	if err != nil {
		return nil, err
	}

	query := `SELECT item_json, signature FROM keel_items WHERE item_type = $1 AND item_id = $2 AND version = $3`
	var itemJSON []byte
	var sigLine sql.NullString
	err = s.db.QueryRowContext(ctx, query, string(ref.Type), ref.ID, chosen).Scan(&itemJSON, &sigLine)
	if err != nil {
		return nil, fmt.Errorf("load item %s@%s: %w", ref.ID, chosen, err)
	}

	var it Item
	if err := json.Unmarshal(itemJSON, &it); err != nil {
		return nil, fmt.Errorf("decode item %s@%s: %w", ref.ID, chosen, err)
	}
	if sigLine.Valid {
		sig, err := ParseSignature(sigLine.String)
		if err != nil {
			return nil, err
		}
		it.Signature = sig
	}
	return &it, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, itemType Type, id string) ([]string, error) {
	query := `SELECT version FROM keel_items WHERE item_type = $1 AND item_id = $2`
	rows, err := s.db.QueryContext(ctx, query, string(itemType), id)
	if err != nil {
		return nil, fmt.Errorf("list versions for %s: %w", id, err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortVersions(versions)
	return versions, nil
}

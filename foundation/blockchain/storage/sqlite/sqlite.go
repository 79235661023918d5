// Package sqlite implements an indexed blockchain store on SQLite. Besides
// the storage.Store contract it answers queries by block hash and issuer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/storage"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite backed implementation of storage.Store.
type Store struct {
	db *sql.DB
}

// New opens or creates the database file at dbPath.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Writes check the height and insert in one transaction, SQLite allows a
	// single writer anyway.
	db.SetMaxOpenConns(1)

	s := Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &s, nil
}

// initSchema creates the blocks table and its indexes.
func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS blocks (
		number     INTEGER PRIMARY KEY,
		hash       TEXT NOT NULL,
		issuer     TEXT NOT NULL,
		time       INTEGER NOT NULL,
		data       TEXT NOT NULL,
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_blocks_hash ON blocks(hash);
	CREATE INDEX IF NOT EXISTS idx_blocks_issuer_number ON blocks(issuer, number);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store inserts the block at the head.
func (s *Store) Store(ctx context.Context, b block.Block) (block.Block, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return block.Block{}, fmt.Errorf("encoding block %d: %w", b.Number, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return block.Block{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	height, err := height(ctx, tx)
	if err != nil {
		return block.Block{}, err
	}

	if b.Number != height {
		return block.Block{}, fmt.Errorf("storing block %d at height %d: %w", b.Number, height, storage.ErrNonContiguous)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO blocks (number, hash, issuer, time, data) VALUES (?, ?, ?, ?, ?)`,
		b.Number, b.Hash, b.Issuer, b.Time, string(data),
	)
	if err != nil {
		return block.Block{}, fmt.Errorf("inserting block %d: %w", b.Number, err)
	}

	if err := tx.Commit(); err != nil {
		return block.Block{}, fmt.Errorf("committing block %d: %w", b.Number, err)
	}

	return b, nil
}

// Read returns the block with the given number.
func (s *Store) Read(ctx context.Context, number uint64) (*block.Block, error) {
	if number > math.MaxInt64 {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT data FROM blocks WHERE number = ?`, number)
	return scanBlock(row)
}

// ReadByHash returns the block with the given hash.
func (s *Store) ReadByHash(ctx context.Context, hash string) (*block.Block, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM blocks WHERE hash = ? ORDER BY number DESC LIMIT 1`, hash)
	return scanBlock(row)
}

// ReadByIssuer returns every block issued by the given key in ascending
// number order.
func (s *Store) ReadByIssuer(ctx context.Context, issuer string) ([]block.Block, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM blocks WHERE issuer = ? ORDER BY number ASC`, issuer)
	if err != nil {
		return nil, fmt.Errorf("querying issuer %s: %w", issuer, err)
	}
	defer rows.Close()

	return scanBlocks(rows)
}

// Head returns the block offset positions below the head.
func (s *Store) Head(ctx context.Context, offset uint64) (*block.Block, error) {
	if offset > math.MaxInt64 {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT data FROM blocks ORDER BY number DESC LIMIT 1 OFFSET ?`, offset)
	return scanBlock(row)
}

// HeadRange returns up to count blocks ending at the head.
func (s *Store) HeadRange(ctx context.Context, count uint64) ([]block.Block, error) {
	count = min(count, math.MaxInt64)

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM (SELECT number, data FROM blocks ORDER BY number DESC LIMIT ?) ORDER BY number ASC`,
		count,
	)
	if err != nil {
		return nil, fmt.Errorf("querying head range: %w", err)
	}
	defer rows.Close()

	return scanBlocks(rows)
}

// Height returns the number of stored blocks.
func (s *Store) Height(ctx context.Context) (uint64, error) {
	return height(ctx, s.db)
}

// Revert deletes and returns the head block.
func (s *Store) Revert(ctx context.Context) (*block.Block, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	b, err := scanBlock(tx.QueryRowContext(ctx, `SELECT data FROM blocks ORDER BY number DESC LIMIT 1`))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("reverting: %w", storage.ErrEmptyChain)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE number = ?`, b.Number); err != nil {
		return nil, fmt.Errorf("deleting block %d: %w", b.Number, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing revert of block %d: %w", b.Number, err)
	}

	return b, nil
}

// =============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// height derives the chain height from the highest stored number.
func height(ctx context.Context, q queryer) (uint64, error) {
	var h uint64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(number) + 1, 0) FROM blocks`).Scan(&h); err != nil {
		return 0, fmt.Errorf("querying height: %w", err)
	}

	return h, nil
}

func scanBlock(row *sql.Row) (*block.Block, error) {
	var data string
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying block: %w", err)
	}

	var b block.Block
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("decoding block: %w", err)
	}

	return &b, nil
}

func scanBlocks(rows *sql.Rows) ([]block.Block, error) {
	var blocks []block.Block
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning block: %w", err)
		}

		var b block.Block
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, fmt.Errorf("decoding block: %w", err)
		}
		blocks = append(blocks, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blocks: %w", err)
	}

	return blocks, nil
}

package linkdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// SQLiteCache implements Cache on the link_tables and link_records tables.
//
// The sentinel is not stored as a row; link_tables.last_offset holds its
// offset and every row below it is deleted when it moves.
type SQLiteCache struct {
	db *sql.DB
}

var _ Cache = (*SQLiteCache)(nil)

// NewSQLiteCache creates a cache over an open, migrated SQLite connection.
//
// Parameters:
//   - db: Open SQLite connection used for queries
//
// Returns:
//   - *SQLiteCache: Cache instance ready for use
func NewSQLiteCache(db *sql.DB) *SQLiteCache {
	return &SQLiteCache{db: db}
}

// Load reads the cached table for addr.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - addr: Device address
//
// Returns:
//   - *Store: Table with an empty dirty set
//   - error: ErrNotCached if nothing is stored for addr
func (c *SQLiteCache) Load(ctx context.Context, addr insteon.Address) (*Store, error) {
	var delta sql.NullInt64
	var lastOffset int64
	err := c.db.QueryRowContext(ctx,
		"SELECT delta, last_offset FROM link_tables WHERE address = ?",
		addr.String(),
	).Scan(&delta, &lastOffset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("querying link table %s: %w", addr, err)
	}

	s := NewStore(addr)
	if err := s.Apply(Sentinel(uint16(lastOffset))); err != nil {
		return nil, fmt.Errorf("link table %s: %w", addr, err)
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT mem_offset, flags, grp, linked, data FROM link_records
		 WHERE address = ? AND mem_offset > ? ORDER BY mem_offset DESC`,
		addr.String(), lastOffset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying link records %s: %w", addr, err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if err := s.Apply(r); err != nil {
			return nil, fmt.Errorf("link table %s: %w", addr, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating link records %s: %w", addr, err)
	}

	if delta.Valid {
		s.SetDelta(int(delta.Int64))
	}
	s.TakeDirty()
	return s, nil
}

// Replace overwrites the cached table with s in one transaction.
func (c *SQLiteCache) Replace(ctx context.Context, s *Store) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	addr := s.Addr().String()
	now := timestamp()
	var delta any
	if d, ok := s.Delta(); ok {
		delta = d
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM link_records WHERE address = ?", addr); err != nil {
		return fmt.Errorf("clearing link records %s: %w", addr, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO link_tables (address, delta, last_offset, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
		   delta = excluded.delta,
		   last_offset = excluded.last_offset,
		   updated_at = excluded.updated_at`,
		addr, delta, int64(s.Last().Offset), now,
	); err != nil {
		return fmt.Errorf("writing link table %s: %w", addr, err)
	}

	for _, r := range s.All() {
		if r.Flags.Last {
			continue
		}
		if err := insertRecord(ctx, tx, addr, r, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing link table %s: %w", addr, err)
	}
	s.TakeDirty()
	return nil
}

// Upsert stores one record acknowledged by the device.
//
// A sentinel moves last_offset and drops the rows at or below it. A record
// written into the sentinel's slot moves last_offset down one record, the
// same way Store.Apply does.
func (c *SQLiteCache) Upsert(ctx context.Context, addr insteon.Address, r Record) error {
	if !ValidOffset(r.Offset) {
		return fmt.Errorf("%w: %#04x", ErrBadOffset, r.Offset)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	key := addr.String()
	now := timestamp()
	if err := ensureTable(ctx, tx, key, now); err != nil {
		return err
	}

	if r.Flags.Last {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM link_records WHERE address = ? AND mem_offset <= ?",
			key, int64(r.Offset),
		); err != nil {
			return fmt.Errorf("truncating link records %s: %w", addr, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE link_tables SET last_offset = ?, updated_at = ? WHERE address = ?",
			int64(r.Offset), now, key,
		); err != nil {
			return fmt.Errorf("moving end of table %s: %w", addr, err)
		}
	} else {
		if err := insertRecord(ctx, tx, key, r, now); err != nil {
			return err
		}
		if r.Offset >= LowWater+RecordSize {
			if _, err := tx.ExecContext(ctx,
				"UPDATE link_tables SET last_offset = ?, updated_at = ? WHERE address = ? AND last_offset = ?",
				int64(r.Offset-RecordSize), now, key, int64(r.Offset),
			); err != nil {
				return fmt.Errorf("moving end of table %s: %w", addr, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing link record %s: %w", addr, err)
	}
	return nil
}

// MarkUnused clears the in-use bit of one cached record in place.
func (c *SQLiteCache) MarkUnused(ctx context.Context, addr insteon.Address, offset uint16) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE link_records SET flags = flags & ~128, updated_at = ?
		 WHERE address = ? AND mem_offset = ?`,
		timestamp(), addr.String(), int64(offset),
	)
	if err != nil {
		return fmt.Errorf("marking link record %s@%04x unused: %w", addr, offset, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking link record %s@%04x unused: %w", addr, offset, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s@%04x", ErrNotFound, addr, offset)
	}
	return nil
}

// SetDelta stores the change counter; a negative delta stores NULL.
func (c *SQLiteCache) SetDelta(ctx context.Context, addr insteon.Address, delta int) error {
	var v any
	if delta >= 0 {
		v = delta
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO link_tables (address, delta, last_offset, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET delta = excluded.delta, updated_at = excluded.updated_at`,
		addr.String(), v, int64(HighWater), timestamp(),
	)
	if err != nil {
		return fmt.Errorf("writing link table delta %s: %w", addr, err)
	}
	return nil
}

// Delete removes the table and its records.
func (c *SQLiteCache) Delete(ctx context.Context, addr insteon.Address) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM link_records WHERE address = ?", addr.String()); err != nil {
		return fmt.Errorf("deleting link records %s: %w", addr, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM link_tables WHERE address = ?", addr.String()); err != nil {
		return fmt.Errorf("deleting link table %s: %w", addr, err)
	}
	return tx.Commit()
}

// Addresses lists every cached table in address order.
func (c *SQLiteCache) Addresses(ctx context.Context) ([]insteon.Address, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT address FROM link_tables ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("querying link tables: %w", err)
	}
	defer rows.Close()

	var out []insteon.Address
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning link table row: %w", err)
		}
		a, err := insteon.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating link tables: %w", err)
	}
	return out, nil
}

// ensureTable creates the link_tables row for a fresh table.
func ensureTable(ctx context.Context, tx *sql.Tx, addr, now string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO link_tables (address, delta, last_offset, updated_at) VALUES (?, NULL, ?, ?)
		 ON CONFLICT(address) DO NOTHING`,
		addr, int64(HighWater), now,
	)
	if err != nil {
		return fmt.Errorf("creating link table %s: %w", addr, err)
	}
	return nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, addr string, r Record, now string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO link_records (address, mem_offset, flags, grp, linked, data, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(address, mem_offset) DO UPDATE SET
		   flags = excluded.flags,
		   grp = excluded.grp,
		   linked = excluded.linked,
		   data = excluded.data,
		   updated_at = excluded.updated_at`,
		addr, int64(r.Offset), int64(r.Flags.Byte()), int64(r.Group), r.Addr.String(), r.Data[:], now,
	)
	if err != nil {
		return fmt.Errorf("writing link record %s@%04x: %w", addr, r.Offset, err)
	}
	return nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		offset, flags, grp int64
		linked             string
		data               []byte
	)
	if err := rows.Scan(&offset, &flags, &grp, &linked, &data); err != nil {
		return Record{}, fmt.Errorf("scanning link record: %w", err)
	}
	addr, err := insteon.ParseAddress(linked)
	if err != nil {
		return Record{}, fmt.Errorf("link record %04x: %w", offset, err)
	}
	if len(data) != 3 {
		return Record{}, fmt.Errorf("%w: link record %04x has %d data bytes", ErrBadRecord, offset, len(data))
	}
	r := Record{
		Offset: uint16(offset),
		Flags:  ParseDbFlags(byte(flags)),
		Group:  uint8(grp),
		Addr:   addr,
	}
	copy(r.Data[:], data)
	return r, nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// Repository defines the interface for device identity persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Get retrieves a device by address.
	// Returns ErrDeviceNotFound if the device does not exist.
	Get(ctx context.Context, addr insteon.Address) (*Info, error)

	// List retrieves all devices ordered by address.
	List(ctx context.Context) ([]Info, error)

	// Upsert inserts or replaces a device. CreatedAt is kept for existing
	// rows; UpdatedAt is set to now.
	Upsert(ctx context.Context, info *Info) error

	// Delete removes a device by address.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, addr insteon.Address) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with migrations
// applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectDevices = `
	SELECT address, name, category, subcategory, firmware, engine,
		is_modem, sleepy, min_hops, created_at, updated_at
	FROM devices`

// Get retrieves a device by address.
func (r *SQLiteRepository) Get(ctx context.Context, addr insteon.Address) (*Info, error) {
	row := r.db.QueryRowContext(ctx, selectDevices+" WHERE address = ?", addr.String())
	info, err := scanInfo(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device %s: %w", addr, err)
	}
	return info, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Info, error) {
	rows, err := r.db.QueryContext(ctx, selectDevices+" ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, *info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// Upsert inserts or replaces a device.
func (r *SQLiteRepository) Upsert(ctx context.Context, info *Info) error {
	if err := ValidateInfo(*info); err != nil {
		return err
	}

	now := time.Now().UTC()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}
	info.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (address, name, category, subcategory, firmware, engine,
			is_modem, sleepy, min_hops, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			subcategory = excluded.subcategory,
			firmware = excluded.firmware,
			engine = excluded.engine,
			is_modem = excluded.is_modem,
			sleepy = excluded.sleepy,
			min_hops = excluded.min_hops,
			updated_at = excluded.updated_at`,
		info.Address.String(),
		info.Name,
		int(info.Category),
		int(info.Subcategory),
		int(info.Firmware),
		info.Engine.String(),
		boolToInt(info.IsModem),
		boolToInt(info.Sleepy),
		info.MinHops,
		info.CreatedAt.Format(time.RFC3339),
		info.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", info.Address, err)
	}
	return nil
}

// Delete removes a device by address.
func (r *SQLiteRepository) Delete(ctx context.Context, addr insteon.Address) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE address = ?", addr.String())
	if err != nil {
		return fmt.Errorf("deleting device %s: %w", addr, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(s scanner) (*Info, error) {
	var (
		info                 Info
		addr, engine         string
		cat, subcat, fw      int
		isModem, sleepy      int
		createdAt, updatedAt string
	)
	if err := s.Scan(&addr, &info.Name, &cat, &subcat, &fw, &engine,
		&isModem, &sleepy, &info.MinHops, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if info.Address, err = insteon.ParseAddress(addr); err != nil {
		return nil, fmt.Errorf("stored address %q: %w", addr, err)
	}
	if info.Engine, err = insteon.ParseEngine(engine); err != nil {
		return nil, fmt.Errorf("stored engine %q: %w", engine, err)
	}
	info.Category = uint8(cat)       //nolint:gosec // Stored from a uint8
	info.Subcategory = uint8(subcat) //nolint:gosec // Stored from a uint8
	info.Firmware = uint8(fw)        //nolint:gosec // Stored from a uint8
	info.IsModem = isModem != 0
	info.Sleepy = sleepy != 0
	info.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // Format is controlled
	info.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // Format is controlled
	return &info, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

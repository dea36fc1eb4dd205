package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// Direction is a device's data direction.
type Direction string

const (
	Playback Direction = "playback"
	Capture  Direction = "capture"
	Duplex   Direction = "duplex"
)

// DeviceRecord is the Device Directory's descriptor for one registered
// device.
type DeviceRecord struct {
	ID              int64
	Name            string
	Direction       Direction
	DefaultRate     uint32
	DefaultChannels uint8
	IsDefault       bool
	CreatedAt       string
}

// DeviceRepository resolves and manages device descriptors.
type DeviceRepository interface {
	Create(ctx context.Context, rec *DeviceRecord) error
	GetByName(ctx context.Context, name string) (*DeviceRecord, error)
	GetDefault(ctx context.Context, dir Direction) (*DeviceRecord, error)
	List(ctx context.Context) ([]DeviceRecord, error)
	SetDefault(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error

	// Resolve is the name-or-default device lookup: the empty name or the
	// literal query DefaultQuery resolves to the current default device for
	// dir, anything else resolves by exact name. pcm.Open does not call it.
	Resolve(ctx context.Context, name string, dir Direction) (*DeviceRecord, error)
}

type deviceRepo struct {
	dir *Directory
}

// NewDeviceRepository creates a DeviceRepository over an open Directory.
func NewDeviceRepository(dir *Directory) DeviceRepository {
	return &deviceRepo{dir: dir}
}

func (r *deviceRepo) Create(ctx context.Context, rec *DeviceRecord) error {
	result, err := r.dir.ExecContext(ctx,
		`INSERT INTO devices (name, direction, default_rate, default_channels, is_default)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Name, string(rec.Direction), rec.DefaultRate, rec.DefaultChannels, rec.IsDefault,
	)
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

func (r *deviceRepo) GetByName(ctx context.Context, name string) (*DeviceRecord, error) {
	return r.scanOne(r.dir.QueryRowContext(ctx,
		`SELECT id, name, direction, default_rate, default_channels, is_default, created_at
		 FROM devices WHERE name = ?`, name,
	))
}

func (r *deviceRepo) GetDefault(ctx context.Context, dir Direction) (*DeviceRecord, error) {
	return r.scanOne(r.dir.QueryRowContext(ctx,
		`SELECT id, name, direction, default_rate, default_channels, is_default, created_at
		 FROM devices WHERE direction = ? AND is_default = 1`, string(dir),
	))
}

func (r *deviceRepo) List(ctx context.Context) ([]DeviceRecord, error) {
	rows, err := r.dir.QueryContext(ctx,
		`SELECT id, name, direction, default_rate, default_channels, is_default, created_at
		 FROM devices ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var recs []DeviceRecord
	for rows.Next() {
		var rec DeviceRecord
		var direction string
		if err := rows.Scan(&rec.ID, &rec.Name, &direction, &rec.DefaultRate,
			&rec.DefaultChannels, &rec.IsDefault, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		rec.Direction = Direction(direction)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SetDefault clears any existing default for the target device's direction
// and marks id as the new default, in a single transaction.
func (r *deviceRepo) SetDefault(ctx context.Context, id int64) error {
	tx, err := r.dir.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var direction string
	if err := tx.QueryRowContext(ctx, `SELECT direction FROM devices WHERE id = ?`, id).Scan(&direction); err != nil {
		return fmt.Errorf("looking up device direction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE devices SET is_default = 0 WHERE direction = ?`, direction); err != nil {
		return fmt.Errorf("clearing existing default: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE devices SET is_default = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("setting new default: %w", err)
	}
	return tx.Commit()
}

func (r *deviceRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.dir.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return nil
}

func (r *deviceRepo) Resolve(ctx context.Context, name string, dir Direction) (*DeviceRecord, error) {
	if name == "" || name == DefaultQuery {
		return r.GetDefault(ctx, dir)
	}
	return r.GetByName(ctx, name)
}

func (r *deviceRepo) scanOne(row *sql.Row) (*DeviceRecord, error) {
	var rec DeviceRecord
	var direction string
	err := row.Scan(&rec.ID, &rec.Name, &direction, &rec.DefaultRate,
		&rec.DefaultChannels, &rec.IsDefault, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	rec.Direction = Direction(direction)
	return &rec, nil
}

// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package sqlite implements the provisioning database with a SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec/pdm"
)

// DB implements the provisioning database.
type DB struct {
	// Log all SQL queries to this optional writer.
	DebugLog io.Writer

	db *sql.DB
}

// New creates a DB. The expected tables must be created and FOREIGN_KEYS must
// be enabled before the database is used.
func New(db *sql.DB) *DB { return &DB{db: db} }

// Init ensures all tables are created and pragma are set. It does not
// recognize if tables have been created with invalid schemas.
//
// In most cases, Open should be used, which implicitly calls Init. However,
// Init can be useful for alternative SQLite connections that do not use a
// local file.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices
			( id INTEGER PRIMARY KEY AUTOINCREMENT
			, uuid BLOB UNIQUE NOT NULL
			, state INTEGER NOT NULL
			)`,
		`CREATE INDEX IF NOT EXISTS device_state
			ON devices(state)`,
		`CREATE TABLE IF NOT EXISTS links
			( id INTEGER NOT NULL
			, id2 INTEGER NOT NULL
			, state INTEGER NOT NULL
			, PRIMARY KEY(id, id2)
			, FOREIGN KEY(id) REFERENCES devices(id) ON DELETE CASCADE
			, FOREIGN KEY(id2) REFERENCES devices(id) ON DELETE CASCADE
			)`,
		`CREATE INDEX IF NOT EXISTS link_id2
			ON links(id2)`,
		`PRAGMA foreign_keys = ON`,
	}
	for _, sql := range stmts {
		if _, err := db.Exec(sql); err != nil {
			_ = db.Close()
			if strings.Contains(err.Error(), "file is not a database") {
				return fmt.Errorf("file is not a database: likely due to incorrect or missing database password")
			}
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error { return db.db.Close() }

// DB returns the underlying database/sql DB.
func (db *DB) DB() *sql.DB { return db.db }

type debugLogKey struct{}

func (db *DB) debugCtx(parent context.Context) context.Context {
	return context.WithValue(parent, debugLogKey{}, db.DebugLog)
}

func debug(ctx context.Context, format string, a ...any) {
	w, ok := ctx.Value(debugLogKey{}).(io.Writer)
	if !ok || w == nil {
		return
	}
	msg := strings.TrimSpace(fmt.Sprintf(format, a...))
	_, _ = fmt.Fprintln(w, msg)
}

var _ pdm.DB = (*DB)(nil)

// AddDevice implements pdm.DB.
func (db *DB) AddDevice(ctx context.Context, id uuid.UUID) error {
	ctx = db.debugCtx(ctx)
	err := insert(ctx, db.db, "devices", map[string]any{
		"uuid":  id[:],
		"state": int(pdm.DeviceInit),
	}, nil)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", pdm.ErrDuplicateDevice, id)
	}
	return err
}

// SetDeviceState implements pdm.DB.
func (db *DB) SetDeviceState(ctx context.Context, id uuid.UUID, state pdm.DeviceState) error {
	ctx = db.debugCtx(ctx)
	if err := update(ctx, db.db, "devices",
		map[string]any{"state": int(state)},
		map[string]any{"uuid": id[:]},
	); err != nil {
		return fmt.Errorf("device %s: %w", id, err)
	}
	return nil
}

// DeviceState implements pdm.DB.
func (db *DB) DeviceState(ctx context.Context, id uuid.UUID) (pdm.DeviceState, error) {
	ctx = db.debugCtx(ctx)
	var state int
	if err := query(ctx, db.db, "devices", []string{"state"}, map[string]any{"uuid": id[:]}, &state); err != nil {
		return 0, fmt.Errorf("device %s: %w", id, err)
	}
	return pdm.DeviceState(state), nil
}

type device struct {
	rowID int64
	state pdm.DeviceState
}

func lookup(ctx context.Context, q querier, id uuid.UUID) (device, error) {
	var dev device
	var state int
	if err := query(ctx, q, "devices", []string{"id", "state"}, map[string]any{"uuid": id[:]}, &dev.rowID, &state); err != nil {
		return device{}, fmt.Errorf("device %s: %w", id, err)
	}
	dev.state = pdm.DeviceState(state)
	return dev, nil
}

// linkKey returns the row IDs of a link in stored order.
func linkKey(ctx context.Context, q querier, a, b uuid.UUID) (lo, hi int64, err error) {
	devA, err := lookup(ctx, q, a)
	if err != nil {
		return 0, 0, err
	}
	devB, err := lookup(ctx, q, b)
	if err != nil {
		return 0, 0, err
	}
	return min(devA.rowID, devB.rowID), max(devA.rowID, devB.rowID), nil
}

// DeleteDevice implements pdm.DB.
func (db *DB) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	ctx = db.debugCtx(ctx)
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	dev, err := lookup(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := exec(ctx, tx, `DELETE FROM links WHERE id = ? OR id2 = ?`, dev.rowID, dev.rowID); err != nil {
		return fmt.Errorf("error deleting links of %s: %w", id, err)
	}
	if err := remove(ctx, tx, "devices", map[string]any{"id": dev.rowID}); err != nil {
		return fmt.Errorf("error deleting device %s: %w", id, err)
	}
	return tx.Commit()
}

// DeleteDevicesWithState implements pdm.DB.
func (db *DB) DeleteDevicesWithState(ctx context.Context, state pdm.DeviceState) error {
	ctx = db.debugCtx(ctx)
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := exec(ctx, tx, `DELETE FROM links
		WHERE id IN (SELECT id FROM devices WHERE state = ?)
		OR id2 IN (SELECT id FROM devices WHERE state = ?)`, int(state), int(state)); err != nil {
		return fmt.Errorf("error deleting links: %w", err)
	}
	if err := exec(ctx, tx, `DELETE FROM devices WHERE state = ?`, int(state)); err != nil {
		return fmt.Errorf("error deleting devices: %w", err)
	}
	return tx.Commit()
}

// OwnedDevices implements pdm.DB.
func (db *DB) OwnedDevices(ctx context.Context) ([]uuid.UUID, error) {
	ctx = db.debugCtx(ctx)
	return queryUUIDs(ctx, db.db, `SELECT uuid FROM devices WHERE state = ?`, int(pdm.DeviceActive))
}

// LinkDevices implements pdm.DB.
func (db *DB) LinkDevices(ctx context.Context, a, b uuid.UUID) error {
	if a == b {
		return pdm.ErrSameDevice
	}
	ctx = db.debugCtx(ctx)

	rows := make([]int64, 0, 2)
	for _, id := range []uuid.UUID{a, b} {
		dev, err := lookup(ctx, db.db, id)
		if err != nil {
			return err
		}
		if dev.state != pdm.DeviceActive {
			return fmt.Errorf("device %s is %s: %w", id, dev.state, pdm.ErrDeviceNotActive)
		}
		rows = append(rows, dev.rowID)
	}
	slices.Sort(rows)

	return insert(ctx, db.db, "links", map[string]any{
		"id":    rows[0],
		"id2":   rows[1],
		"state": int(pdm.LinkActive),
	}, []string{"id", "id2"})
}

// UnlinkDevices implements pdm.DB.
func (db *DB) UnlinkDevices(ctx context.Context, a, b uuid.UUID) error {
	ctx = db.debugCtx(ctx)
	lo, hi, err := linkKey(ctx, db.db, a, b)
	if err != nil {
		return err
	}
	if err := remove(ctx, db.db, "links", map[string]any{"id": lo, "id2": hi}); err != nil {
		return fmt.Errorf("link %s-%s: %w", a, b, err)
	}
	return nil
}

// SetLinkStale implements pdm.DB.
func (db *DB) SetLinkStale(ctx context.Context, a, b uuid.UUID) error {
	ctx = db.debugCtx(ctx)
	lo, hi, err := linkKey(ctx, db.db, a, b)
	if err != nil {
		return err
	}
	if err := update(ctx, db.db, "links",
		map[string]any{"state": int(pdm.LinkStale)},
		map[string]any{"id": lo, "id2": hi},
	); err != nil {
		return fmt.Errorf("link %s-%s: %w", a, b, err)
	}
	return nil
}

// LinkedDevices implements pdm.DB.
func (db *DB) LinkedDevices(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	ctx = db.debugCtx(ctx)
	dev, err := lookup(ctx, db.db, id)
	if errors.Is(err, pdm.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return queryUUIDs(ctx, db.db, `SELECT d.uuid FROM links l
		JOIN devices d ON d.id = CASE WHEN l.id = ? THEN l.id2 ELSE l.id END
		WHERE (l.id = ? OR l.id2 = ?) AND l.state = ?`,
		dev.rowID, dev.rowID, dev.rowID, int(pdm.LinkActive))
}

// StaleLinks implements pdm.DB.
func (db *DB) StaleLinks(ctx context.Context) ([]pdm.Link, error) {
	ctx = db.debugCtx(ctx)
	const stmt = `SELECT a.uuid, b.uuid FROM links l
		JOIN devices a ON a.id = l.id
		JOIN devices b ON b.id = l.id2
		WHERE l.state = ?`
	debug(ctx, "sqlite: %s", stmt)

	rows, err := db.db.QueryContext(ctx, stmt, int(pdm.LinkStale))
	if err != nil {
		return nil, fmt.Errorf("error querying stale links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var links []pdm.Link
	for rows.Next() {
		var a, b []byte
		if err := rows.Scan(&a, &b); err != nil {
			return nil, fmt.Errorf("error scanning stale link: %w", err)
		}
		link := pdm.Link{State: pdm.LinkStale}
		if link.A, err = uuid.FromBytes(a); err != nil {
			return nil, fmt.Errorf("invalid stored UUID: %w", err)
		}
		if link.B, err = uuid.FromBytes(b); err != nil {
			return nil, fmt.Errorf("invalid stored UUID: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// IsLinkExists implements pdm.DB.
func (db *DB) IsLinkExists(ctx context.Context, a, b uuid.UUID) (bool, error) {
	ctx = db.debugCtx(ctx)
	lo, hi, err := linkKey(ctx, db.db, a, b)
	if errors.Is(err, pdm.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	var state int
	err = query(ctx, db.db, "links", []string{"state"}, map[string]any{"id": lo, "id2": hi}, &state)
	if errors.Is(err, pdm.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Allows using *sql.DB or *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Allows using *sql.DB or *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Allows using *sql.DB or *sql.Tx
type rowsQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func exec(ctx context.Context, db execer, stmt string, args ...any) error {
	debug(ctx, "sqlite: %s\n%+v", stmt, args)
	_, err := db.ExecContext(ctx, stmt, args...)
	return err
}

// If upsertOnConflict is an empty slice (non-nil), then do an INSERT OR IGNORE
func insert(ctx context.Context, db execer, table string, kvs map[string]any, upsertOnConflict []string) error {
	var orIgnore string
	if upsertOnConflict != nil && len(upsertOnConflict) == 0 {
		orIgnore = "OR IGNORE "
	}

	columns := slices.Sorted(maps.Keys(kvs))
	args := make([]any, len(columns))
	for i, name := range columns {
		args[i] = kvs[name]
	}
	markers := slices.Repeat([]string{"?"}, len(columns))

	var upsert string
	if len(upsertOnConflict) > 0 {
		var updates []string
		for _, key := range columns {
			if !slices.Contains(upsertOnConflict, key) {
				updates = append(updates, fmt.Sprintf("`%s` = excluded.`%s`", key, key))
			}
		}
		upsert = fmt.Sprintf(" ON CONFLICT(`%s`) DO UPDATE SET %s",
			strings.Join(upsertOnConflict, "`, `"), strings.Join(updates, ", "))
	}

	query := fmt.Sprintf(
		"INSERT %sINTO %s (%s) VALUES (%s)%s",
		orIgnore,
		table,
		"`"+strings.Join(columns, "`, `")+"`",
		strings.Join(markers, ", "),
		upsert,
	)
	debug(ctx, "sqlite: %s\n%+v", query, args)
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// whereClause builds an AND of equality conditions with stable ordering.
func whereClause(where map[string]any) (string, []any) {
	keys := slices.Sorted(maps.Keys(where))
	clauses := make([]string, len(keys))
	vals := make([]any, len(keys))
	for i, key := range keys {
		clauses[i] = "`" + key + "` = ?"
		vals[i] = where[key]
	}
	return strings.Join(clauses, " AND "), vals
}

// update returns pdm.ErrNotFound if no row matched.
func update(ctx context.Context, db execer, table string, kvs, where map[string]any) error {
	setKeys := slices.Sorted(maps.Keys(kvs))
	setCmds := make([]string, len(setKeys))
	setVals := make([]any, len(setKeys))
	for i, key := range setKeys {
		setCmds[i] = "`" + key + "` = ?"
		setVals[i] = kvs[key]
	}
	clause, whereVals := whereClause(where)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s`, table, strings.Join(setCmds, ", "), clause)
	debug(ctx, "sqlite: %s\n%+v", query, kvs)

	result, err := db.ExecContext(ctx, query, append(setVals, whereVals...)...)
	if err != nil {
		return err
	}
	return requireRows(result)
}

func query(ctx context.Context, db querier, table string, columns []string, where map[string]any, into ...any) error {
	if len(columns) != len(into) {
		panic("programming error - query must have the same number of columns and values")
	}
	clause, whereVals := whereClause(where)

	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s`,
		"`"+strings.Join(columns, "`, `")+"`",
		table,
		clause,
	)
	debug(ctx, "sqlite: %s\n%+v", query, where)

	row := db.QueryRowContext(ctx, query, whereVals...)
	if err := row.Scan(into...); errors.Is(err, sql.ErrNoRows) {
		return pdm.ErrNotFound
	} else if err != nil {
		return fmt.Errorf("error querying DB: %w", err)
	}
	return nil
}

func queryUUIDs(ctx context.Context, db rowsQuerier, stmt string, args ...any) ([]uuid.UUID, error) {
	debug(ctx, "sqlite: %s\n%+v", stmt, args)
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying DB: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("error scanning UUID: %w", err)
		}
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid stored UUID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// remove returns pdm.ErrNotFound if no row matched.
func remove(ctx context.Context, db execer, table string, where map[string]any) error {
	clause, whereVals := whereClause(where)
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, table, clause)
	debug(ctx, "sqlite: %s\n%+v", query, whereVals)

	result, err := db.ExecContext(ctx, query, whereVals...)
	if err != nil {
		return err
	}
	return requireRows(result)
}

func requireRows(result sql.Result) error {
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n < 1 {
		return pdm.ErrNotFound
	}
	return nil
}

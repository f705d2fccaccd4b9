// Package sqlstore implements meta.Store on database/sql. The sqlite and
// postgres packages supply the driver, DDL and placeholder dialect; all
// query logic lives here.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"framestore/internal/meta"
	"framestore/pkg/domain"
)

var _ meta.Store = (*Store)(nil)

// Dialect selects the bind-parameter style of the underlying driver.
type Dialect int

const (
	// DialectSQLite uses ? placeholders.
	DialectSQLite Dialect = iota
	// DialectPostgres uses $1..$n placeholders.
	DialectPostgres
)

// Store runs meta queries against an open database handle.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open handle. The caller has already applied the schema.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying handle for integration test hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders into the dialect's style.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const timeLayout = "2006-01-02T15:04:05"

// InsertFrameDataset writes the dataset row and all frame rows in one
// transaction so a mid-insert failure leaves no partial dataset behind.
func (s *Store) InsertFrameDataset(ctx context.Context, ds domain.DatasetRecord, frames []domain.FrameRecord) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := s.insertDataset(ctx, tx, ds); err != nil {
		return err
	}
	for _, fr := range frames {
		if err := s.insertFrame(ctx, tx, fr); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InsertFileDataset writes a file-type dataset row.
func (s *Store) InsertFileDataset(ctx context.Context, ds domain.DatasetRecord) error {
	return s.InsertFrameDataset(ctx, ds, nil)
}

func (s *Store) insertDataset(ctx context.Context, tx *sql.Tx, ds domain.DatasetRecord) error {
	var one int
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM datasets WHERE id = ?`), ds.ID.String()).Scan(&one)
	if err == nil {
		return &domain.DuplicateError{ID: ds.ID}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check duplicate: %w", err)
	}
	globalJSON, err := json.Marshal(ds.Global)
	if err != nil {
		return fmt.Errorf("encode global metadata: %w", err)
	}
	var parent any
	if ds.ParentID != nil {
		parent = ds.ParentID.String()
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO datasets
		(id, project, acquired_at, serial, description, microscope, parent_id,
		 upload_type, frame_count, file_name, sha256, global_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ds.ID.String(), ds.ID.Project, ds.ID.Time.UTC().Format(timeLayout), ds.ID.Serial,
		ds.Description, ds.Microscope, parent,
		string(ds.UploadType), ds.FrameCount, ds.FileName, ds.SHA256, string(globalJSON))
	if err != nil {
		return fmt.Errorf("insert dataset: %w", err)
	}
	return nil
}

func (s *Store) insertFrame(ctx context.Context, tx *sql.Tx, fr domain.FrameRecord) error {
	metaJSON, err := json.Marshal(fr.Metadata)
	if err != nil {
		return fmt.Errorf("encode frame metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO frames
		(dataset_id, slice_idx, channel_idx, time_idx, pos_idx, channel_name,
		 storage_path, sha256, height, width, dtype, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		fr.DatasetID.String(), fr.Index.Slice, fr.Index.Channel, fr.Index.Time, fr.Index.Pos,
		fr.Index.ChannelName, fr.StoragePath, fr.SHA256, fr.Height, fr.Width, fr.DType, string(metaJSON))
	if err != nil {
		return fmt.Errorf("insert frame %s: %w", fr.Index, err)
	}
	return nil
}

// Dataset returns one dataset record.
func (s *Store) Dataset(ctx context.Context, id domain.DatasetID) (domain.DatasetRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, description, microscope,
		parent_id, upload_type, frame_count, file_name, sha256, global_json
		FROM datasets WHERE id = ?`), id.String())
	ds, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DatasetRecord{}, &domain.NotFoundError{ID: id}
	}
	return ds, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanDataset(row rowScanner) (domain.DatasetRecord, error) {
	var (
		ds         domain.DatasetRecord
		idStr      string
		parent     sql.NullString
		uploadType string
		globalJSON string
	)
	err := row.Scan(&idStr, &ds.Description, &ds.Microscope, &parent,
		&uploadType, &ds.FrameCount, &ds.FileName, &ds.SHA256, &globalJSON)
	if err != nil {
		return domain.DatasetRecord{}, err
	}
	ds.ID, err = domain.ParseDatasetID(idStr)
	if err != nil {
		return domain.DatasetRecord{}, fmt.Errorf("stored id %q: %w", idStr, err)
	}
	if parent.Valid {
		pid, err := domain.ParseDatasetID(parent.String)
		if err != nil {
			return domain.DatasetRecord{}, fmt.Errorf("stored parent id %q: %w", parent.String, err)
		}
		ds.ParentID = &pid
	}
	ds.UploadType = domain.UploadType(uploadType)
	if err := json.Unmarshal([]byte(globalJSON), &ds.Global); err != nil {
		return domain.DatasetRecord{}, fmt.Errorf("decode global metadata: %w", err)
	}
	return ds, nil
}

// Frames returns the dataset's frame records matching sel, ordered by
// (slice, channel, time, pos). Axis constraints are pushed into the query;
// channel-name selection is resolved to ordinals by the caller or matched
// on the stored label here.
func (s *Store) Frames(ctx context.Context, id domain.DatasetID, sel domain.Selection) ([]domain.FrameRecord, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.Dataset(ctx, id); err != nil {
		return nil, err
	}

	query := `SELECT dataset_id, slice_idx, channel_idx, time_idx, pos_idx, channel_name,
		storage_path, sha256, height, width, dtype, metadata_json
		FROM frames WHERE dataset_id = ?`
	args := []any{id.String()}
	addIn := func(col string, vals []int) {
		if len(vals) == 0 {
			return
		}
		query += " AND " + col + " IN (" + placeholders(len(vals)) + ")"
		for _, v := range vals {
			args = append(args, v)
		}
	}
	addIn("slice_idx", sel.Slices)
	addIn("channel_idx", sel.Channels)
	addIn("time_idx", sel.Times)
	addIn("pos_idx", sel.Positions)
	if len(sel.ChannelNames) > 0 {
		query += " AND channel_name IN (" + placeholders(len(sel.ChannelNames)) + ")"
		for _, v := range sel.ChannelNames {
			args = append(args, v)
		}
	}
	query += " ORDER BY slice_idx, channel_idx, time_idx, pos_idx"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []domain.FrameRecord{}
	for rows.Next() {
		var (
			fr       domain.FrameRecord
			idStr    string
			metaJSON string
		)
		if err := rows.Scan(&idStr, &fr.Index.Slice, &fr.Index.Channel, &fr.Index.Time,
			&fr.Index.Pos, &fr.Index.ChannelName, &fr.StoragePath, &fr.SHA256,
			&fr.Height, &fr.Width, &fr.DType, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		fr.DatasetID = id
		if metaJSON != "" && metaJSON != "null" {
			if err := json.Unmarshal([]byte(metaJSON), &fr.Metadata); err != nil {
				return nil, fmt.Errorf("decode frame metadata: %w", err)
			}
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

// Datasets returns records matching the filter ordered by identifier.
func (s *Store) Datasets(ctx context.Context, f meta.Filter) ([]domain.DatasetRecord, error) {
	query := `SELECT id, description, microscope, parent_id, upload_type,
		frame_count, file_name, sha256, global_json FROM datasets WHERE 1=1`
	var args []any
	if f.Project != "" {
		query += " AND project = ?"
		args = append(args, f.Project)
	}
	if f.Microscope != "" {
		query += " AND microscope = ?"
		args = append(args, f.Microscope)
	}
	if f.Description != "" {
		query += " AND lower(description) LIKE ?"
		args = append(args, "%"+strings.ToLower(f.Description)+"%")
	}
	if !f.From.IsZero() {
		query += " AND acquired_at >= ?"
		args = append(args, f.From.UTC().Format(timeLayout))
	}
	if !f.To.IsZero() {
		query += " AND acquired_at <= ?"
		args = append(args, f.To.UTC().Format(timeLayout))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.DatasetRecord
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// DeleteDataset removes the dataset row and its frame rows.
func (s *Store) DeleteDataset(ctx context.Context, id domain.DatasetID) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM frames WHERE dataset_id = ?`), id.String()); err != nil {
		return fmt.Errorf("delete frames: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM datasets WHERE id = ?`), id.String())
	if err != nil {
		return fmt.Errorf("delete dataset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &domain.NotFoundError{ID: id}
	}
	return tx.Commit()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Schema returns the DDL statements shared by both dialects. Timestamps
// are stored as sortable text so range filters work identically on SQLite
// and Postgres.
func Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS datasets (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			serial INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			microscope TEXT NOT NULL DEFAULT '',
			parent_id TEXT,
			upload_type TEXT NOT NULL,
			frame_count INTEGER NOT NULL DEFAULT 0,
			file_name TEXT NOT NULL DEFAULT '',
			sha256 TEXT NOT NULL DEFAULT '',
			global_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS frames (
			dataset_id TEXT NOT NULL REFERENCES datasets(id),
			slice_idx INTEGER NOT NULL,
			channel_idx INTEGER NOT NULL,
			time_idx INTEGER NOT NULL,
			pos_idx INTEGER NOT NULL,
			channel_name TEXT NOT NULL DEFAULT '',
			storage_path TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			height INTEGER NOT NULL,
			width INTEGER NOT NULL,
			dtype TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (dataset_id, slice_idx, channel_idx, time_idx, pos_idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_datasets_project ON datasets (project, acquired_at)`,
	}
}

// ApplySchema executes the shared DDL against an open handle.
func ApplySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SQL-backed attributes store.
package storesql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/internal/attributes"
)

// SQLAttributes implements attributes.Store over a sqlx database.
type SQLAttributes struct {
	db *sqlx.DB
}

// NewAttributes builds the store; Migrate must have been applied.
func NewAttributes(db *sqlx.DB) *SQLAttributes {
	return &SQLAttributes{db: db}
}

type attrRow struct {
	ID                 string         `db:"id"`
	ParentID           sql.NullString `db:"parent_id"`
	ItemOffset         int64          `db:"item_offset"`
	DataOffset         int64          `db:"data_offset"`
	Size               int64          `db:"size"`
	RootTransactionID  sql.NullString `db:"root_transaction_id"`
	RootDataItemOffset sql.NullInt64  `db:"root_data_item_offset"`
	RootDataOffset     sql.NullInt64  `db:"root_data_offset"`
	ContentType        string         `db:"content_type"`
	Hash               []byte         `db:"hash"`
	Verified           bool           `db:"verified"`
}

func (s *SQLAttributes) Get(ctx context.Context, id arid.ID) (attributes.Row, error) {
	var raw attrRow
	err := s.db.GetContext(ctx, &raw,
		`SELECT id, parent_id, item_offset, data_offset, size,
		        root_transaction_id, root_data_item_offset, root_data_offset,
		        content_type, hash, verified
		 FROM data_item_attributes WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return attributes.Row{}, attributes.ErrNotFound
	}
	if err != nil {
		return attributes.Row{}, err
	}
	return fromAttrRow(raw)
}

func fromAttrRow(raw attrRow) (attributes.Row, error) {
	row := attributes.Row{
		Offset:      raw.ItemOffset,
		DataOffset:  raw.DataOffset,
		Size:        raw.Size,
		ContentType: raw.ContentType,
		Verified:    raw.Verified,
	}
	var err error
	if row.ID, err = arid.Parse(raw.ID); err != nil {
		return attributes.Row{}, err
	}
	if raw.ParentID.Valid {
		if row.ParentID, err = arid.Parse(raw.ParentID.String); err != nil {
			return attributes.Row{}, err
		}
		row.HasParent = true
	}
	if raw.RootTransactionID.Valid && raw.RootDataItemOffset.Valid && raw.RootDataOffset.Valid {
		if row.RootTransactionID, err = arid.Parse(raw.RootTransactionID.String); err != nil {
			return attributes.Row{}, err
		}
		row.HasRoot = true
		row.RootDataItemOffset = raw.RootDataItemOffset.Int64
		row.RootDataOffset = raw.RootDataOffset.Int64
	}
	if len(raw.Hash) == 32 {
		copy(row.Hash[:], raw.Hash)
		row.HasHash = true
	}
	return row, nil
}

func (s *SQLAttributes) Put(ctx context.Context, row attributes.Row) error {
	var parent sql.NullString
	if row.HasParent {
		parent = nullString(row.ParentID.String())
	}
	// Structural fields only; Root*/Hash/Verified are owned by their
	// setters and left untouched on conflict.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO data_item_attributes
		     (id, parent_id, item_offset, data_offset, size, content_type)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		     parent_id = VALUES(parent_id),
		     item_offset = VALUES(item_offset),
		     data_offset = VALUES(data_offset),
		     size = VALUES(size),
		     content_type = VALUES(content_type)`,
		row.ID.String(), parent, row.Offset, row.DataOffset, row.Size, row.ContentType)
	return err
}

func (s *SQLAttributes) SetRoot(ctx context.Context, id, rootTxID arid.ID, rootDataItemOffset, rootDataOffset int64) error {
	// Set-once: the WHERE clause makes losing concurrent writers no-ops.
	res, err := s.db.ExecContext(ctx,
		`UPDATE data_item_attributes
		 SET root_transaction_id = ?, root_data_item_offset = ?, root_data_offset = ?
		 WHERE id = ? AND root_transaction_id IS NULL`,
		rootTxID.String(), rootDataItemOffset, rootDataOffset, id.String())
	if err != nil {
		return err
	}
	return s.errIfMissing(ctx, res, id)
}

func (s *SQLAttributes) SetHash(ctx context.Context, id arid.ID, hash [32]byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE data_item_attributes SET hash = ? WHERE id = ? AND hash IS NULL`,
		hash[:], id.String())
	if err != nil {
		return err
	}
	return s.errIfMissing(ctx, res, id)
}

func (s *SQLAttributes) SetVerified(ctx context.Context, id arid.ID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE data_item_attributes SET verified = TRUE WHERE id = ?`,
		id.String())
	if err != nil {
		return err
	}
	return s.errIfMissing(ctx, res, id)
}

// errIfMissing distinguishes "no-op because already set" from "no such
// row": zero rows affected is fine when the row exists.
func (s *SQLAttributes) errIfMissing(ctx context.Context, res sql.Result, id arid.ID) error {
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	var one int
	err = s.db.GetContext(ctx, &one,
		`SELECT 1 FROM data_item_attributes WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return attributes.ErrNotFound
	}
	return err
}

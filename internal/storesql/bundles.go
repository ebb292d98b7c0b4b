// SQL-backed bundles store.
package storesql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/internal/bundles"
	"github.com/ar-io/gateway-node/tag"
)

// SQLBundles implements bundles.Store over a sqlx database.
type SQLBundles struct {
	db *sqlx.DB
}

// NewBundles builds the store; Migrate must have been applied.
func NewBundles(db *sqlx.DB) *SQLBundles {
	return &SQLBundles{db: db}
}

type bundleRow struct {
	ID                   string       `db:"id"`
	RootTransactionID    string       `db:"root_transaction_id"`
	State                string       `db:"state"`
	FirstQueuedAt        sql.NullTime `db:"first_queued_at"`
	LastQueuedAt         sql.NullTime `db:"last_queued_at"`
	FirstSkippedAt       sql.NullTime `db:"first_skipped_at"`
	FirstUnbundledAt     sql.NullTime `db:"first_unbundled_at"`
	FirstFullyIndexedAt  sql.NullTime `db:"first_fully_indexed_at"`
	LastStateAt          sql.NullTime `db:"last_state_at"`
	ImportAttemptCount   int          `db:"import_attempt_count"`
	MatchedDataItemCount int          `db:"matched_data_item_count"`
	DataItemCount        int          `db:"data_item_count"`
	DataRootTrusted      []byte       `db:"data_root_trusted"`
	Verified             bool         `db:"verified"`
	RetryCount           int          `db:"retry_count"`
}

const bundleColumns = `id, root_transaction_id, state, first_queued_at,
	last_queued_at, first_skipped_at, first_unbundled_at,
	first_fully_indexed_at, last_state_at, import_attempt_count,
	matched_data_item_count, data_item_count, data_root_trusted,
	verified, retry_count`

func (s *SQLBundles) Get(ctx context.Context, id arid.ID) (bundles.Record, error) {
	var raw bundleRow
	err := s.db.GetContext(ctx, &raw,
		`SELECT `+bundleColumns+` FROM bundles WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return bundles.Record{}, bundles.ErrNotFound
	}
	if err != nil {
		return bundles.Record{}, err
	}
	return fromBundleRow(raw)
}

func fromBundleRow(raw bundleRow) (bundles.Record, error) {
	rec := bundles.Record{
		State:                bundles.State(raw.State),
		FirstQueuedAt:        raw.FirstQueuedAt.Time,
		LastQueuedAt:         raw.LastQueuedAt.Time,
		FirstSkippedAt:       raw.FirstSkippedAt.Time,
		FirstUnbundledAt:     raw.FirstUnbundledAt.Time,
		FirstFullyIndexedAt:  raw.FirstFullyIndexedAt.Time,
		LastStateAt:          raw.LastStateAt.Time,
		ImportAttemptCount:   raw.ImportAttemptCount,
		MatchedDataItemCount: raw.MatchedDataItemCount,
		DataItemCount:        raw.DataItemCount,
		DataRootTrusted:      raw.DataRootTrusted,
		Verified:             raw.Verified,
		RetryCount:           raw.RetryCount,
	}
	var err error
	if rec.ID, err = arid.Parse(raw.ID); err != nil {
		return bundles.Record{}, err
	}
	if rec.RootTransactionID, err = arid.Parse(raw.RootTransactionID); err != nil {
		return bundles.Record{}, err
	}
	return rec, nil
}

func (s *SQLBundles) Upsert(ctx context.Context, rec bundles.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bundles (`+bundleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		     root_transaction_id = VALUES(root_transaction_id),
		     state = VALUES(state),
		     first_queued_at = VALUES(first_queued_at),
		     last_queued_at = VALUES(last_queued_at),
		     first_skipped_at = VALUES(first_skipped_at),
		     first_unbundled_at = VALUES(first_unbundled_at),
		     first_fully_indexed_at = VALUES(first_fully_indexed_at),
		     last_state_at = VALUES(last_state_at),
		     import_attempt_count = VALUES(import_attempt_count),
		     matched_data_item_count = VALUES(matched_data_item_count),
		     data_item_count = VALUES(data_item_count),
		     data_root_trusted = VALUES(data_root_trusted),
		     verified = VALUES(verified),
		     retry_count = VALUES(retry_count)`,
		rec.ID.String(), rec.RootTransactionID.String(), string(rec.State),
		nullTime(rec.FirstQueuedAt), nullTime(rec.LastQueuedAt),
		nullTime(rec.FirstSkippedAt), nullTime(rec.FirstUnbundledAt),
		nullTime(rec.FirstFullyIndexedAt), nullTime(rec.LastStateAt),
		rec.ImportAttemptCount, rec.MatchedDataItemCount, rec.DataItemCount,
		rec.DataRootTrusted, rec.Verified, rec.RetryCount)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *SQLBundles) Transition(ctx context.Context, id arid.ID, state bundles.State, now time.Time) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	// Repeat the memory store's timestamp bookkeeping (applySQLTransition
	// copies its rules) by round-tripping through a Record; a table-level write ticket (one connection) keeps
	// this read-modify-write serialized per id in practice, matching the
	// single-writer-per-row policy.
	applySQLTransition(&rec, state, now)
	return s.Upsert(ctx, rec)
}

func applySQLTransition(rec *bundles.Record, state bundles.State, now time.Time) {
	rec.State = state
	rec.LastStateAt = now
	switch state {
	case bundles.StateQueued:
		if rec.FirstQueuedAt.IsZero() {
			rec.FirstQueuedAt = now
		}
		rec.LastQueuedAt = now
	case bundles.StateSkipped:
		if rec.FirstSkippedAt.IsZero() {
			rec.FirstSkippedAt = now
		}
	case bundles.StateDownloading:
		rec.ImportAttemptCount++
	case bundles.StateUnbundling:
		if rec.FirstUnbundledAt.IsZero() {
			rec.FirstUnbundledAt = now
		}
	case bundles.StateIndexed:
		if rec.FirstFullyIndexedAt.IsZero() {
			rec.FirstFullyIndexedAt = now
		}
	}
}

func (s *SQLBundles) MarkVerified(ctx context.Context, id arid.ID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bundles SET verified = TRUE WHERE id = ?`, id.String())
	return err
}

func (s *SQLBundles) IncrementRetry(ctx context.Context, id arid.ID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bundles SET retry_count = retry_count + 1 WHERE id = ?`, id.String())
	return err
}

func (s *SQLBundles) PutDataItems(ctx context.Context, bundleID arid.ID, items []bundles.NormalizedDataItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, item := range items {
		tagsJSON, err := json.Marshal(item.Tags)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stable_data_items
			     (id, parent_id, root_transaction_id, height, signature_type,
			      signature_offset, signature_size, owner_offset, owner_size,
			      target, anchor, tags_json, content_type, item_offset,
			      data_offset, size, indexed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE indexed_at = VALUES(indexed_at)`,
			item.ID.String(), bundleID.String(), item.RootTransactionID.String(),
			item.Height, item.SignatureType, item.SignatureOffset,
			item.SignatureSize, item.OwnerOffset, item.OwnerSize,
			item.Target, item.Anchor, string(tagsJSON), item.ContentType,
			item.Offset, item.DataOffset, item.Size, nullTime(item.IndexedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type dataItemRow struct {
	ID                string       `db:"id"`
	ParentID          string       `db:"parent_id"`
	RootTransactionID string       `db:"root_transaction_id"`
	Height            int64        `db:"height"`
	SignatureType     int          `db:"signature_type"`
	SignatureOffset   int64        `db:"signature_offset"`
	SignatureSize     int64        `db:"signature_size"`
	OwnerOffset       int64        `db:"owner_offset"`
	OwnerSize         int64        `db:"owner_size"`
	Target            string       `db:"target"`
	Anchor            string       `db:"anchor"`
	TagsJSON          sql.NullString `db:"tags_json"`
	ContentType       string       `db:"content_type"`
	ItemOffset        int64        `db:"item_offset"`
	DataOffset        int64        `db:"data_offset"`
	Size              int64        `db:"size"`
	IndexedAt         sql.NullTime `db:"indexed_at"`
}

func (s *SQLBundles) DataItems(ctx context.Context, bundleID arid.ID) ([]bundles.NormalizedDataItem, error) {
	var raws []dataItemRow
	err := s.db.SelectContext(ctx, &raws,
		`SELECT id, parent_id, root_transaction_id, height, signature_type,
		        signature_offset, signature_size, owner_offset, owner_size,
		        target, anchor, tags_json, content_type, item_offset,
		        data_offset, size, indexed_at
		 FROM stable_data_items WHERE parent_id = ?`, bundleID.String())
	if err != nil {
		return nil, err
	}
	out := make([]bundles.NormalizedDataItem, 0, len(raws))
	for _, raw := range raws {
		item, err := fromDataItemRow(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func fromDataItemRow(raw dataItemRow) (bundles.NormalizedDataItem, error) {
	item := bundles.NormalizedDataItem{
		Height:          raw.Height,
		SignatureType:   raw.SignatureType,
		SignatureOffset: raw.SignatureOffset,
		SignatureSize:   raw.SignatureSize,
		OwnerOffset:     raw.OwnerOffset,
		OwnerSize:       raw.OwnerSize,
		Target:          raw.Target,
		Anchor:          raw.Anchor,
		ContentType:     raw.ContentType,
		Offset:          raw.ItemOffset,
		DataOffset:      raw.DataOffset,
		Size:            raw.Size,
		IndexedAt:       raw.IndexedAt.Time,
	}
	var err error
	if item.ID, err = arid.Parse(raw.ID); err != nil {
		return bundles.NormalizedDataItem{}, err
	}
	if item.ParentID, err = arid.Parse(raw.ParentID); err != nil {
		return bundles.NormalizedDataItem{}, err
	}
	if item.RootTransactionID, err = arid.Parse(raw.RootTransactionID); err != nil {
		return bundles.NormalizedDataItem{}, err
	}
	if raw.TagsJSON.Valid && raw.TagsJSON.String != "" {
		var tags []tag.Tag
		if err := json.Unmarshal([]byte(raw.TagsJSON.String), &tags); err != nil {
			return bundles.NormalizedDataItem{}, err
		}
		item.Tags = tags
	}
	return item, nil
}

func (s *SQLBundles) InState(ctx context.Context, limit int, states ...bundles.State) ([]bundles.Record, error) {
	if len(states) == 0 {
		return nil, nil
	}
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	query, args, err := sqlx.In(
		`SELECT `+bundleColumns+` FROM bundles WHERE state IN (?) ORDER BY last_state_at`, names)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var raws []bundleRow
	if err := s.db.SelectContext(ctx, &raws, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]bundles.Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := fromBundleRow(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

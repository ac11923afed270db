// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hifive/hifive-sync-server-sub000/syncserver"
)

// reservationPollInterval is how often GetForUpdate re-attempts to claim a
// reserved row before checking ctx again.
const reservationPollInterval = 25 * time.Millisecond

// claimRetryable reports whether a reservation claim failed with contention
// that another poll round can resolve: serialization failures, deadlock
// victims, and lock timeouts. Anything else aborts the claim loop.
func claimRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return true
	}
	return false
}

// VersionStore persists version records in sync.version_record.
type VersionStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	qb     sq.StatementBuilderType
}

var _ syncserver.VersionStore = (*VersionStore)(nil)

// NewVersionStore creates a version store over an existing pool. The caller
// is responsible for pool lifecycle.
func NewVersionStore(pool *pgxpool.Pool, logger *slog.Logger) *VersionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionStore{
		pool:   pool,
		logger: logger,
		qb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (s *VersionStore) Get(ctx context.Context, id syncserver.ResourceItemID) (*syncserver.VersionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT target_item_id, last_modified, action, reserved
		FROM sync.version_record
		WHERE resource_name = @resource_name AND item_id = @item_id`,
		pgx.NamedArgs{"resource_name": id.ResourceName, "item_id": id.ItemID},
	)
	return scanRecord(row, id)
}

// GetForUpdate claims the row-level reservation, polling while another caller
// holds it. The reservation is a persisted flag rather than a transaction
// lock so it can span the pooled connections of one logical batch.
func (s *VersionStore) GetForUpdate(ctx context.Context, id syncserver.ResourceItemID) (*syncserver.VersionRecord, error) {
	for {
		row := s.pool.QueryRow(ctx, `
			UPDATE sync.version_record
			SET reserved = TRUE
			WHERE resource_name = @resource_name AND item_id = @item_id AND reserved = FALSE
			RETURNING target_item_id, last_modified, action, reserved`,
			pgx.NamedArgs{"resource_name": id.ResourceName, "item_id": id.ItemID},
		)
		rec, err := scanRecord(row, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, syncserver.ErrRecordNotFound) {
			if claimRetryable(err) {
				if serr := s.waitPoll(ctx); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, err
		}

		// No claimable row: either the record is missing or someone holds
		// the reservation.
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		if serr := s.waitPoll(ctx); serr != nil {
			return nil, serr
		}
	}
}

// waitPoll sleeps one reservation poll interval, honoring cancellation.
func (s *VersionStore) waitPoll(ctx context.Context) error {
	timer := time.NewTimer(reservationPollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *VersionStore) Create(ctx context.Context, rec *syncserver.VersionRecord) (*syncserver.VersionRecord, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync.version_record
			(resource_name, item_id, target_item_id, last_modified, action, reserved)
		VALUES (@resource_name, @item_id, @target_item_id, @last_modified, @action, FALSE)`,
		pgx.NamedArgs{
			"resource_name":  rec.ID.ResourceName,
			"item_id":        rec.ID.ItemID,
			"target_item_id": rec.TargetItemID,
			"last_modified":  rec.LastModified,
			"action":         string(rec.Action),
		},
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, syncserver.ErrDuplicateRecord
		}
		return nil, fmt.Errorf("insert version record %s: %w", rec.ID, err)
	}
	out := rec.Clone()
	out.Reserved = false
	return out, nil
}

func (s *VersionStore) Save(ctx context.Context, rec *syncserver.VersionRecord) (*syncserver.VersionRecord, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync.version_record
		SET target_item_id = @target_item_id,
			last_modified = @last_modified,
			action = @action
		WHERE resource_name = @resource_name AND item_id = @item_id`,
		pgx.NamedArgs{
			"resource_name":  rec.ID.ResourceName,
			"item_id":        rec.ID.ItemID,
			"target_item_id": rec.TargetItemID,
			"last_modified":  rec.LastModified,
			"action":         string(rec.Action),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("update version record %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, syncserver.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *VersionStore) Release(ctx context.Context, id syncserver.ResourceItemID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync.version_record
		SET reserved = FALSE
		WHERE resource_name = @resource_name AND item_id = @item_id`,
		pgx.NamedArgs{"resource_name": id.ResourceName, "item_id": id.ItemID},
	)
	if err != nil {
		return fmt.Errorf("release version record %s: %w", id, err)
	}
	return nil
}

func (s *VersionStore) FindModifiedSince(ctx context.Context, resourceName string, itemIDs []string, since int64) ([]*syncserver.VersionRecord, error) {
	q := s.qb.
		Select("item_id", "target_item_id", "last_modified", "action", "reserved").
		From("sync.version_record").
		Where(sq.Eq{"resource_name": resourceName}).
		Where(sq.Gt{"last_modified": since}).
		OrderBy("item_id")
	if len(itemIDs) > 0 {
		q = q.Where(sq.Eq{"item_id": itemIDs})
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build modified-since query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query modified records for %s: %w", resourceName, err)
	}
	defer rows.Close()

	var out []*syncserver.VersionRecord
	for rows.Next() {
		rec := &syncserver.VersionRecord{ID: syncserver.ResourceItemID{ResourceName: resourceName}}
		var action string
		if err := rows.Scan(&rec.ID.ItemID, &rec.TargetItemID, &rec.LastModified, &action, &rec.Reserved); err != nil {
			return nil, fmt.Errorf("scan modified record: %w", err)
		}
		rec.Action = syncserver.SyncAction(action)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modified records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row, id syncserver.ResourceItemID) (*syncserver.VersionRecord, error) {
	rec := &syncserver.VersionRecord{ID: id}
	var action string
	err := row.Scan(&rec.TargetItemID, &rec.LastModified, &action, &rec.Reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, syncserver.ErrRecordNotFound
		}
		return nil, fmt.Errorf("scan version record %s: %w", id, err)
	}
	rec.Action = syncserver.SyncAction(action)
	return rec, nil
}

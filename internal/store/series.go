package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
)

const seriesColumns = `id,basin,source_kind,series_type,series_key,series_id,payload_json,created_at,updated_at`

// UpsertSeries persists one normalized observation for a basin.
//
// A record with the same embedded series id is merged using the series
// type's merge rule. Otherwise, if a record exists under the same requested
// key but carries a different series id, the upstream has remapped the key:
// the old record is left untouched and a new one is created. Otherwise a new
// record is created. The decision and the write share one transaction.
func (s *Store) UpsertSeries(ctx context.Context, basin string, obs domain.Observation) (domain.SeriesRecord, domain.UpsertOutcome, error) {
	if err := obs.Validate(); err != nil {
		return domain.SeriesRecord{}, "", err
	}
	kind := obs.Type.Kind()
	seriesID := obs.Payload.SeriesID()

	var (
		rec     domain.SeriesRecord
		outcome domain.UpsertOutcome
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		src, err := getSource(ctx, tx, basin)
		if err != nil {
			return err
		}
		if !src.Enabled(kind) {
			return fmt.Errorf("%w: %s for %q", ErrSourceDisabled, kind, basin)
		}

		now := s.now()
		existing, err := scanSeries(tx.QueryRowContext(ctx, `SELECT `+seriesColumns+` FROM series_records
			WHERE basin=? AND source_kind=? AND series_type=? AND series_id=?`, basin, string(kind), string(obs.Type), seriesID))
		switch {
		case err == nil:
			merged, err := domain.Merge(obs.Type, existing.Payload, obs.Payload)
			if err != nil {
				return err
			}
			data, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("encode payload: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE series_records SET payload_json=?, series_key=?, updated_at=? WHERE id=?`,
				string(data), obs.Key, formatTime(now), existing.ID); err != nil {
				return fmt.Errorf("update series record: %w", err)
			}
			existing.Payload, existing.Key, existing.UpdatedAt = merged, obs.Key, now
			rec, outcome = existing, domain.UpsertMerged
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		outcome = domain.UpsertCreated
		var prior string
		err = tx.QueryRowContext(ctx, `SELECT series_id FROM series_records
			WHERE basin=? AND source_kind=? AND series_type=? AND series_key=? ORDER BY updated_at DESC LIMIT 1`,
			basin, string(kind), string(obs.Type), obs.Key).Scan(&prior)
		switch {
		case err == nil && prior != seriesID:
			outcome = domain.UpsertDiverged
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}

		data, err := json.Marshal(obs.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO series_records(basin,source_kind,series_type,series_key,series_id,payload_json,created_at,updated_at)
			VALUES (?,?,?,?,?,?,?,?)`, basin, string(kind), string(obs.Type), obs.Key, seriesID, string(data), formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("insert series record: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		rec = domain.SeriesRecord{
			ID: id, Basin: basin, Source: kind, Type: obs.Type, Key: obs.Key, SeriesID: seriesID,
			Payload: obs.Payload, CreatedAt: now, UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return domain.SeriesRecord{}, "", err
	}
	return rec, outcome, nil
}

// LatestSeries returns the record of a series by its embedded identifier.
func (s *Store) LatestSeries(ctx context.Context, basin string, typ domain.SeriesType, seriesID string) (domain.SeriesRecord, error) {
	return scanSeries(s.db.QueryRowContext(ctx, `SELECT `+seriesColumns+` FROM series_records
		WHERE basin=? AND source_kind=? AND series_type=? AND series_id=?`, basin, string(typ.Kind()), string(typ), seriesID))
}

// ListSeries returns every series record of a basin.
func (s *Store) ListSeries(ctx context.Context, basin string) ([]domain.SeriesRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+seriesColumns+` FROM series_records WHERE basin=?
		ORDER BY source_kind, series_type, series_id`, basin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.SeriesRecord
	for rows.Next() {
		rec, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func scanSeries(row scanner) (domain.SeriesRecord, error) {
	var (
		rec                  domain.SeriesRecord
		kind, typ, data      string
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.ID, &rec.Basin, &kind, &typ, &rec.Key, &rec.SeriesID, &data, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Source, rec.Type = domain.SourceKind(kind), domain.SeriesType(typ)
	if err := json.Unmarshal([]byte(data), &rec.Payload); err != nil {
		return rec, fmt.Errorf("decode payload of series %d: %w", rec.ID, err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

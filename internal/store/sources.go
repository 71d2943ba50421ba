package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
)

// EnableSource enables a feed for a basin, registering the basin on first use.
func (s *Store) EnableSource(ctx context.Context, basin string, kind domain.SourceKind) (domain.Source, error) {
	if basin == "" {
		return domain.Source{}, errors.New("basin is required")
	}
	if _, err := domain.ParseSourceKind(string(kind)); err != nil {
		return domain.Source{}, err
	}
	var src domain.Source
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		if _, err := tx.ExecContext(ctx, `INSERT INTO sources(basin,created_at,updated_at) VALUES (?,?,?)
			ON CONFLICT(basin) DO UPDATE SET updated_at=excluded.updated_at`, basin, now, now); err != nil {
			return fmt.Errorf("upsert source: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO source_kinds(basin,kind) VALUES (?,?)`, basin, string(kind)); err != nil {
			return fmt.Errorf("enable source kind: %w", err)
		}
		var err error
		src, err = getSource(ctx, tx, basin)
		return err
	})
	return src, err
}

// DisableSource disables a feed for a basin. It is rejected while a
// non-deleted trigger of the basin reads a series from that feed.
func (s *Store) DisableSource(ctx context.Context, basin string, kind domain.SourceKind) (domain.Source, error) {
	var src domain.Source
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if src, err = getSource(ctx, tx, basin); err != nil {
			return err
		}
		if !src.Enabled(kind) {
			return nil
		}
		triggers, err := listTriggers(ctx, tx, TriggerFilter{Basin: basin})
		if err != nil {
			return err
		}
		for _, t := range triggers {
			stmt, err := domain.ParseStatement(t.Statement)
			if err != nil {
				continue
			}
			for _, ref := range stmt.Refs() {
				if ref.Kind() == kind {
					return fmt.Errorf("%w: trigger %s reads %s", ErrSourceInUse, t.ID, ref)
				}
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM source_kinds WHERE basin=? AND kind=?`, basin, string(kind)); err != nil {
			return fmt.Errorf("disable source kind: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sources SET updated_at=? WHERE basin=?`, formatTime(s.now()), basin); err != nil {
			return err
		}
		src, err = getSource(ctx, tx, basin)
		return err
	})
	return src, err
}

// GetSource returns a basin and its enabled feeds.
func (s *Store) GetSource(ctx context.Context, basin string) (domain.Source, error) {
	var src domain.Source
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		src, err = getSource(ctx, tx, basin)
		return err
	})
	return src, err
}

// ListSources returns every registered basin ordered by name.
func (s *Store) ListSources(ctx context.Context) ([]domain.Source, error) {
	var res []domain.Source
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT basin FROM sources ORDER BY basin`)
		if err != nil {
			return err
		}
		var basins []string
		for rows.Next() {
			var b string
			if err := rows.Scan(&b); err != nil {
				rows.Close()
				return err
			}
			basins = append(basins, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, b := range basins {
			src, err := getSource(ctx, tx, b)
			if err != nil {
				return err
			}
			res = append(res, src)
		}
		return nil
	})
	return res, err
}

// DeleteSource removes a basin. It is rejected while series records or
// triggers (including soft-deleted ones, which keep their activation
// history) reference it.
func (s *Store) DeleteSource(ctx context.Context, basin string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getSource(ctx, tx, basin); err != nil {
			return err
		}
		var series, triggers int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM series_records WHERE basin=?`, basin).Scan(&series); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM triggers WHERE basin=?`, basin).Scan(&triggers); err != nil {
			return err
		}
		if series > 0 || triggers > 0 {
			return fmt.Errorf("%w: basin %q has %d series records and %d triggers", ErrSourceInUse, basin, series, triggers)
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE basin=?`, basin)
		return err
	})
}

func getSource(ctx context.Context, tx *sql.Tx, basin string) (domain.Source, error) {
	src := domain.Source{Basin: basin}
	var created, updated string
	err := tx.QueryRowContext(ctx, `SELECT created_at,updated_at FROM sources WHERE basin=?`, basin).Scan(&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return src, fmt.Errorf("source %q: %w", basin, ErrNotFound)
	}
	if err != nil {
		return src, err
	}
	if src.CreatedAt, err = parseTime(created); err != nil {
		return src, err
	}
	if src.UpdatedAt, err = parseTime(updated); err != nil {
		return src, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT kind FROM source_kinds WHERE basin=?`, basin)
	if err != nil {
		return src, err
	}
	defer rows.Close()
	enabled := map[domain.SourceKind]bool{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return src, err
		}
		enabled[domain.SourceKind(k)] = true
	}
	for _, k := range domain.SourceKinds {
		if enabled[k] {
			src.Kinds = append(src.Kinds, k)
		}
	}
	return src, rows.Err()
}

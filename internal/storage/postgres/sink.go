package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

// Sink upserts normalized records under their natural key.
type Sink struct {
	db DB
}

// NewSink wraps db.
func NewSink(db DB) (*Sink, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Sink{db: db}, nil
}

// Upsert writes rec into spec.Table. Append-only tables skip conflicting rows;
// the rest overwrite every column and refresh updated_at. entity_id and
// created_at are never touched on conflict.
func (s *Sink) Upsert(ctx context.Context, spec ingest.TableSpec, rec ingest.Record) (ingest.UpsertResult, error) {
	query, args, err := buildUpsert(spec, rec)
	if err != nil {
		return "", &ingest.StorageError{Table: spec.Table, Key: rec.KeyString(), Err: err}
	}
	var inserted bool
	err = s.db.QueryRow(ctx, query, args...).Scan(&inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ingest.UpsertSkipped, nil
	case err != nil:
		return "", &ingest.StorageError{Table: spec.Table, Key: rec.KeyString(), Err: err}
	case inserted:
		return ingest.UpsertInserted, nil
	default:
		return ingest.UpsertUpdated, nil
	}
}

func buildUpsert(spec ingest.TableSpec, rec ingest.Record) (string, []any, error) {
	if err := checkIdentifier(spec.Table); err != nil {
		return "", nil, err
	}
	if len(spec.ConflictColumns) == 0 {
		return "", nil, fmt.Errorf("table %s has no conflict key", spec.Table)
	}
	if err := rec.ValidateKey(); err != nil {
		return "", nil, err
	}

	cols := rec.Columns()
	names := make([]string, 0, len(cols))
	placeholders := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for i, c := range cols {
		if err := checkIdentifier(c.Column); err != nil {
			return "", nil, err
		}
		v := c.Value
		if m, ok := v.(map[string]any); ok {
			raw, err := json.Marshal(m)
			if err != nil {
				return "", nil, fmt.Errorf("marshal %s: %w", c.Column, err)
			}
			v = raw
		}
		names = append(names, c.Column)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, v)
	}
	for _, c := range spec.ConflictColumns {
		if err := checkIdentifier(c); err != nil {
			return "", nil, err
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s, created_at, updated_at)\nVALUES (%s, now(), now())\n",
		spec.Table, strings.Join(names, ", "), strings.Join(placeholders, ", "))
	fmt.Fprintf(&b, "ON CONFLICT (%s) ", strings.Join(spec.ConflictColumns, ", "))
	if spec.IgnoreDuplicates {
		b.WriteString("DO NOTHING\nRETURNING true")
		return b.String(), args, nil
	}

	conflict := make(map[string]struct{}, len(spec.ConflictColumns))
	for _, c := range spec.ConflictColumns {
		conflict[c] = struct{}{}
	}
	sets := make([]string, 0, len(names)+1)
	for _, n := range names {
		if _, ok := conflict[n]; ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", n, n))
	}
	sets = append(sets, "updated_at = now()")
	fmt.Fprintf(&b, "DO UPDATE SET %s\nRETURNING (xmax = 0)", strings.Join(sets, ", "))
	return b.String(), args, nil
}

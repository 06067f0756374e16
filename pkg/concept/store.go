package concept

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/palettelab/conceptforge/internal/db"
)

// Store provides database operations over the concepts/variations tables.
// conceptsTable and variationsTable are the environment-scoped names
// resolved at config load (e.g. "concepts_dev", "color_variations_dev").
type Store struct {
	dbtx            db.Transactor
	conceptsTable   string
	variationsTable string
}

// NewStore creates a Store bound to the given table names.
func NewStore(dbtx db.Transactor, conceptsTable, variationsTable string) *Store {
	return &Store{dbtx: dbtx, conceptsTable: conceptsTable, variationsTable: variationsTable}
}

const conceptColumns = `id, user_id, logo_description, theme_description, image_path, created_at`
const variationColumns = `id, concept_id, palette_name, colors, image_path, created_at`

func scanConcept(row pgx.Row) (Concept, error) {
	var c Concept
	err := row.Scan(&c.ID, &c.UserID, &c.LogoDescription, &c.ThemeDescription, &c.ImagePath, &c.CreatedAt)
	return c, err
}

func scanVariation(row pgx.Row) (Variation, error) {
	var v Variation
	err := row.Scan(&v.ID, &v.ConceptID, &v.PaletteName, &v.Colors, &v.ImagePath, &v.CreatedAt)
	return v, err
}

// CreateWithVariations inserts one Concept row and its Variation rows inside
// a single transaction, so a reader can never observe a Concept with a
// partial set of Variations. Callers must supply at least one variation;
// the Worker's all-sub-generations-failed case is handled upstream by not
// calling this at all and failing the Task instead.
func (s *Store) CreateWithVariations(ctx context.Context, userID uuid.UUID, logoDescription, themeDescription, imagePath string, variations []NewVariation) (Concept, error) {
	if len(variations) == 0 {
		return Concept{}, fmt.Errorf("creating concept: at least one variation is required")
	}

	var out Concept
	err := db.WithTx(ctx, s.dbtx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf(`INSERT INTO %s (id, user_id, logo_description, theme_description, image_path, created_at)
			VALUES ($1, $2, $3, $4, $5, now())
			RETURNING %s`, s.conceptsTable, conceptColumns),
			uuid.New(), userID, logoDescription, themeDescription, imagePath)

		c, err := scanConcept(row)
		if err != nil {
			return fmt.Errorf("inserting concept: %w", err)
		}

		insertVariation := fmt.Sprintf(`INSERT INTO %s (id, concept_id, palette_name, colors, image_path, created_at)
			VALUES ($1, $2, $3, $4, $5, now())
			RETURNING %s`, s.variationsTable, variationColumns)

		for _, nv := range variations {
			vrow := tx.QueryRow(ctx, insertVariation, uuid.New(), c.ID, nv.PaletteName, nv.Colors, nv.ImagePath)
			v, err := scanVariation(vrow)
			if err != nil {
				return fmt.Errorf("inserting variation %q: %w", nv.PaletteName, err)
			}
			c.Variations = append(c.Variations, v)
		}

		out = c
		return nil
	})
	if err != nil {
		return Concept{}, err
	}
	return out, nil
}

// Get returns a Concept with its Variations, or pgx.ErrNoRows if it doesn't
// exist.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Concept, error) {
	row := s.dbtx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, conceptColumns, s.conceptsTable), id)
	c, err := scanConcept(row)
	if err != nil {
		return Concept{}, fmt.Errorf("getting concept %s: %w", id, err)
	}

	rows, err := s.dbtx.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE concept_id = $1 ORDER BY created_at ASC`, variationColumns, s.variationsTable), id)
	if err != nil {
		return Concept{}, fmt.Errorf("getting variations for concept %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanVariation(rows)
		if err != nil {
			return Concept{}, fmt.Errorf("scanning variation row: %w", err)
		}
		c.Variations = append(c.Variations, v)
	}
	if err := rows.Err(); err != nil {
		return Concept{}, fmt.Errorf("iterating variation rows: %w", err)
	}
	return c, nil
}

// ListByUser returns a caller's concepts, newest first, without their
// Variations (ListSummary view only needs the variation count).
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Concept, error) {
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, conceptColumns, s.conceptsTable)
	rows, err := s.dbtx.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing concepts: %w", err)
	}
	defer rows.Close()

	var concepts []Concept
	var ids []uuid.UUID
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning concept row: %w", err)
		}
		concepts = append(concepts, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating concept rows: %w", err)
	}
	if len(ids) == 0 {
		return concepts, nil
	}

	countQuery := fmt.Sprintf(`SELECT concept_id, count(*) FROM %s WHERE concept_id = ANY($1) GROUP BY concept_id`, s.variationsTable)
	countRows, err := s.dbtx.Query(ctx, countQuery, ids)
	if err != nil {
		return nil, fmt.Errorf("counting variations: %w", err)
	}
	defer countRows.Close()

	counts := make(map[uuid.UUID]int)
	for countRows.Next() {
		var id uuid.UUID
		var n int
		if err := countRows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scanning variation count: %w", err)
		}
		counts[id] = n
	}
	if err := countRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating variation counts: %w", err)
	}

	for i := range concepts {
		n := counts[concepts[i].ID]
		concepts[i].Variations = make([]Variation, n)
	}
	return concepts, nil
}

// DeleteOlderThan deletes every concept created before cutoff (Variations
// cascade via the foreign key), returning the deleted rows' image paths and
// their variations' image paths so the caller can best-effort clean up
// BlobStore.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var paths []string

	err := db.WithTx(ctx, s.dbtx, func(tx pgx.Tx) error {
		idsQuery := fmt.Sprintf(`SELECT id FROM %s WHERE created_at < $1`, s.conceptsTable)
		idRows, err := tx.Query(ctx, idsQuery, cutoff)
		if err != nil {
			return fmt.Errorf("selecting stale concepts: %w", err)
		}
		var ids []uuid.UUID
		for idRows.Next() {
			var id uuid.UUID
			if err := idRows.Scan(&id); err != nil {
				idRows.Close()
				return fmt.Errorf("scanning stale concept id: %w", err)
			}
			ids = append(ids, id)
		}
		idRows.Close()
		if err := idRows.Err(); err != nil {
			return fmt.Errorf("iterating stale concept ids: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		pathsQuery := fmt.Sprintf(`SELECT image_path FROM %s WHERE id = ANY($1)
			UNION ALL
			SELECT image_path FROM %s WHERE concept_id = ANY($1)`, s.conceptsTable, s.variationsTable)
		pathRows, err := tx.Query(ctx, pathsQuery, ids)
		if err != nil {
			return fmt.Errorf("collecting blob paths for stale concepts: %w", err)
		}
		for pathRows.Next() {
			var p string
			if err := pathRows.Scan(&p); err != nil {
				pathRows.Close()
				return fmt.Errorf("scanning blob path: %w", err)
			}
			paths = append(paths, p)
		}
		pathRows.Close()
		if err := pathRows.Err(); err != nil {
			return fmt.Errorf("iterating blob paths: %w", err)
		}

		deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, s.conceptsTable)
		if _, err := tx.Exec(ctx, deleteQuery, ids); err != nil {
			return fmt.Errorf("deleting stale concepts: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

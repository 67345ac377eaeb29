package internal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/cardbase"
)

// linkRepository maintains the normalized edge table.
type linkRepository struct {
	table string
}

func newLinkRepository(table string) *linkRepository {
	return &linkRepository{table: sanitizeIdentifier(table)}
}

func (r *linkRepository) upsertStatement() string {
	return fmt.Sprintf(`INSERT INTO %s (id, slug, name, inverse_name, from_id, from_type, to_id, to_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, inverse_name = EXCLUDED.inverse_name,
			from_id = EXCLUDED.from_id, from_type = EXCLUDED.from_type,
			to_id = EXCLUDED.to_id, to_type = EXCLUDED.to_type`, r.table)
}

func (r *linkRepository) deleteStatement() string {
	return fmt.Sprintf("DELETE FROM %s WHERE id = $1", r.table)
}

// UpsertLink writes an active edge or removes an inactive one.
func (r *linkRepository) UpsertLink(ctx context.Context, tx pgx.Tx, edge *cardbase.LinkEdge) error {
	if !edge.Active {
		if _, err := tx.Exec(ctx, r.deleteStatement(), edge.ID); err != nil {
			return fmt.Errorf("delete link edge: %w", err)
		}
		return nil
	}
	_, err := tx.Exec(ctx, r.upsertStatement(),
		edge.ID, edge.Slug, edge.Name, edge.InverseName,
		edge.From.ID, edge.From.Type, edge.To.ID, edge.To.Type, edge.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert link edge: %w", err)
	}
	return nil
}

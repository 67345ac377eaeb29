package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lychee-technology/cardbase"
	"go.uber.org/zap"
)

type cardPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// cardWriteColumns is the insert column order.
var cardWriteColumns = []string{
	"id", "slug", "type", "version", "name", "active", "tags", "markers",
	"links", "linked_at", "requires", "capabilities", "data", "created_at", "updated_at",
}

// cardUpsertColumns are replaced on a (slug, version) conflict. id,
// created_at and the denormalized links survive the replace.
var cardUpsertColumns = []string{
	"type", "name", "active", "tags", "markers", "requires", "capabilities", "data",
}

// CardRepository is the record store: cards keyed by id and (slug, version).
type CardRepository struct {
	pool    cardPool
	table   string
	nowFunc func() time.Time
}

func NewCardRepository(pool cardPool, table string) *CardRepository {
	return &CardRepository{
		pool:    pool,
		table:   sanitizeIdentifier(table),
		nowFunc: time.Now,
	}
}

func (r *CardRepository) withClock(now func() time.Time) {
	if now == nil {
		return
	}
	r.nowFunc = now
}

func (r *CardRepository) now() time.Time {
	if r.nowFunc == nil {
		return time.Now().UTC()
	}
	return r.nowFunc().UTC()
}

func buildInsertCardStatement(table string, replace bool) string {
	placeholders := []string{
		"$1", "$2", "$3", "$4", "$5", "$6", "$7::text[]", "$8::text[]",
		"$9::jsonb", "$10::jsonb", "$11::jsonb[]", "$12::jsonb[]", "$13::jsonb", "$14", "$15",
	}
	query := fmt.Sprintf("INSERT INTO %s AS c (%s) VALUES (%s)",
		table, strings.Join(cardWriteColumns, ", "), strings.Join(placeholders, ", "))
	if replace {
		sets := make([]string, 0, len(cardUpsertColumns)+1)
		for _, col := range cardUpsertColumns {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
		sets = append(sets, "updated_at = EXCLUDED.created_at")
		query += " ON CONFLICT (slug, version) DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return query + " RETURNING to_jsonb(c)"
}

func cardWriteArgs(card *cardbase.Card) ([]any, error) {
	links, err := jsonParam(card.Links)
	if err != nil {
		return nil, err
	}
	linkedAt, err := jsonParam(card.LinkedAt)
	if err != nil {
		return nil, err
	}
	data, err := jsonParam(card.Data)
	if err != nil {
		return nil, err
	}
	requires, err := jsonArrayParam(card.Requires)
	if err != nil {
		return nil, err
	}
	capabilities, err := jsonArrayParam(card.Capabilities)
	if err != nil {
		return nil, err
	}
	return []any{
		card.ID, card.Slug, card.Type, card.Version, card.Name, card.Active,
		nonNilStrings(card.Tags), nonNilStrings(card.Markers),
		links, linkedAt, requires, capabilities, data,
		card.CreatedAt, card.UpdatedAt,
	}, nil
}

// Insert writes card and returns the stored row. With replace set, a card
// with the same (slug, version) is overwritten in place and keeps its id.
func (r *CardRepository) Insert(ctx context.Context, card *cardbase.Card, replace bool) (*cardbase.Card, error) {
	if card == nil {
		return nil, fmt.Errorf("card cannot be nil")
	}
	if card.ID == uuid.Nil {
		card.ID = uuid.Must(uuid.NewV7())
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = r.now()
	}
	args, err := cardWriteArgs(card)
	if err != nil {
		return nil, err
	}

	var raw []byte
	if err := r.pool.QueryRow(ctx, buildInsertCardStatement(r.table, replace), args...).Scan(&raw); err != nil {
		zap.S().Debugw("insert card failed", "slug", card.Slug, "version", card.Version, "error", err)
		return nil, classifyError(err, "insert card", card.Slug)
	}
	return cardbase.CardFromJSON(raw)
}

func (r *CardRepository) getOne(ctx context.Context, where string, args ...any) (*cardbase.Card, error) {
	query := fmt.Sprintf("SELECT to_jsonb(c) FROM %s AS c WHERE %s", r.table, where)
	var raw []byte
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyError(err, "get card", "")
	}
	return cardbase.CardFromJSON(raw)
}

// GetByID returns the card or nil when absent.
func (r *CardRepository) GetByID(ctx context.Context, id uuid.UUID) (*cardbase.Card, error) {
	return r.getOne(ctx, "c.id = $1", id)
}

// GetBySlug returns the card with the exact slug and version, or nil.
func (r *CardRepository) GetBySlug(ctx context.Context, slug, version string) (*cardbase.Card, error) {
	return r.getOne(ctx, "c.slug = $1 AND c.version = $2", slug, version)
}

// GetByIDs returns the cards found among ids, in no particular order.
func (r *CardRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*cardbase.Card, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT to_jsonb(c) FROM %s AS c WHERE c.id = ANY($1)", r.table)
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, classifyError(err, "get cards", "")
	}
	defer rows.Close()

	var out []*cardbase.Card
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		card, err := cardbase.CardFromJSON(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, card)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err, "get cards", "")
	}
	return out, nil
}

// lockLinks reads the slug and links of a card inside tx, locking the row
// until the transaction ends. found is false when the card does not exist.
func (r *CardRepository) lockLinks(ctx context.Context, tx pgx.Tx, id uuid.UUID) (slug string, links map[string][]cardbase.LinkRef, found bool, err error) {
	query := fmt.Sprintf("SELECT c.slug, c.links FROM %s AS c WHERE c.id = $1 FOR UPDATE", r.table)
	var raw []byte
	if err := tx.QueryRow(ctx, query, id).Scan(&slug, &raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, false, nil
		}
		return "", nil, false, fmt.Errorf("lock card links: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &links); err != nil {
			return "", nil, false, fmt.Errorf("decode card links: %w", err)
		}
	}
	return slug, links, true, nil
}

// writeLinks replaces a single name in the links map of a card, removing
// the key when refs is empty, and returns the updated row.
func (r *CardRepository) writeLinks(ctx context.Context, tx pgx.Tx, id uuid.UUID, name string, refs []cardbase.LinkRef) (*cardbase.Card, error) {
	now := r.now()
	var query string
	var args []any
	if len(refs) == 0 {
		query = fmt.Sprintf(`UPDATE %s AS c SET links = c.links - $2::text, linked_at = c.linked_at - $2::text, updated_at = $3
			WHERE c.id = $1 RETURNING to_jsonb(c)`, r.table)
		args = []any{id, name, now}
	} else {
		encoded, err := jsonParam(map[string][]cardbase.LinkRef{name: refs})
		if err != nil {
			return nil, err
		}
		query = fmt.Sprintf(`UPDATE %s AS c SET links = c.links || $2::jsonb, linked_at = c.linked_at || jsonb_build_object($3::text, $4::timestamptz), updated_at = $4
			WHERE c.id = $1 RETURNING to_jsonb(c)`, r.table)
		args = []any{id, encoded, name, now}
	}

	var raw []byte
	if err := tx.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("update card links: %w", err)
	}
	return cardbase.CardFromJSON(raw)
}

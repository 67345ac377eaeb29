package internal

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/cardbase"
	"go.uber.org/zap"
)

// LinkStore keeps the edge table and the denormalized per-card links map in
// step with link cards.
type LinkStore struct {
	pool  cardPool
	cards *CardRepository
	edges *linkRepository
}

func NewLinkStore(pool cardPool, cards *CardRepository, linksTable string) *LinkStore {
	return &LinkStore{
		pool:  pool,
		cards: cards,
		edges: newLinkRepository(linksTable),
	}
}

type lockedEndpoint struct {
	slug  string
	links map[string][]cardbase.LinkRef
	found bool
}

// lockEndpoints locks both endpoint rows in id order, the order Postgres
// sorts uuids in, so that writes of A to B and of B to A cannot deadlock.
func (s *LinkStore) lockEndpoints(ctx context.Context, tx pgx.Tx, to, from uuid.UUID) (lockedEndpoint, lockedEndpoint, error) {
	lock := func(id uuid.UUID) (lockedEndpoint, error) {
		var e lockedEndpoint
		var err error
		e.slug, e.links, e.found, err = s.cards.lockLinks(ctx, tx, id)
		return e, err
	}
	if to == from {
		e, err := lock(to)
		return e, e, err
	}
	first, second := to, from
	if bytes.Compare(from[:], to[:]) < 0 {
		first, second = from, to
	}
	a, err := lock(first)
	if err != nil {
		return lockedEndpoint{}, lockedEndpoint{}, err
	}
	b, err := lock(second)
	if err != nil {
		return lockedEndpoint{}, lockedEndpoint{}, err
	}
	if first == to {
		return a, b, nil
	}
	return b, a, nil
}

// Apply writes the edge described by a link card and projects it onto both
// endpoints, the to-side first. Endpoint rows are locked in id order. It returns the endpoint cards it updated;
// missing endpoints are skipped.
func (s *LinkStore) Apply(ctx context.Context, edge *cardbase.LinkEdge) ([]*cardbase.Card, error) {
	if edge == nil {
		return nil, fmt.Errorf("link edge cannot be nil")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // no-op if committed

	if err := s.edges.UpsertLink(ctx, tx, edge); err != nil {
		return nil, err
	}

	to, from, err := s.lockEndpoints(ctx, tx, edge.To.ID, edge.From.ID)
	if err != nil {
		return nil, err
	}
	toSlug, toLinks, toFound := to.slug, to.links, to.found
	fromSlug, fromLinks, fromFound := from.slug, from.links, from.found

	var updated []*cardbase.Card
	if toFound {
		ref := cardbase.LinkRef{ID: edge.From.ID, Slug: fromSlug, Type: edge.From.Type, LinkID: edge.ID}
		after := ProjectLink(toLinks, edge.InverseName, ref, edge.Active)
		card, err := s.cards.writeLinks(ctx, tx, edge.To.ID, edge.InverseName, after[edge.InverseName])
		if err != nil {
			return nil, err
		}
		updated = append(updated, card)
		if edge.From.ID == edge.To.ID {
			fromLinks = card.Links
		}
	} else {
		zap.S().Warnw("link endpoint not found", "link", edge.Slug, "side", "to", "id", edge.To.ID)
	}
	if fromFound {
		ref := cardbase.LinkRef{ID: edge.To.ID, Slug: toSlug, Type: edge.To.Type, LinkID: edge.ID}
		after := ProjectLink(fromLinks, edge.Name, ref, edge.Active)
		card, err := s.cards.writeLinks(ctx, tx, edge.From.ID, edge.Name, after[edge.Name])
		if err != nil {
			return nil, err
		}
		updated = append(updated, card)
	} else {
		zap.S().Warnw("link endpoint not found", "link", edge.Slug, "side", "from", "id", edge.From.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	zap.S().Debugw("link applied", "link", edge.Slug, "name", edge.Name, "active", edge.Active, "endpoints", len(updated))
	return updated, nil
}

package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/lychee-technology/cardbase"
	"go.uber.org/zap"
)

// InsertElement stores a new card. A card with the same slug and version
// fails with AlreadyExists.
func (b *Backend) InsertElement(ctx context.Context, card *cardbase.Card) (*cardbase.Card, error) {
	return b.write(ctx, card, false)
}

// UpsertElement stores card, replacing the card with the same slug and
// version. The replaced card keeps its id, creation time and links.
func (b *Backend) UpsertElement(ctx context.Context, card *cardbase.Card) (*cardbase.Card, error) {
	return b.write(ctx, card, true)
}

func (b *Backend) write(ctx context.Context, card *cardbase.Card, replace bool) (*cardbase.Card, error) {
	deps, err := b.active()
	if err != nil {
		return nil, err
	}
	in, err := prepareCard(card)
	if err != nil {
		return nil, err
	}
	if b.cfg.Query.ValidateTypes {
		if err := b.types.Validate(ctx, in); err != nil {
			return nil, err
		}
	}

	stored, err := deps.store.Insert(ctx, in, replace)
	if err != nil {
		return nil, err
	}
	b.lookup.forget(ctx, stored)
	b.lookup.remember(ctx, stored, nil)

	if stored.IsLink() {
		if err := b.applyLink(ctx, deps, stored); err != nil {
			return nil, err
		}
	}
	if stored.BaseType() == cardbase.TypeType {
		b.types.Forget(stored)
		if deps.indexes != nil {
			if err := deps.indexes.EnsureTypeIndexes(ctx, stored); err != nil {
				zap.S().Warnw("type index creation failed", "type", stored.SlugVersion(), "error", err)
			}
		}
	}
	if deps.refresher != nil {
		if err := deps.refresher.Notify(ctx, stored); err != nil {
			zap.S().Warnw("view refresh failed", "card", stored.SlugVersion(), "error", err)
		}
	}
	zap.S().Debugw("card written", "id", stored.ID, "slug", stored.Slug, "version", stored.Version, "replace", replace)
	return stored.Clone(), nil
}

// prepareCard validates the identity of an incoming card and returns a copy
// with defaults applied.
func prepareCard(card *cardbase.Card) (*cardbase.Card, error) {
	if card == nil {
		return nil, cardbase.NewValidationError("card", "is required")
	}
	if card.Slug == "" {
		return nil, cardbase.NewValidationError("slug", "is required")
	}
	if len(card.Slug) > cardbase.MaxSlugLength {
		return nil, cardbase.NewSlugTooLongError(card.Slug, cardbase.MaxSlugLength)
	}
	if card.Type == "" {
		return nil, cardbase.NewValidationError("type", "is required")
	}
	if card.Version == cardbase.LatestVersion {
		return nil, cardbase.NewValidationError("version", "latest is not a storable version")
	}

	in := card.Clone()
	in.Linked = nil
	if in.Version == "" {
		in.Version = cardbase.DefaultVersion
	}
	if in.IsLink() {
		if _, err := cardbase.ParseLinkEdge(in); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func (b *Backend) applyLink(ctx context.Context, deps backendDeps, stored *cardbase.Card) error {
	edge, err := cardbase.ParseLinkEdge(stored)
	if err != nil {
		return err
	}
	endpoints, err := deps.links.Apply(ctx, edge)
	if err != nil {
		return cardbase.NewStoreError("apply link", err)
	}
	for _, endpoint := range endpoints {
		b.lookup.forget(ctx, endpoint)
		b.lookup.remember(ctx, endpoint, nil)
	}
	return nil
}

// typeValidator checks card data against the schema of its type card.
type typeValidator struct {
	lookup *cardLookup

	mu       sync.Mutex
	resolved map[uuid.UUID]*jsonschema.Resolved
}

func newTypeValidator(lookup *cardLookup) *typeValidator {
	return &typeValidator{lookup: lookup, resolved: map[uuid.UUID]*jsonschema.Resolved{}}
}

// typeRef splits "slug@version", defaulting the version.
func typeRef(t string) (slug, version string) {
	slug, version, found := strings.Cut(t, "@")
	if !found || version == "" {
		version = cardbase.DefaultVersion
	}
	return slug, version
}

func (v *typeValidator) Validate(ctx context.Context, card *cardbase.Card) error {
	slug, version := typeRef(card.Type)
	typeCard, err := v.lookup.BySlug(ctx, slug, version)
	if err != nil {
		return err
	}
	if typeCard == nil || typeCard.BaseType() != cardbase.TypeType {
		return cardbase.NewValidationError("type", fmt.Sprintf("unknown type %q", card.Type))
	}
	resolved, err := v.schemaOf(typeCard)
	if err != nil {
		return err
	}
	if resolved == nil {
		return nil
	}
	data := card.Data
	if data == nil {
		data = map[string]any{}
	}
	// round-trip so numbers and nested values have their JSON shapes
	raw, err := json.Marshal(data)
	if err != nil {
		return cardbase.NewValidationError("data", err.Error())
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return cardbase.NewValidationError("data", err.Error())
	}
	if err := resolved.Validate(doc); err != nil {
		return cardbase.NewValidationError("data", err.Error())
	}
	return nil
}

func (v *typeValidator) schemaOf(typeCard *cardbase.Card) (*jsonschema.Resolved, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if r, ok := v.resolved[typeCard.ID]; ok {
		return r, nil
	}
	raw, ok := typeCard.Data["schema"]
	if !ok || raw == nil {
		v.resolved[typeCard.ID] = nil
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, cardbase.NewSchemaInvalidError(fmt.Sprintf("type %s schema: %v", typeCard.SlugVersion(), err))
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(encoded, &s); err != nil {
		return nil, cardbase.NewSchemaInvalidError(fmt.Sprintf("type %s schema: %v", typeCard.SlugVersion(), err))
	}
	resolved, err := s.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, cardbase.NewSchemaInvalidError(fmt.Sprintf("type %s schema: %v", typeCard.SlugVersion(), err))
	}
	v.resolved[typeCard.ID] = resolved
	return resolved, nil
}

// Forget drops the compiled schema of a rewritten type card.
func (v *typeValidator) Forget(typeCard *cardbase.Card) {
	v.mu.Lock()
	delete(v.resolved, typeCard.ID)
	v.mu.Unlock()
}

// GetElementByID returns the card with id, or nil when it does not exist
// or is not of the hinted type.
func (b *Backend) GetElementByID(ctx context.Context, id uuid.UUID, opts cardbase.GetOptions) (*cardbase.Card, error) {
	if opts.Type == "" {
		return nil, cardbase.NewIdentifierTypeMissingError(id.String())
	}
	if _, err := b.active(); err != nil {
		return nil, err
	}
	card, err := b.lookup.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return ofType(card, opts.Type), nil
}

// GetElementBySlug looks a card up by "slug@version". The version is
// mandatory and may not be "latest".
func (b *Backend) GetElementBySlug(ctx context.Context, slugVersion string, opts cardbase.GetOptions) (*cardbase.Card, error) {
	if opts.Type == "" {
		return nil, cardbase.NewIdentifierTypeMissingError(slugVersion)
	}
	slug, version, _ := strings.Cut(slugVersion, "@")
	if version == "" || version == cardbase.LatestVersion {
		return nil, cardbase.NewVersionMissingError(slugVersion)
	}
	if _, err := b.active(); err != nil {
		return nil, err
	}
	card, err := b.lookup.BySlug(ctx, slug, version)
	if err != nil {
		return nil, err
	}
	return ofType(card, opts.Type), nil
}

// GetElementsByID returns the cards of the hinted type among ids, in the
// order of ids. Missing ids are skipped.
func (b *Backend) GetElementsByID(ctx context.Context, ids []uuid.UUID, opts cardbase.GetOptions) ([]*cardbase.Card, error) {
	if opts.Type == "" {
		return nil, cardbase.NewIdentifierTypeMissingError(fmt.Sprintf("%d ids", len(ids)))
	}
	if _, err := b.active(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*cardbase.Card{}, nil
	}
	cards, err := b.lookup.ByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*cardbase.Card, len(cards))
	for _, card := range cards {
		byID[card.ID] = card
	}
	out := make([]*cardbase.Card, 0, len(cards))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if card := ofType(byID[id], opts.Type); card != nil {
			out = append(out, card)
		}
	}
	return out, nil
}

func ofType(card *cardbase.Card, hint string) *cardbase.Card {
	if card == nil || card.BaseType() != cardbase.BaseTypeSlug(hint) {
		return nil
	}
	return card
}

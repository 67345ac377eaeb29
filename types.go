package cardbase

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known type slugs the engine treats specially.
const (
	TypeLink          = "link"
	TypeType          = "type"
	TypeOrg           = "org"
	TypeUser          = "user"
	TypeActionRequest = "action-request"
)

// Well-known link names feeding the materialized views.
const (
	LinkIsMemberOf   = "is member of"
	LinkHasMember    = "has member"
	LinkIsExecutedBy = "is executed by"
	LinkExecutes     = "executes"
)

// DefaultVersion is assigned to cards written without a version.
const DefaultVersion = "1.0.0"

// LatestVersion is rejected as an explicit lookup version.
const LatestVersion = "latest"

// Card is the universal record envelope.
type Card struct {
	ID           uuid.UUID            `json:"id"`
	Slug         string               `json:"slug,omitempty"`
	Type         string               `json:"type,omitempty"`
	Version      string               `json:"version,omitempty"`
	Active       bool                 `json:"active"`
	Name         *string              `json:"name,omitempty"`
	Tags         []string             `json:"tags,omitempty"`
	Markers      []string             `json:"markers,omitempty"`
	Links        map[string][]LinkRef `json:"links,omitempty"`
	LinkedAt     map[string]time.Time `json:"linked_at,omitempty"`
	Requires     []map[string]any     `json:"requires,omitempty"`
	Capabilities []map[string]any     `json:"capabilities,omitempty"`
	Data         map[string]any       `json:"data,omitempty"`
	CreatedAt    time.Time            `json:"created_at,omitzero"`
	UpdatedAt    *time.Time           `json:"updated_at,omitempty"`

	// Linked holds the cards a $$links query resolved, keyed by link name.
	Linked map[string][]*Card `json:"$$links,omitempty"`
}

// LinkRef is the lightweight reference stored in a card's links map.
type LinkRef struct {
	ID     uuid.UUID `json:"id"`
	Slug   string    `json:"slug"`
	Type   string    `json:"type"`
	LinkID uuid.UUID `json:"$link"`
}

// BaseType strips an optional @version suffix from the card type.
func (c *Card) BaseType() string {
	return BaseTypeSlug(c.Type)
}

// BaseTypeSlug strips an optional @version suffix from a type reference.
func BaseTypeSlug(t string) string {
	if i := strings.IndexByte(t, '@'); i >= 0 {
		return t[:i]
	}
	return t
}

// SlugVersion renders the card's versioned identity.
func (c *Card) SlugVersion() string {
	return c.Slug + "@" + c.Version
}

// ToMap renders the card as a JSON object with column-named keys.
func (c *Card) ToMap() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal card: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal card: %w", err)
	}
	return out, nil
}

// CardFromMap decodes a column-named JSON object into a card.
func CardFromMap(m map[string]any) (*Card, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal card map: %w", err)
	}
	return CardFromJSON(raw)
}

// CardFromJSON decodes a JSON document into a card.
func CardFromJSON(raw []byte) (*Card, error) {
	var card Card
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, fmt.Errorf("decode card: %w", err)
	}
	return &card, nil
}

// Clone returns a deep copy of the card.
func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	var out Card
	if err := json.Unmarshal(raw, &out); err != nil {
		cp := *c
		return &cp
	}
	return &out
}

// ============================================================================
// Links
// ============================================================================

// LinkEndpoint identifies one side of a link.
type LinkEndpoint struct {
	ID   uuid.UUID `json:"id"`
	Type string    `json:"type"`
}

// LinkEdge is the normalized form of a link card.
type LinkEdge struct {
	ID          uuid.UUID
	Slug        string
	Name        string
	InverseName string
	From        LinkEndpoint
	To          LinkEndpoint
	Active      bool
	CreatedAt   time.Time
}

// IsLink reports whether the card is a link card.
func (c *Card) IsLink() bool {
	return c.BaseType() == TypeLink
}

// ParseLinkEdge extracts the edge described by a link card.
func ParseLinkEdge(card *Card) (*LinkEdge, error) {
	if card == nil || !card.IsLink() {
		return nil, NewSchemaInvalidError("card is not a link")
	}
	if card.Name == nil || *card.Name == "" {
		return nil, NewSchemaInvalidError("link card has no name").WithField("name")
	}
	inverse, _ := card.Data["inverseName"].(string)
	if inverse == "" {
		return nil, NewSchemaInvalidError("link card has no inverse name").WithField("data.inverseName")
	}
	from, err := parseEndpoint(card.Data["from"])
	if err != nil {
		return nil, NewSchemaInvalidError(err.Error()).WithField("data.from")
	}
	to, err := parseEndpoint(card.Data["to"])
	if err != nil {
		return nil, NewSchemaInvalidError(err.Error()).WithField("data.to")
	}
	return &LinkEdge{
		ID:          card.ID,
		Slug:        card.Slug,
		Name:        *card.Name,
		InverseName: inverse,
		From:        from,
		To:          to,
		Active:      card.Active,
		CreatedAt:   card.CreatedAt,
	}, nil
}

func parseEndpoint(v any) (LinkEndpoint, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return LinkEndpoint{}, fmt.Errorf("link endpoint must be an object")
	}
	idStr, _ := m["id"].(string)
	id, err := uuid.Parse(idStr)
	if err != nil {
		return LinkEndpoint{}, fmt.Errorf("link endpoint id %q is not a uuid", idStr)
	}
	typ, _ := m["type"].(string)
	if typ == "" {
		return LinkEndpoint{}, fmt.Errorf("link endpoint has no type")
	}
	return LinkEndpoint{ID: id, Type: typ}, nil
}

// ============================================================================
// Queries
// ============================================================================

// SortDirection orders query results.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// QueryOptions page and order a query.
type QueryOptions struct {
	Limit   *int          `json:"limit,omitempty"`
	Skip    int           `json:"skip,omitempty"`
	SortBy  []string      `json:"sortBy,omitempty"`
	SortDir SortDirection `json:"sortDir,omitempty"`
}

// WithLimit returns a copy with the limit set.
func (o QueryOptions) WithLimit(limit int) QueryOptions {
	o.Limit = &limit
	return o
}

// ParseQueryOptions validates options decoded from a JSON payload, where
// numbers arrive as float64 and may be fractional.
func ParseQueryOptions(raw map[string]any, maxLimit int) (QueryOptions, error) {
	var opts QueryOptions
	if v, ok := raw["limit"]; ok && v != nil {
		n, ok := integral(v)
		if !ok || n < 0 || n > maxLimit {
			return opts, NewLimitInvalidError(v, maxLimit)
		}
		opts.Limit = &n
	}
	if v, ok := raw["skip"]; ok && v != nil {
		n, ok := integral(v)
		if !ok || n < 0 {
			return opts, NewSchemaInvalidError(fmt.Sprintf("skip must be a non-negative integer, got %v", v)).WithField("skip")
		}
		opts.Skip = n
	}
	if v, ok := raw["sortBy"]; ok && v != nil {
		switch s := v.(type) {
		case string:
			opts.SortBy = []string{s}
		case []string:
			opts.SortBy = s
		case []any:
			for _, seg := range s {
				str, ok := seg.(string)
				if !ok {
					return opts, NewSchemaInvalidError("sortBy segments must be strings").WithField("sortBy")
				}
				opts.SortBy = append(opts.SortBy, str)
			}
		default:
			return opts, NewSchemaInvalidError("sortBy must be a string or a list of strings").WithField("sortBy")
		}
	}
	if v, ok := raw["sortDir"]; ok && v != nil {
		dir, _ := v.(string)
		switch SortDirection(dir) {
		case SortAsc, SortDesc:
			opts.SortDir = SortDirection(dir)
		default:
			return opts, NewSchemaInvalidError(fmt.Sprintf("sortDir must be asc or desc, got %v", v)).WithField("sortDir")
		}
	}
	return opts, nil
}

func integral(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// GetOptions carry the mandatory type hint for point lookups.
type GetOptions struct {
	Type string
}

// ============================================================================
// Streams
// ============================================================================

// ChangeType describes a single row change.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
)

// ChangeEvent is one filtered change delivered to a stream.
type ChangeEvent struct {
	Type   ChangeType `json:"type"`
	ID     uuid.UUID  `json:"id"`
	Before *Card      `json:"before"`
	After  *Card      `json:"after"`
}

// StreamEventType discriminates stream events.
type StreamEventType string

const (
	StreamEventData   StreamEventType = "data"
	StreamEventError  StreamEventType = "error"
	StreamEventClosed StreamEventType = "closed"
)

// StreamEvent is delivered on a stream's event channel.
type StreamEvent struct {
	Type   StreamEventType
	Change *ChangeEvent
	Err    error
}

// Status is introspection data for operators.
type Status struct {
	Streams StreamStatus `json:"streams"`
	Cache   CacheStatus  `json:"cache"`
}

// CacheStatus reports the read cache and its breaker. Failures counts the
// failed calls per cache operation since the cache last answered.
type CacheStatus struct {
	Enabled    bool           `json:"enabled"`
	Bypassed   bool           `json:"bypassed"`
	Trips      int            `json:"trips"`
	LastFailed string         `json:"lastFailed,omitempty"`
	Failures   map[string]int `json:"failures,omitempty"`
}

// StreamStatus counts open subscriptions.
type StreamStatus struct {
	Waiting int `json:"waiting"`
}

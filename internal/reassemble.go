package internal

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lychee-technology/cardbase"
	"github.com/lychee-technology/cardbase/internal/schemasql"
)

// resultRow is one row of a compiled query.
type resultRow struct {
	node   int
	parent *string
	link   *string
	card   []byte
}

// reassemble turns the flat node-tagged rows of a compiled query back into
// cards, attaching linked cards to every instance of their parent. Rows
// must arrive ordered by node.
func reassemble(nodes []schemasql.LinkNode, rows []resultRow) ([]*cardbase.Card, error) {
	index := make([]map[uuid.UUID][]*cardbase.Card, len(nodes))
	seen := make([]map[[2]uuid.UUID]bool, len(nodes))
	for i := range nodes {
		index[i] = map[uuid.UUID][]*cardbase.Card{}
		seen[i] = map[[2]uuid.UUID]bool{}
	}

	var roots []*cardbase.Card
	for _, row := range rows {
		if row.node < 0 || row.node >= len(nodes) {
			return nil, fmt.Errorf("result row references unknown node %d", row.node)
		}
		card, err := cardbase.CardFromJSON(row.card)
		if err != nil {
			return nil, err
		}
		if row.node == 0 {
			roots = append(roots, card)
			index[0][card.ID] = append(index[0][card.ID], card)
			continue
		}

		node := nodes[row.node]
		parentID, ok := toUUID(row.parent)
		if !ok {
			return nil, fmt.Errorf("result row of node %d has no parent id", row.node)
		}
		key := [2]uuid.UUID{parentID, card.ID}
		if seen[row.node][key] {
			continue
		}
		seen[row.node][key] = true

		linkID, _ := toUUID(row.link)
		ref := cardbase.LinkRef{ID: card.ID, Slug: card.Slug, Type: card.Type, LinkID: linkID}
		for i, parent := range index[node.Parent][parentID] {
			instance := card
			if i > 0 {
				instance = card.Clone()
			}
			attachLinked(parent, node.Name, instance, ref)
			index[row.node][card.ID] = append(index[row.node][card.ID], instance)
		}
	}
	return roots, nil
}

// attachLinked records child under name, narrowing the parent's links map
// to the refs the query matched.
func attachLinked(parent *cardbase.Card, name string, child *cardbase.Card, ref cardbase.LinkRef) {
	if parent.Linked == nil {
		parent.Linked = map[string][]*cardbase.Card{}
	}
	if parent.Links == nil {
		parent.Links = map[string][]cardbase.LinkRef{}
	}
	if _, started := parent.Linked[name]; !started {
		parent.Links[name] = nil
	}
	parent.Linked[name] = append(parent.Linked[name], child)
	parent.Links[name] = append(parent.Links[name], ref)
}

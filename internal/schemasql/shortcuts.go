package schemasql

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lychee-technology/cardbase"
)

// viewShortcut rewrites a root-level link clause into a lookup against a
// materialized view. It reports false when the clause does not match its
// exact shape, in which case the generic EXISTS form is used.
type viewShortcut func(c *compiler, root *schemaNode, clause linkClause, parent value) (string, bool)

var viewShortcuts = []viewShortcut{
	orgMembershipShortcut,
}

// orgMembershipShortcut serves "orgs that have member U" from the
// org_memberships view:
//
//	{"properties": {"type": {"const": "org@1.0.0"}},
//	 "$$links": {"has member": {"properties": {"id": {"const": U}}}}}
//
// When the member must be active the view is joined back to the cards
// table, since the view only tracks edges.
func orgMembershipShortcut(c *compiler, root *schemaNode, clause linkClause, parent value) (string, bool) {
	if c.orgView == "" || clause.name != cardbase.LinkHasMember {
		return "", false
	}
	if !rootTypeIs(root.raw, cardbase.TypeOrg) {
		return "", false
	}
	member, ok := matchMember(clause.raw)
	if !ok {
		return "", false
	}
	if !member.active {
		return fmt.Sprintf(`%s IN (SELECT "org_id" FROM %s WHERE "user_id" = %s::uuid)`,
			qualify(parent.alias, "id"), c.orgView, c.param(member.id)), true
	}
	return fmt.Sprintf(`%s IN (SELECT m."org_id" FROM %s AS m JOIN %s AS u ON u."id" = m."user_id" WHERE m."user_id" = %s::uuid AND u."active")`,
		qualify(parent.alias, "id"), c.orgView, c.table, c.param(member.id)), true
}

func rootTypeIs(raw map[string]any, base string) bool {
	props, ok := raw["properties"].(map[string]any)
	if !ok {
		return false
	}
	typ, ok := props["type"].(map[string]any)
	if !ok {
		return false
	}
	v, ok := scalarConst(typ)
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && cardbase.BaseTypeSlug(s) == base
}

type memberMatch struct {
	id     uuid.UUID
	active bool
}

// matchMember matches a sub-schema that pins only the linked card's id,
// optionally with active: true given directly or as allOf entries.
func matchMember(raw any) (memberMatch, bool) {
	var out memberMatch
	if !collectMember(raw, &out, true) {
		return memberMatch{}, false
	}
	return out, out.id != uuid.Nil
}

func collectMember(raw any, out *memberMatch, allowID bool) bool {
	m, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	for key, v := range m {
		switch key {
		case "properties":
		case "type":
			if v != "object" {
				return false
			}
		case "required":
			if !onlyKeys(v, "id", "active") {
				return false
			}
		case "allOf":
			items, ok := v.([]any)
			if !ok {
				return false
			}
			for _, item := range items {
				if !collectMember(item, out, false) {
					return false
				}
			}
		default:
			if _, ann := annotations[key]; !ann {
				return false
			}
		}
	}
	props, ok := m["properties"].(map[string]any)
	if !ok {
		_, has := m["properties"]
		return !has
	}
	for key, v := range props {
		sub, ok := v.(map[string]any)
		if !ok {
			return false
		}
		value, ok := scalarConst(sub)
		if !ok {
			return false
		}
		switch key {
		case "id":
			s, ok := value.(string)
			if !ok || !allowID {
				return false
			}
			parsed, err := uuid.Parse(s)
			if err != nil {
				return false
			}
			out.id = parsed
		case "active":
			if value != true {
				return false
			}
			out.active = true
		default:
			return false
		}
	}
	return true
}

func onlyKeys(raw any, allowed ...string) bool {
	list, ok := raw.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return false
		}
		found := false
		for _, a := range allowed {
			if s == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

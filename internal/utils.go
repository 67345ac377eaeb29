package internal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func sanitizeIdentifier(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, ".")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.Trim(part, " \"")
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}
	if len(clean) == 0 {
		clean = []string{name}
	}
	return pgx.Identifier(clean).Sanitize()
}

func toUUID(obj any) (uuid.UUID, bool) {
	switch v := obj.(type) {
	case uuid.UUID:
		return v, true
	case *uuid.UUID:
		if v == nil {
			return uuid.Nil, false
		}
		return *v, true
	case string:
		data, err := uuid.Parse(v)
		return data, err == nil
	case *string:
		if v == nil {
			return uuid.Nil, false
		}
		data, err := uuid.Parse(*v)
		return data, err == nil
	case []byte:
		if len(v) == 16 {
			data, err := uuid.FromBytes(v)
			return data, err == nil
		}
		data, err := uuid.Parse(string(v))
		return data, err == nil
	default:
		return uuid.Nil, false
	}
}

// jsonParam encodes v for a ::jsonb placeholder. nil maps become '{}'.
func jsonParam[V any](v map[string]V) (string, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json parameter: %w", err)
	}
	return string(raw), nil
}

// jsonArrayParam encodes objects for a ::jsonb[] placeholder.
func jsonArrayParam(items []map[string]any) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("encode json array parameter: %w", err)
		}
		out = append(out, string(raw))
	}
	return out, nil
}

func nonNilStrings(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

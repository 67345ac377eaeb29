package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// schemaReader loads query schemas from disk, inlining $ref pointers so the
// result only uses keywords the query compiler understands.
type schemaReader struct {
	files     map[string]map[string]any
	resolving map[string]bool
}

func newSchemaReader() *schemaReader {
	return &schemaReader{files: map[string]map[string]any{}, resolving: map[string]bool{}}
}

// Read loads path, or standard input when path is "-".
func (r *schemaReader) Read(path string, stdin io.Reader) (map[string]any, error) {
	if path == "-" {
		var schema map[string]any
		if err := json.NewDecoder(stdin).Decode(&schema); err != nil {
			return nil, fmt.Errorf("decode schema from stdin: %w", err)
		}
		name := mustAbs("stdin.json")
		r.files[name] = schema
		return r.inlineRoot(schema, name)
	}
	schema, err := r.load(path)
	if err != nil {
		return nil, err
	}
	return r.inlineRoot(schema, path)
}

func (r *schemaReader) inlineRoot(schema map[string]any, file string) (map[string]any, error) {
	out, err := r.inline(schema, file)
	if err != nil {
		return nil, err
	}
	root, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema root must be an object")
	}
	return root, nil
}

func (r *schemaReader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path %s: %w", path, err)
	}
	if cached, ok := r.files[abs]; ok {
		return cached, nil
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", abs, err)
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", abs, err)
	}
	r.files[abs] = schema
	return schema, nil
}

func (r *schemaReader) inline(node any, file string) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		if ref, ok := n["$ref"].(string); ok {
			target, targetFile, err := r.resolve(ref, file)
			if err != nil {
				return nil, err
			}
			merged := make(map[string]any, len(target)+len(n))
			for k, v := range target {
				merged[k] = v
			}
			for k, v := range n {
				if k != "$ref" {
					merged[k] = v
				}
			}
			key := targetFile + "|" + ref
			r.resolving[key] = true
			defer delete(r.resolving, key)
			if _, chained := merged["$ref"]; chained {
				return r.inline(merged, targetFile)
			}
			return r.inlineMembers(merged, targetFile)
		}
		return r.inlineMembers(n, file)
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			v, err := r.inline(item, file)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return node, nil
}

// inlineMembers drops $defs, definitions and x-* annotations, none of which
// the compiler accepts.
func (r *schemaReader) inlineMembers(obj map[string]any, file string) (map[string]any, error) {
	out := make(map[string]any, len(obj))
	for key, value := range obj {
		if key == "$defs" || key == "definitions" || strings.HasPrefix(key, "x-") {
			continue
		}
		if key == "const" || key == "enum" {
			out[key] = value
			continue
		}
		v, err := r.inline(value, file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func (r *schemaReader) resolve(ref, file string) (map[string]any, string, error) {
	target, pointer, _ := strings.Cut(ref, "#")
	targetFile := file
	if target != "" {
		if filepath.IsAbs(target) {
			targetFile = target
		} else {
			targetFile = filepath.Join(filepath.Dir(file), target)
		}
	}
	if r.resolving[targetFile+"|"+ref] {
		return nil, "", fmt.Errorf("circular reference %s in %s", ref, file)
	}

	doc, err := r.load(targetFile)
	if err != nil {
		return nil, "", err
	}

	node, err := jsonPointer(doc, pointer)
	if err != nil {
		return nil, "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	obj, ok := node.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("%s does not point at an object", ref)
	}
	return obj, targetFile, nil
}

func mustAbs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// jsonPointer walks an RFC 6901 pointer.
func jsonPointer(doc any, pointer string) (any, error) {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return doc, nil
	}
	current := doc
	for _, part := range strings.Split(pointer, "/") {
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, fmt.Errorf("key %q not found", part)
			}
			current = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(v) {
				return nil, fmt.Errorf("invalid index %q", part)
			}
			current = v[i]
		default:
			return nil, fmt.Errorf("cannot descend into %T", current)
		}
	}
	return current, nil
}

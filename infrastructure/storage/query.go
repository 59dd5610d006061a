package storage

import (
	"chitchat/contract"
	"chitchat/errors"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

const positional = "$"

// normalize reduces a document to JSON types so stored values and filter
// values compare the same way whatever Go types built them.
func normalize(doc contract.Document) (contract.Document, error) {
	if doc == nil {
		return contract.Document{}, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidDocument, err)
	}
	var out contract.Document
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidDocument, err)
	}
	return out, nil
}

// matches reports whether doc satisfies every exact-match condition of a
// normalized filter.
func matches(doc, filter contract.Document) bool {
	for path, want := range filter {
		if !matchPath(doc, strings.Split(path, "."), want) {
			return false
		}
	}
	return true
}

// matchPath walks path into value. Crossing an array matches when any
// element matches; a terminal array matches a scalar it contains.
func matchPath(value any, path []string, want any) bool {
	if arr, ok := value.([]any); ok {
		if len(path) == 0 {
			if _, wantArr := want.([]any); wantArr {
				return reflect.DeepEqual(value, want)
			}
		}
		for _, elem := range arr {
			if matchPath(elem, path, want) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return reflect.DeepEqual(value, want)
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return want == nil
	}
	next, ok := obj[path[0]]
	if !ok {
		return want == nil
	}
	return matchPath(next, path[1:], want)
}

// applyUpdate mutates doc with $set and $push operators. filter resolves
// the positional "$" of $set paths.
func applyUpdate(doc, filter, update contract.Document) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: empty update", errors.ErrUnsupportedUpdate)
	}
	for op, arg := range update {
		fields, ok := arg.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s takes a document", errors.ErrUnsupportedUpdate, op)
		}
		for path, value := range fields {
			var err error
			switch op {
			case "$set":
				err = setPath(doc, filter, strings.Split(path, "."), value)
			case "$push":
				err = pushPath(doc, strings.Split(path, "."), value)
			default:
				err = fmt.Errorf("%w: %s", errors.ErrUnsupportedUpdate, op)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// resolvePositional replaces a "$" segment with the index of the first
// array element matching the filter conditions under that array.
func resolvePositional(doc, filter contract.Document, parts []string) ([]string, error) {
	for i, part := range parts {
		if part != positional {
			continue
		}
		arrayPath := parts[:i]
		arr, ok := lookup(doc, arrayPath).([]any)
		if !ok {
			return nil, fmt.Errorf("%w: positional %s is not an array", errors.ErrUnsupportedUpdate, strings.Join(arrayPath, "."))
		}
		prefix := strings.Join(arrayPath, ".") + "."
		conds := contract.Document{}
		for k, v := range filter {
			if strings.HasPrefix(k, prefix) {
				conds[strings.TrimPrefix(k, prefix)] = v
			}
		}
		if len(conds) == 0 {
			return nil, fmt.Errorf("%w: positional %s without array condition", errors.ErrUnsupportedUpdate, strings.Join(arrayPath, "."))
		}
		index := -1
		for j, elem := range arr {
			if obj, ok := elem.(map[string]any); ok && matches(obj, conds) {
				index = j
				break
			}
		}
		if index < 0 {
			return nil, errors.ErrDocumentNotFound
		}
		resolved := append([]string{}, parts...)
		resolved[i] = fmt.Sprint(index)
		return resolved, nil
	}
	return parts, nil
}

func lookup(doc map[string]any, parts []string) any {
	var cur any = doc
	for _, part := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

func setPath(doc, filter contract.Document, parts []string, value any) error {
	parts, err := resolvePositional(doc, filter, parts)
	if err != nil {
		return err
	}
	var cur any = doc
	for i, part := range parts {
		last := i == len(parts)-1
		switch node := cur.(type) {
		case map[string]any:
			if last {
				node[part] = value
				return nil
			}
			next, ok := node[part]
			if !ok {
				next = map[string]any{}
				node[part] = next
			}
			cur = next
		case []any:
			var index int
			if _, err := fmt.Sscan(part, &index); err != nil || index < 0 || index >= len(node) {
				return fmt.Errorf("%w: bad array index %q", errors.ErrUnsupportedUpdate, part)
			}
			if last {
				node[index] = value
				return nil
			}
			cur = node[index]
		default:
			return fmt.Errorf("%w: cannot traverse %s", errors.ErrUnsupportedUpdate, strings.Join(parts[:i+1], "."))
		}
	}
	return nil
}

func pushPath(doc contract.Document, parts []string, value any) error {
	parent := doc
	if len(parts) > 1 {
		obj, ok := lookup(doc, parts[:len(parts)-1]).(map[string]any)
		if !ok {
			return fmt.Errorf("%w: cannot push into %s", errors.ErrUnsupportedUpdate, strings.Join(parts, "."))
		}
		parent = obj
	}
	field := parts[len(parts)-1]
	switch existing := parent[field].(type) {
	case nil:
		parent[field] = []any{value}
	case []any:
		parent[field] = append(existing, value)
	default:
		return fmt.Errorf("%w: %s is not an array", errors.ErrUnsupportedUpdate, strings.Join(parts, "."))
	}
	return nil
}

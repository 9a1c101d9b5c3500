package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/petrijr/sagaflow/pkg/api"
)

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// referenceContext is the snapshot inputs are resolved against: the
// enclosing workflow under "workflow" and every prior task instance under
// its reference name, each exposing "input" and "output".
type referenceContext map[string]any

func buildReferenceContext(wf *api.WorkflowInstance, tasks []*api.TaskInstance) referenceContext {
	ctx := referenceContext{
		"workflow": map[string]any{
			"input":  wf.Input,
			"output": wf.Output,
		},
	}
	for _, t := range tasks {
		if t.IsRetried {
			continue
		}
		ctx[t.TaskReferenceName] = map[string]any{
			"input":  t.Input,
			"output": t.Output,
		}
	}
	return ctx
}

// resolveValue substitutes ${...} references in v. Strings that are exactly
// one reference keep the referenced value's type; strings mixing references
// with literals stringify each piece. Maps and slices resolve recursively.
// In lenient mode unresolved paths become nil (whole-string) or "" (mixed);
// strict mode returns ErrUnknownReference instead.
func resolveValue(v any, refCtx referenceContext, strict bool) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, refCtx, strict)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			resolved, err := resolveValue(elem, refCtx, strict)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			resolved, err := resolveValue(elem, refCtx, strict)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, refCtx referenceContext, strict bool) (any, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string substitution keeps the native type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		val, ok := lookupPath(refCtx, s[matches[0][2]:matches[0][3]])
		if !ok {
			if strict {
				return nil, fmt.Errorf("%w: %s", api.ErrUnknownReference, s)
			}
			return nil, nil
		}
		return val, nil
	}

	var resolveErr error
	result := refPattern.ReplaceAllStringFunc(s, func(frag string) string {
		expr := frag[2 : len(frag)-1]
		val, ok := lookupPath(refCtx, expr)
		if !ok {
			if strict && resolveErr == nil {
				resolveErr = fmt.Errorf("%w: %s", api.ErrUnknownReference, frag)
			}
			return ""
		}
		return stringifyRef(val)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return result, nil
}

// lookupPath walks a dotted path through nested maps and slices.
func lookupPath(root any, path string) (any, bool) {
	cur := root
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case referenceContext:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringifyRef(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

package functree

import (
	"fmt"
	"strings"
)

// Resolver returns the artifact document for a node name. The second
// return is false when the artifact is absent, which evaluates to the
// explicit no-value (nil) rather than an error.
type Resolver func(node string) (any, bool)

// Func implements one callable of the evaluation environment.
type Func func(args []any) (any, error)

// Env is the per-dataset evaluation environment: an artifact resolver
// plus the callable set. Evaluation is purely functional; the same tree
// evaluated twice against the same env yields the same value.
type Env struct {
	Resolve Resolver
	Funcs   map[string]Func
}

// Eval evaluates a compiled tree against env.
func Eval(n Node, env Env) (any, error) {
	switch t := n.(type) {
	case *Str:
		return t.Value, nil
	case *Num:
		if t.IsInt {
			return t.Int, nil
		}
		return t.Value, nil
	case *Empty:
		return nil, nil
	case *FieldRef:
		return evalFieldRef(t, env)
	case *Call:
		fn, ok := env.Funcs[t.Name]
		if !ok {
			return nil, fmt.Errorf("unknown function %q", t.Name)
		}
		args := make([]any, len(t.Args))
		for i, a := range t.Args {
			v, err := Eval(a, env)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return fn(args)
	default:
		return nil, fmt.Errorf("unknown node type %T", n)
	}
}

func evalFieldRef(ref *FieldRef, env Env) (any, error) {
	if env.Resolve == nil {
		return nil, fmt.Errorf("field path %q: no resolver", ref.Raw)
	}
	doc, ok := env.Resolve(ref.NodeName)
	if !ok {
		return nil, nil // absent artifact is not an error
	}
	results := ref.Path.Get(doc)
	if ref.List {
		return results, nil
	}
	if len(results) == 0 {
		if ref.Indexed {
			return nil, fmt.Errorf("field path %q: index into empty list", ref.Raw)
		}
		return nil, nil
	}
	return results[0], nil
}

// Builtins returns the standard callable set closed over resolve. The
// caller merges per-dataset callables (status, tags, comments) on top.
func Builtins(resolve Resolver) Env {
	return Env{
		Resolve: resolve,
		Funcs: map[string]Func{
			"sum":          builtinSum,
			"len":          builtinLen,
			"min":          builtinMin,
			"max":          builtinMax,
			"join":         builtinJoin,
			"link":         builtinLink,
			"detail_route": builtinDetailRoute,
			"trace":        builtinTrace,
		},
	}
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case []any:
		return t, true
	default:
		return nil, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// isWhole reports whether every numeric input was integral, so sums and
// extrema keep integer typing through the filter coercions.
func numbers(args []any) ([]float64, bool, error) {
	list, ok := asList(args[0])
	if !ok {
		return nil, false, fmt.Errorf("want a list, got %T", args[0])
	}
	whole := true
	var out []float64
	for _, v := range list {
		if v == nil {
			continue
		}
		f, ok := asFloat(v)
		if !ok {
			return nil, false, fmt.Errorf("non-numeric element %T", v)
		}
		if _, isf := v.(float64); isf && f != float64(int64(f)) {
			whole = false
		}
		out = append(out, f)
	}
	return out, whole, nil
}

func builtinSum(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("sum wants one list")
	}
	if args[0] == nil {
		return nil, nil
	}
	nums, whole, err := numbers(args)
	if err != nil {
		return nil, fmt.Errorf("sum: %w", err)
	}
	var total float64
	for _, f := range nums {
		total += f
	}
	if whole {
		return int64(total), nil
	}
	return total, nil
}

func builtinLen(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len wants one argument")
	}
	switch t := args[0].(type) {
	case nil:
		return int64(0), nil
	case []any:
		return int64(len(t)), nil
	case string:
		return int64(len(t)), nil
	default:
		return nil, fmt.Errorf("len: unsupported type %T", args[0])
	}
}

func extremum(args []any, name string, better func(a, b float64) bool) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s wants one list", name)
	}
	if args[0] == nil {
		return nil, nil
	}
	nums, whole, err := numbers(args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(nums) == 0 {
		return nil, nil
	}
	best := nums[0]
	for _, f := range nums[1:] {
		if better(f, best) {
			best = f
		}
	}
	if whole {
		return int64(best), nil
	}
	return best, nil
}

func builtinMin(args []any) (any, error) {
	return extremum(args, "min", func(a, b float64) bool { return a < b })
}

func builtinMax(args []any) (any, error) {
	return extremum(args, "max", func(a, b float64) bool { return a > b })
}

func builtinJoin(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("join wants a list and a separator")
	}
	list, ok := asList(args[0])
	if !ok {
		return nil, fmt.Errorf("join: want a list, got %T", args[0])
	}
	sep, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("join: want a string separator")
	}
	parts := make([]string, 0, len(list))
	for _, v := range list {
		if v == nil {
			continue
		}
		parts = append(parts, fmt.Sprint(v))
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return strings.Join(parts, sep), nil
}

func builtinLink(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("link wants href and title")
	}
	return map[string]any{"href": args[0], "title": args[1]}, nil
}

func builtinDetailRoute(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("detail_route wants id and title")
	}
	return map[string]any{"route": "detail", "id": args[0], "title": args[1]}, nil
}

func builtinTrace(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("trace wants one argument")
	}
	return args[0], nil
}

// SummaryEnv builds the environment for listing-summary trees, which are
// evaluated over the rendered rows of a listing rather than one dataset.
// (map (idx "col") dflt) yields the named column across all rows, with
// nil cells replaced by dflt.
func SummaryEnv(columns []string, rows [][]any) Env {
	env := Builtins(nil)
	env.Funcs["idx"] = func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("idx wants one column name")
		}
		name, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("idx wants a string column name")
		}
		for i, col := range columns {
			if col == name {
				return int64(i), nil
			}
		}
		return nil, fmt.Errorf("no column named %q", name)
	}
	env.Funcs["map"] = func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("map wants an index and a default")
		}
		idx, ok := args[0].(int64)
		if !ok {
			return nil, fmt.Errorf("map wants an integer index")
		}
		out := make([]any, 0, len(rows))
		for _, row := range rows {
			v := any(nil)
			if int(idx) < len(row) {
				v = row[idx]
			}
			if v == nil {
				v = args[1]
			}
			out = append(out, v)
		}
		return out, nil
	}
	return env
}

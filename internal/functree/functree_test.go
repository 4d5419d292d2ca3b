package functree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolver(docs map[string]any) Resolver {
	return func(node string) (any, bool) {
		doc, ok := docs[node]
		return doc, ok
	}
}

func TestCompile_TrailingInput(t *testing.T) {
	_, err := Compile(`(get "dataset.name") junk`)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Msg, "trailing")
}

func TestCompile_Malformed(t *testing.T) {
	for _, src := range []string{
		``,
		`(`,
		`()`,
		`(get "unterminated`,
		`(sum (get "a.b")`,
		`(sum 12..3)`,
	} {
		_, err := Compile(src)
		assert.Error(t, err, "src=%q", src)
	}
}

func TestCompile_RowsSugar(t *testing.T) {
	n, err := Compile(`(sum (rows "size" 0))`)
	require.NoError(t, err)

	call := n.(*Call)
	require.Equal(t, "sum", call.Name)
	inner := call.Args[0].(*Call)
	assert.Equal(t, "map", inner.Name)
	idx := inner.Args[0].(*Call)
	assert.Equal(t, "idx", idx.Name)

	n, err = Compile(`(rows )`)
	require.NoError(t, err)
	assert.IsType(t, &Empty{}, n)
}

func TestEval_FieldPaths(t *testing.T) {
	docs := map[string]any{
		"dataset": map[string]any{
			"name": "run1",
			"files": []any{
				map[string]any{"path": "/data/a.bin", "size": float64(10)},
				map[string]any{"path": "/data/b.bin", "size": float64(32)},
			},
		},
	}
	env := Builtins(resolver(docs))

	tree, err := Compile(`(get "dataset.name")`)
	require.NoError(t, err)
	v, err := Eval(tree, env)
	require.NoError(t, err)
	assert.Equal(t, "run1", v)

	tree, err = Compile(`(sum (get "dataset.files[:].size"))`)
	require.NoError(t, err)
	v, err = Eval(tree, env)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	tree, err = Compile(`(get "dataset.files[0].path")`)
	require.NoError(t, err)
	v, err = Eval(tree, env)
	require.NoError(t, err)
	assert.Equal(t, "/data/a.bin", v)
}

func TestEval_AbsentArtifactIsNoValue(t *testing.T) {
	env := Builtins(resolver(map[string]any{}))

	tree, err := Compile(`(get "missing.field")`)
	require.NoError(t, err)
	v, err := Eval(tree, env)
	require.NoError(t, err)
	assert.Nil(t, v)

	// sum over the no-value stays no-value
	tree, err = Compile(`(sum (get "missing.items[:].size"))`)
	require.NoError(t, err)
	v, err = Eval(tree, env)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEval_IndexIntoEmptyListErrors(t *testing.T) {
	docs := map[string]any{
		"dataset": map[string]any{"files": []any{}},
	}
	tree, err := Compile(`(get "dataset.files[0].path")`)
	require.NoError(t, err)
	_, err = Eval(tree, Builtins(resolver(docs)))
	assert.Error(t, err)
}

func TestEval_Pure(t *testing.T) {
	docs := map[string]any{
		"dataset": map[string]any{
			"files": []any{map[string]any{"size": float64(7)}},
		},
	}
	env := Builtins(resolver(docs))
	tree, err := Compile(`(sum (get "dataset.files[:].size"))`)
	require.NoError(t, err)

	first, err := Eval(tree, env)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := Eval(tree, env)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSummaryEnv(t *testing.T) {
	columns := []string{"name", "size"}
	rows := [][]any{
		{"a", int64(10)},
		{"b", nil},
		{"c", int64(5)},
	}
	env := SummaryEnv(columns, rows)

	tree, err := Compile(`(sum (rows "size" 0))`)
	require.NoError(t, err)
	v, err := Eval(tree, env)
	require.NoError(t, err)
	assert.Equal(t, int64(15), v)

	tree, err = Compile(`(len (rows ))`)
	require.NoError(t, err)
	v, err = Eval(tree, env)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestDeps(t *testing.T) {
	tree, err := Compile(`(detail_route (get "dataset.id") (get "meta.title"))`)
	require.NoError(t, err)
	deps := Deps(tree)
	assert.Contains(t, deps, "dataset")
	assert.Contains(t, deps, "meta")

	tree, err = Compile(`(status )`)
	require.NoError(t, err)
	assert.Contains(t, Deps(tree), "status")
}

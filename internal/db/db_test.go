package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/shelf/internal/config"
	"github.com/agentic-research/shelf/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func defaultDescriptor(t *testing.T) *ListingDescriptor {
	t.Helper()
	specs := make([]config.FilterSpec, 0, len(config.DefaultFilters))
	for _, line := range config.DefaultFilters {
		spec, err := config.ParseFilterSpec(line)
		require.NoError(t, err)
		specs = append(specs, spec)
	}
	desc, err := BuildListingDescriptor("scans", specs)
	require.NoError(t, err)
	return desc
}

func TestBuildListingDescriptor(t *testing.T) {
	desc := defaultDescriptor(t)

	assert.Equal(t, "listing_scans", desc.Table)

	var colNames []string
	for _, col := range desc.Columns {
		colNames = append(colNames, col.Name)
	}
	// status, tags, comments are synthetic and never materialize
	assert.Equal(t, []string{"name", "setid", "size", "time_added"}, colNames)

	require.Len(t, desc.Relations, 1)
	assert.Equal(t, "files", desc.Relations[0].Key)
	assert.Equal(t, "listing_scans_files", desc.Relations[0].ValueTable)
	assert.Equal(t, "listing_scans_files_sec", desc.Relations[0].JoinTable)

	col, ok := desc.Column("time_added")
	require.True(t, ok)
	assert.Equal(t, "INTEGER", col.SQLType)
}

func TestBuildListingDescriptorRejectsUnknownType(t *testing.T) {
	_, err := BuildListingDescriptor("scans", []config.FilterSpec{
		{Name: "odd", ValueType: "matrix"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matrix")
}

const day = int64(86_400_000)

type fixture struct {
	db   *DB
	desc *ListingDescriptor
	run1 *model.Dataset
	run2 *model.Dataset
}

// newFixture indexes two datasets: run1 (outdated, tagged a/b/c,
// commented) and run2 (clean, tagged a), with time_added a day apart.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := openTestDB(t)
	desc := defaultDescriptor(t)

	run1 := &model.Dataset{
		Collection: "scans", SetID: model.NewSetID(), Name: "run1",
		TimeAdded: 3 * day, TimeUpdated: 3 * day, Timestamp: 3 * day,
		Outdated: true,
		Files: []model.File{
			{Idx: 0, Path: "/scans/run1/a.bag", Size: 10, MTime: 3 * day},
			{Idx: 1, Path: "/scans/run1/b.bag", Size: 5, MTime: 3 * day},
		},
	}
	run2 := &model.Dataset{
		Collection: "scans", SetID: model.NewSetID(), Name: "run2",
		TimeAdded: 4 * day, TimeUpdated: 4 * day, Timestamp: 4 * day,
		Files: []model.File{
			{Idx: 0, Path: "/scans/run2/a.bag", Size: 20, MTime: 4 * day},
		},
	}

	err := d.WithTx(func(tx *sql.Tx) error {
		if err := d.CreateListingTables(tx, desc); err != nil {
			return err
		}
		for _, ds := range []*model.Dataset{run1, run2} {
			if err := d.InsertDataset(tx, ds); err != nil {
				return err
			}
			if err := d.UpdateDatasetFlags(tx, ds); err != nil {
				return err
			}
		}
		rows := []RenderedRow{renderedRow(run1), renderedRow(run2)}
		if err := d.UpsertListing(tx, desc, rows, false); err != nil {
			return err
		}
		if err := d.BulkTag(tx, "scans", []TagOp{
			{Value: "a", DatasetID: run1.ID},
			{Value: "b", DatasetID: run1.ID},
			{Value: "c", DatasetID: run1.ID},
			{Value: "a", DatasetID: run2.ID},
		}, nil); err != nil {
			return err
		}
		return d.AddComments(tx, []model.Comment{
			{DatasetID: run1.ID, Author: "kim", TimeAdded: 3 * day, Text: "needs review"},
		})
	})
	require.NoError(t, err)
	return &fixture{db: d, desc: desc, run1: run1, run2: run2}
}

func renderedRow(ds *model.Dataset) RenderedRow {
	var size int64
	var paths []string
	for _, f := range ds.Files {
		size += f.Size
		paths = append(paths, f.Path)
	}
	return RenderedRow{
		ID:  ds.ID,
		Row: `{"setid":"` + string(ds.SetID) + `"}`,
		Fields: map[string]any{
			"name":       ds.Name,
			"setid":      string(ds.SetID),
			"size":       size,
			"time_added": ds.TimeAdded,
		},
		Relations: map[string][]string{"files": paths},
	}
}

func (f *fixture) ids(t *testing.T, filters []Filter) []int64 {
	t.Helper()
	q, err := CompileFilters(f.desc, filters)
	require.NoError(t, err)
	rows, err := f.db.QueryListing(q)
	require.NoError(t, err)
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}

func TestQueryNoFilters(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []int64{f.run1.ID, f.run2.ID}, f.ids(t, nil))
}

func TestQuerySetIDEq(t *testing.T) {
	f := newFixture(t)
	ids := f.ids(t, []Filter{
		{Name: "setid", Operator: "eq", Type: "string", Value: string(f.run1.SetID)},
	})
	assert.Equal(t, []int64{f.run1.ID}, ids)
}

func TestQueryExcludesDiscarded(t *testing.T) {
	f := newFixture(t)
	err := f.db.WithTx(func(tx *sql.Tx) error {
		return f.db.SetDiscarded(tx, []string{string(f.run2.SetID)}, true)
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{f.run1.ID}, f.ids(t, nil))
}

func TestQueryTagsAllAndAny(t *testing.T) {
	f := newFixture(t)

	// run1 tagged {a,b,c} matches all:{a,b}; run2 tagged {a} does not
	all := f.ids(t, []Filter{{Name: "tags", Operator: "all", Value: []string{"a", "b"}}})
	assert.Equal(t, []int64{f.run1.ID}, all)

	any := f.ids(t, []Filter{{Name: "tags", Operator: "any", Value: []string{"a", "b"}}})
	assert.Equal(t, []int64{f.run1.ID, f.run2.ID}, any)
}

func TestQueryTagsAggregatedPerRow(t *testing.T) {
	f := newFixture(t)
	q, err := CompileFilters(f.desc, nil)
	require.NoError(t, err)
	rows, err := f.db.QueryListing(q)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, rows[0].Tags)
	assert.Equal(t, []string{"a"}, rows[1].Tags)
}

func TestQueryStatusAnyVsAll(t *testing.T) {
	f := newFixture(t)
	flags := []string{"outdated", "missing"}

	// run1 has only the outdated bit set
	any := f.ids(t, []Filter{{Name: "status", Operator: "any", Value: flags}})
	assert.Equal(t, []int64{f.run1.ID}, any)

	all := f.ids(t, []Filter{{Name: "status", Operator: "all", Value: flags}})
	assert.Empty(t, all)
}

func TestQueryCommentsSubstring(t *testing.T) {
	f := newFixture(t)
	ids := f.ids(t, []Filter{{Name: "comments", Operator: "substring", Value: "review"}})
	assert.Equal(t, []int64{f.run1.ID}, ids)

	ids = f.ids(t, []Filter{{Name: "comments", Operator: "substring", Value: "100%_done"}})
	assert.Empty(t, ids) // wildcards match literally
}

func TestQueryDatetimeEqWindow(t *testing.T) {
	f := newFixture(t)
	mk := func(op string, v int64) []Filter {
		return []Filter{{Name: "time_added", Operator: op, Type: "datetime", Value: v}}
	}

	// eq matches [v, v+24h): run1 at 3*day, run2 at 4*day
	assert.Equal(t, []int64{f.run1.ID}, f.ids(t, mk("eq", 3*day)))
	assert.Equal(t, []int64{f.run2.ID}, f.ids(t, mk("eq", 3*day+1)))
	assert.Equal(t, []int64{f.run2.ID}, f.ids(t, mk("ne", 3*day)))

	// le/gt widen the bound by 24h
	assert.Equal(t, []int64{f.run1.ID, f.run2.ID}, f.ids(t, mk("le", 3*day)))
	assert.Empty(t, f.ids(t, mk("gt", 3*day)))
	assert.Equal(t, []int64{f.run2.ID}, f.ids(t, mk("ge", 4*day)))
}

func TestQueryRelationOperators(t *testing.T) {
	f := newFixture(t)

	any := f.ids(t, []Filter{{Name: "files", Operator: "any",
		Value: []string{"/scans/run1/a.bag", "/scans/run2/a.bag"}}})
	assert.Equal(t, []int64{f.run1.ID, f.run2.ID}, any)

	all := f.ids(t, []Filter{{Name: "files", Operator: "all",
		Value: []string{"/scans/run1/a.bag", "/scans/run1/b.bag"}}})
	assert.Equal(t, []int64{f.run1.ID}, all)

	sub := f.ids(t, []Filter{{Name: "files", Operator: "substring_any", Value: "run2"}})
	assert.Equal(t, []int64{f.run2.ID}, sub)
}

func TestQueryEmptyValueSets(t *testing.T) {
	f := newFixture(t)

	// empty sets match nothing instead of producing invalid SQL
	for _, filter := range []Filter{
		{Name: "tags", Operator: "any", Value: []string{}},
		{Name: "tags", Operator: "all", Value: []string{}},
		{Name: "files", Operator: "any", Value: []string{}},
		{Name: "files", Operator: "all", Value: []string{}},
	} {
		assert.Empty(t, f.ids(t, []Filter{filter}), "%s %s", filter.Name, filter.Operator)
	}
}

func TestQueryScalarStringOperators(t *testing.T) {
	f := newFixture(t)

	ids := f.ids(t, []Filter{{Name: "name", Operator: "substring", Value: "un1"}})
	assert.Equal(t, []int64{f.run1.ID}, ids)

	ids = f.ids(t, []Filter{{Name: "name", Operator: "startswith", Value: "run"}})
	assert.Equal(t, []int64{f.run1.ID, f.run2.ID}, ids)

	ids = f.ids(t, []Filter{{Name: "name", Operator: "words", Value: "run 2"}})
	assert.Equal(t, []int64{f.run2.ID}, ids)
}

func TestQueryUnknownOperator(t *testing.T) {
	f := newFixture(t)
	_, err := CompileFilters(f.desc, []Filter{{Name: "name", Operator: "between", Value: "x"}})
	require.ErrorIs(t, err, ErrUnknownOperator)

	_, err = CompileFilters(f.desc, []Filter{{Name: "nope", Operator: "eq", Value: "x"}})
	require.ErrorIs(t, err, ErrUnknownOperator)
}

func TestUpsertListingCleanOverwritesRelations(t *testing.T) {
	f := newFixture(t)

	row := renderedRow(f.run1)
	row.Relations["files"] = []string{"/scans/run1/c.bag"}
	err := f.db.WithTx(func(tx *sql.Tx) error {
		return f.db.UpsertListing(tx, f.desc, []RenderedRow{row}, true)
	})
	require.NoError(t, err)

	ids := f.ids(t, []Filter{{Name: "files", Operator: "any", Value: []string{"/scans/run1/a.bag"}}})
	assert.Empty(t, ids)
	ids = f.ids(t, []Filter{{Name: "files", Operator: "any", Value: []string{"/scans/run1/c.bag"}}})
	assert.Equal(t, []int64{f.run1.ID}, ids)
}

func TestCleanupDiscardedRemovesEverything(t *testing.T) {
	f := newFixture(t)
	err := f.db.WithTx(func(tx *sql.Tx) error {
		return f.db.SetDiscarded(tx, []string{string(f.run1.SetID)}, true)
	})
	require.NoError(t, err)

	require.NoError(t, f.db.CleanupDiscarded(f.desc))
	require.NoError(t, f.db.CleanupTags())
	require.NoError(t, f.db.CleanupRelations(f.desc))

	_, err = f.db.DatasetBySetID(string(f.run1.SetID))
	require.Error(t, err)

	tags, err := f.db.ListTags([]string{"scans"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, tags) // only run2's tag survives

	assert.Equal(t, []int64{f.run2.ID}, f.ids(t, nil))
}

func TestResolveSetIDsUnknown(t *testing.T) {
	f := newFixture(t)
	refs, err := f.db.ResolveSetIDs([]string{string(f.run1.SetID)})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, f.run1.ID, refs[0].ID)

	_, err = f.db.ResolveSetIDs([]string{"missing-setid"})
	require.Error(t, err)
}

func TestQuerySetIDsByProperties(t *testing.T) {
	f := newFixture(t)

	setids, err := f.db.QuerySetIDs(SetIDQuery{Collections: []string{"scans"}, Outdated: true})
	require.NoError(t, err)
	assert.Equal(t, []string{string(f.run1.SetID)}, setids)

	setids, err = f.db.QuerySetIDs(SetIDQuery{PathPrefix: "/scans/run2/"})
	require.NoError(t, err)
	assert.Equal(t, []string{string(f.run2.SetID)}, setids)

	setids, err = f.db.QuerySetIDs(SetIDQuery{Tags: []string{"b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{string(f.run1.SetID)}, setids)
}

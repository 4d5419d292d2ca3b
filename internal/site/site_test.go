package site

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/shelf/internal/db"
)

func writeSiteConfig(t *testing.T, base string) string {
	t.Helper()
	cfg := `
[site]
storedir = "` + filepath.Join(base, "store") + `"
dbpath = "` + filepath.Join(base, "catalog.db") + `"
collections = ["scans"]

[collection.scans]
scanroots = ["` + filepath.Join(base, "data") + `"]
scanner = "directory"
`
	path := filepath.Join(base, "shelf.toml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func newTestSiteWithData(t *testing.T) *Site {
	t.Helper()
	base := t.TempDir()
	for _, f := range []string{"run1/a.bag", "run2/b.bag"} {
		path := filepath.Join(base, "data", f)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	}

	s, err := Load(writeSiteConfig(t, base), Options{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Init())
	require.NoError(t, s.Scan(nil, false))
	return s
}

func setids(result *ListingResult) []string {
	out := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		out = append(out, row["setid"].(string))
	}
	return out
}

func TestSiteScanAndList(t *testing.T) {
	s := newTestSiteWithData(t)

	result, err := s.List("scans", nil)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
	require.Len(t, result.Summary, 2)
	assert.EqualValues(t, 2, result.Summary[0]["value"])

	c, _ := s.Collections.Get("scans")
	f, err := ParseFilterArg(c, "name:substring:run1")
	require.NoError(t, err)
	result, err = s.List("scans", []db.Filter{f})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 1)
}

func TestSiteTagAndQuery(t *testing.T) {
	s := newTestSiteWithData(t)
	result, err := s.List("scans", nil)
	require.NoError(t, err)
	ids := setids(result)

	require.NoError(t, s.Tag(ids[:1], []string{"nav", "sim"}, nil))
	require.NoError(t, s.Tag(ids[1:], []string{"nav"}, nil))

	c, _ := s.Collections.Get("scans")
	f, err := ParseFilterArg(c, "tags:all:nav,sim")
	require.NoError(t, err)
	result, err = s.List("scans", []db.Filter{f})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, ids[0], result.Rows[0]["setid"])
	assert.Equal(t, []string{"nav", "sim"}, result.Rows[0]["tags"])

	// The tags listing column resolves to the same values, not to the
	// rendered placeholder.
	vals := result.Rows[0]["values"].([]any)
	assert.Equal(t, []any{"nav", "sim"}, vals[3])

	require.NoError(t, s.Tag(ids[:1], nil, []string{"sim"}))
	result, err = s.List("scans", []db.Filter{f})
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
}

func TestSiteCommentAndDetail(t *testing.T) {
	s := newTestSiteWithData(t)
	result, err := s.List("scans", nil)
	require.NoError(t, err)
	ids := setids(result)

	require.NoError(t, s.Comment("kim", "checked", ids))

	c, _ := s.Collections.Get("scans")
	f, err := ParseFilterArg(c, "comments:substring:check")
	require.NoError(t, err)
	result, err = s.List("scans", []db.Filter{f})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)

	doc, err := s.Detail(ids[0])
	require.NoError(t, err)
	assert.Contains(t, []any{"run1", "run2"}, doc["title"])
}

func TestSiteDiscardAndCleanup(t *testing.T) {
	s := newTestSiteWithData(t)
	result, err := s.List("scans", nil)
	require.NoError(t, err)
	ids := setids(result)

	require.NoError(t, s.Discard(ids[:1], true))
	result, err = s.List("scans", nil)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 1)

	require.NoError(t, s.Discard(ids[:1], false))
	result, err = s.List("scans", nil)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)

	require.NoError(t, s.Discard(ids[:1], true))
	require.NoError(t, s.Cleanup())
	_, err = s.DB.DatasetBySetID(ids[0])
	require.Error(t, err)
}

func TestSiteDumpRestoreRoundTrip(t *testing.T) {
	src := newTestSiteWithData(t)
	result, err := src.List("scans", nil)
	require.NoError(t, err)
	ids := setids(result)
	require.NoError(t, src.Tag(ids, []string{"exported"}, nil))
	require.NoError(t, src.Comment("kim", "migrate me", ids[:1]))

	dump, err := src.Dump()
	require.NoError(t, err)
	require.Len(t, dump["scans"], 2)

	dstBase := t.TempDir()
	dst, err := Load(writeSiteConfig(t, dstBase), Options{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dst.Close() })
	require.NoError(t, dst.Init())

	require.NoError(t, dst.Restore(dump))

	result, err = dst.List("scans", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, setids(result))

	c, _ := dst.Collections.Get("scans")
	f, err := ParseFilterArg(c, "tags:any:exported")
	require.NoError(t, err)
	result, err = dst.List("scans", []db.Filter{f})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
}

func TestSiteInitDropsStaleListingTables(t *testing.T) {
	s := newTestSiteWithData(t)

	// a listing table of a removed collection
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec("CREATE TABLE listing_gone (id INTEGER PRIMARY KEY, row TEXT)")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, s.Init())

	names, err := s.DB.ListingTableNames()
	require.NoError(t, err)
	assert.NotContains(t, names, "listing_gone")
	assert.Contains(t, names, "listing_scans")

	// data survives init
	result, err := s.List("scans", nil)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
}

// Package collection is the core of the index engine: per-collection
// configuration compiled into filter specs, listing columns, and
// function trees, plus the scanner, renderer, and batch writer that keep
// the dynamic listing schema in sync with the filesystem.
package collection

import (
	"regexp"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"

	"github.com/agentic-research/shelf/internal/config"
	"github.com/agentic-research/shelf/internal/db"
	"github.com/agentic-research/shelf/internal/functree"
	"github.com/agentic-research/shelf/internal/store"
)

var filterNameRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// batchSize caps how many datasets one transaction carries, for scans
// and restores alike.
const batchSize = 50

type compiledFilter struct {
	spec config.FilterSpec
	tree functree.Node
}

type compiledColumn struct {
	col  config.ListingColumn
	tree functree.Node
}

type compiledSummary struct {
	item config.SummaryItem
	tree functree.Node
}

// Collection is one named partition of the catalog. Immutable once
// built; everything derived from configuration is compiled here, at
// construction, so per-dataset rendering never sees a config error.
type Collection struct {
	Name       string
	Section    config.Collection
	Descriptor *db.ListingDescriptor
	Nodes      map[string]*store.Node // display name -> node
	SortColumn int
	SortOrder  string

	filterSpecs []config.FilterSpec
	filterFuncs []compiledFilter
	listingCols []config.ListingColumn
	listingFns  []compiledColumn
	summary     []compiledSummary
	detailTitle functree.Node
	sections    []*store.Node
	widgets     []*store.Node
	scanFn      ScanFunc

	db    *db.DB
	store *store.Store
	fs    billy.Filesystem
	log   zerolog.Logger
}

// Deps bundles what every collection needs from its host.
type Deps struct {
	DB       *db.DB
	Store    *store.Store
	FS       billy.Filesystem
	Registry store.Registry
	Scanners Scanners
	Log      zerolog.Logger
}

// New builds and validates a collection. All configuration-shape errors
// surface here as *config.Error.
func New(name string, section config.Collection, deps Deps) (*Collection, error) {
	c := &Collection{
		Name:    name,
		Section: section,
		db:      deps.DB,
		store:   deps.Store,
		fs:      deps.FS,
		log:     deps.Log.With().Str("collection", name).Logger(),
	}
	secname := "collection." + name

	if err := c.loadFilters(secname); err != nil {
		return nil, err
	}
	if err := c.loadListingColumns(secname); err != nil {
		return nil, err
	}
	if err := c.loadSummary(secname); err != nil {
		return nil, err
	}
	if err := c.loadNodes(secname, deps.Registry); err != nil {
		return nil, err
	}
	if err := c.loadDetail(secname); err != nil {
		return nil, err
	}
	if err := c.loadSort(secname); err != nil {
		return nil, err
	}

	fn, ok := deps.Scanners[section.Scanner]
	if !ok {
		return nil, config.Errorf(secname, "scanner", "unknown scanner %q", section.Scanner)
	}
	c.scanFn = fn

	desc, err := db.BuildListingDescriptor(name, c.filterSpecs)
	if err != nil {
		return nil, err
	}
	c.Descriptor = desc
	return c, nil
}

func (c *Collection) loadFilters(secname string) error {
	seen := map[string]bool{}
	for _, line := range c.Section.Filters {
		spec, err := config.ParseFilterSpec(line)
		if err != nil {
			return config.Errorf(secname, "filters", "%q: %v", line, err)
		}
		if !filterNameRe.MatchString(spec.Name) {
			return config.Errorf(secname, "filters", "invalid filter name %q", spec.Name)
		}
		if seen[spec.Name] {
			return config.Errorf(secname, "filters", "duplicate filter name %q", spec.Name)
		}
		seen[spec.Name] = true
		c.filterSpecs = append(c.filterSpecs, spec)

		if isSyntheticFilter(spec.Name) {
			continue
		}
		tree, err := functree.Compile(spec.Function)
		if err != nil {
			return config.Errorf(secname, "filters", "%q: %v", line, err)
		}
		c.filterFuncs = append(c.filterFuncs, compiledFilter{spec: spec, tree: tree})
	}
	for _, mandatory := range []string{"setid", "tags"} {
		if !seen[mandatory] {
			return config.Errorf(secname, "filters", "mandatory filter %q missing", mandatory)
		}
	}
	return nil
}

func isSyntheticFilter(name string) bool {
	return name == "comments" || name == "status" || name == "tags"
}

func (c *Collection) loadListingColumns(secname string) error {
	for _, line := range c.Section.ListingColumns {
		col, err := config.ParseListingColumn(line)
		if err != nil {
			return config.Errorf(secname, "listing_columns", "%q: %v", line, err)
		}
		if !knownFormatter(col.Formatter) {
			return config.Errorf(secname, "listing_columns",
				"%q: unknown formatter %q", line, col.Formatter)
		}
		tree, err := functree.Compile(col.Function)
		if err != nil {
			return config.Errorf(secname, "listing_columns", "%q: %v", line, err)
		}
		c.listingCols = append(c.listingCols, col)
		c.listingFns = append(c.listingFns, compiledColumn{col: col, tree: tree})
	}
	return nil
}

func (c *Collection) loadSummary(secname string) error {
	for _, line := range c.Section.ListingSummary {
		item, err := config.ParseSummaryItem(line)
		if err != nil {
			return config.Errorf(secname, "listing_summary", "%q: %v", line, err)
		}
		tree, err := functree.Compile(item.Function)
		if err != nil {
			return config.Errorf(secname, "listing_summary", "%q: %v", line, err)
		}
		c.summary = append(c.summary, compiledSummary{item: item, tree: tree})
	}
	return nil
}

// loadNodes resolves node config lines against the registry. A line is
// either a registry reference or "name:reference" to rename. The same
// underlying node under two names is a config error, as is a duplicate
// display name or a node without a schema.
func (c *Collection) loadNodes(secname string, registry store.Registry) error {
	c.Nodes = map[string]*store.Node{}
	linemap := map[*store.Node]string{}
	for _, line := range c.Section.Nodes {
		name, ref := line, line
		if i := strings.IndexByte(line, ':'); i >= 0 {
			name, ref = line[:i], line[i+1:]
		}
		node, ok := registry[ref]
		if !ok {
			return config.Errorf(secname, "nodes", "cannot find node %s", line)
		}
		if prev, dup := linemap[node]; dup {
			return config.Errorf(secname, "nodes", "%s already listed as %s", line, prev)
		}
		linemap[node] = line
		if _, dup := c.Nodes[name]; dup {
			return config.Errorf(secname, "nodes", "duplicate name %s", name)
		}
		if node.Schema == "" {
			return config.Errorf(secname, "nodes", "%s does not define a schema", line)
		}
		c.Nodes[name] = node
	}
	return nil
}

func (c *Collection) loadDetail(secname string) error {
	tree, err := functree.Compile(c.Section.DetailTitle)
	if err != nil {
		return config.Errorf(secname, "detail_title", "%v", err)
	}
	c.detailTitle = tree

	for _, name := range c.Section.DetailSections {
		node, ok := c.Nodes[name]
		if !ok {
			return config.Errorf(secname, "detail_sections", "unknown node %s", name)
		}
		c.sections = append(c.sections, node)
	}
	for _, name := range c.Section.DetailSummaryWidgets {
		node, ok := c.Nodes[name]
		if !ok {
			return config.Errorf(secname, "detail_summary_widgets", "unknown node %s", name)
		}
		c.widgets = append(c.widgets, node)
	}
	return nil
}

func (c *Collection) loadSort(secname string) error {
	sort := c.Section.ListingSort
	c.SortColumn = 0
	c.SortOrder = "ascending"

	if len(sort) > 0 && sort[0] != "" {
		found := false
		for i, col := range c.listingCols {
			if col.Name == sort[0] {
				c.SortColumn = i
				found = true
				break
			}
		}
		if !found {
			return config.Errorf(secname, "listing_sort", "no column named %q", sort[0])
		}
	}
	if len(sort) > 1 && sort[1] != "" {
		switch sort[1] {
		case "ascending", "descending":
			c.SortOrder = sort[1]
		default:
			return config.Errorf(secname, "listing_sort",
				"%q not in [ascending descending]", sort[1])
		}
	}
	return nil
}

// FilterSpecs returns the ordered filter specifications.
func (c *Collection) FilterSpecs() []config.FilterSpec {
	return c.filterSpecs
}

// ListingColumns returns the ordered listing columns.
func (c *Collection) ListingColumns() []config.ListingColumn {
	return c.listingCols
}

// Scanroots returns the configured scan entry points.
func (c *Collection) Scanroots() []string {
	return c.Section.Scanroots
}

// ListingDeps returns the node names listing and filter trees read,
// minus the synthetic pseudo-nodes.
func (c *Collection) ListingDeps() map[string]struct{} {
	deps := map[string]struct{}{}
	for _, f := range c.filterFuncs {
		mergeDeps(deps, functree.Deps(f.tree))
	}
	for _, l := range c.listingFns {
		mergeDeps(deps, functree.Deps(l.tree))
	}
	pruneSynthetic(deps)
	return deps
}

// DetailDeps returns the node names the detail document reads.
func (c *Collection) DetailDeps() map[string]struct{} {
	deps := map[string]struct{}{}
	mergeDeps(deps, functree.Deps(c.detailTitle))
	for _, node := range c.sections {
		deps[node.Name] = struct{}{}
	}
	for _, node := range c.widgets {
		deps[node.Name] = struct{}{}
	}
	pruneSynthetic(deps)
	return deps
}

func mergeDeps(dst, src map[string]struct{}) {
	for k := range src {
		dst[k] = struct{}{}
	}
}

func pruneSynthetic(deps map[string]struct{}) {
	for _, name := range []string{"comments", "dataset", "status", "tags"} {
		delete(deps, name)
	}
}

// Collections is the immutable name→Collection mapping of a site,
// built once behind a load flag.
type Collections struct {
	order  []string
	byName map[string]*Collection
}

// LoadCollections builds every configured collection eagerly. Scanroot
// disjointness across collections is validated by config.Load.
func LoadCollections(cfg *config.Config, deps Deps) (*Collections, error) {
	cs := &Collections{byName: map[string]*Collection{}}
	for _, name := range cfg.Site.Collections {
		col, err := New(name, cfg.Collection[name], deps)
		if err != nil {
			return nil, err
		}
		cs.order = append(cs.order, name)
		cs.byName[name] = col
	}
	return cs, nil
}

// Get returns a collection by name.
func (cs *Collections) Get(name string) (*Collection, bool) {
	c, ok := cs.byName[name]
	return c, ok
}

// Default returns the first configured collection's name.
func (cs *Collections) Default() string {
	return cs.order[0]
}

// Names returns collection names in configuration order.
func (cs *Collections) Names() []string {
	return append([]string(nil), cs.order...)
}

// All returns the collections in configuration order.
func (cs *Collections) All() []*Collection {
	out := make([]*Collection, 0, len(cs.order))
	for _, name := range cs.order {
		out = append(out, cs.byName[name])
	}
	return out
}

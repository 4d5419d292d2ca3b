// Package site ties configuration, database, artifact store, and
// collections into the operations the CLI exposes.
package site

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"

	"github.com/agentic-research/shelf/internal/collection"
	"github.com/agentic-research/shelf/internal/config"
	"github.com/agentic-research/shelf/internal/db"
	"github.com/agentic-research/shelf/internal/model"
	"github.com/agentic-research/shelf/internal/store"
)

// Site is one configured catalog instance.
type Site struct {
	Config      *config.Config
	DB          *db.DB
	Store       *store.Store
	Collections *collection.Collections

	fs  billy.Filesystem
	log zerolog.Logger
}

// Options override the ambient defaults, mainly for tests and for hosts
// that register their own nodes and scanner callbacks.
type Options struct {
	FS       billy.Filesystem
	Registry store.Registry
	Scanners collection.Scanners
}

// DefaultRegistry holds the built-in dataset node every collection can
// reference without further setup.
func DefaultRegistry() store.Registry {
	return store.Registry{
		"dataset": {Name: "dataset", Schema: "dataset"},
	}
}

// Load opens a site from its configuration file.
func Load(cfgPath string, opts Options, log zerolog.Logger) (*Site, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts, log)
}

// New opens a site from decoded configuration.
func New(cfg *config.Config, opts Options, log zerolog.Logger) (*Site, error) {
	fs := opts.FS
	if fs == nil {
		fs = osfs.New("/")
	}
	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	scanners := opts.Scanners
	if scanners == nil {
		scanners = collection.DefaultScanners()
	}

	if err := fs.MkdirAll(cfg.Site.StoreDir, 0o777); err != nil {
		return nil, fmt.Errorf("create storedir: %w", err)
	}
	database, err := db.Open(cfg.Site.DBPath, log)
	if err != nil {
		return nil, err
	}
	st := store.New(fs, cfg.Site.StoreDir)

	collections, err := collection.LoadCollections(cfg, collection.Deps{
		DB:       database,
		Store:    st,
		FS:       fs,
		Registry: registry,
		Scanners: scanners,
		Log:      log,
	})
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	return &Site{
		Config:      cfg,
		DB:          database,
		Store:       st,
		Collections: collections,
		fs:          fs,
		log:         log,
	}, nil
}

// Close releases the database handle.
func (s *Site) Close() error {
	return s.DB.Close()
}

// Init (re)materializes the derived listing schema: stale listing tables
// are dropped, the current descriptors' tables created, and every known
// dataset re-rendered into them. Dataset, file, tag, and comment rows
// are never touched.
func (s *Site) Init() error {
	owned := map[string]bool{}
	for _, c := range s.Collections.All() {
		for _, name := range c.Descriptor.TableNames() {
			owned[name] = true
		}
	}
	existing, err := s.DB.ListingTableNames()
	if err != nil {
		return err
	}

	err = s.DB.WithTx(func(tx *sql.Tx) error {
		var stale []string
		for _, name := range existing {
			if !owned[name] {
				stale = append(stale, name)
			}
		}
		if err := s.DB.DropTables(tx, stale); err != nil {
			return err
		}
		for _, c := range s.Collections.All() {
			if err := s.DB.EnsureCollection(tx, c.Name); err != nil {
				return err
			}
			if err := s.DB.CreateListingTables(tx, c.Descriptor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("init site: %w", err)
	}

	for _, c := range s.Collections.All() {
		if err := c.RenderAll(); err != nil {
			return fmt.Errorf("render %s: %w", c.Name, err)
		}
	}
	return nil
}

// Scan runs the scanner for the named collections, or all of them.
func (s *Site) Scan(names []string, dryRun bool) error {
	collections, err := s.resolve(names)
	if err != nil {
		return err
	}
	for _, c := range collections {
		if err := c.Scan(dryRun); err != nil {
			return err
		}
	}
	return nil
}

func (s *Site) resolve(names []string) ([]*collection.Collection, error) {
	if len(names) == 0 {
		return s.Collections.All(), nil
	}
	out := make([]*collection.Collection, 0, len(names))
	for _, name := range names {
		c, ok := s.Collections.Get(name)
		if !ok {
			return nil, fmt.Errorf("no collection %q", name)
		}
		out = append(out, c)
	}
	return out, nil
}

// Tag adds and removes tags on datasets and refreshes their listing
// rows so the relation tables stay in sync.
func (s *Site) Tag(setids, add, remove []string) error {
	refs, err := s.DB.ResolveSetIDs(setids)
	if err != nil {
		return err
	}
	byCollection := map[string][]int64{}
	err = s.DB.WithTx(func(tx *sql.Tx) error {
		for _, ref := range refs {
			byCollection[ref.Collection] = append(byCollection[ref.Collection], ref.ID)
		}
		for name, ids := range byCollection {
			var addOps, removeOps []db.TagOp
			for _, id := range ids {
				for _, v := range add {
					addOps = append(addOps, db.TagOp{Value: v, DatasetID: id})
				}
				for _, v := range remove {
					removeOps = append(removeOps, db.TagOp{Value: v, DatasetID: id})
				}
			}
			if err := s.DB.BulkTag(tx, name, addOps, removeOps); err != nil {
				return fmt.Errorf("tag datasets of %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for name, ids := range byCollection {
		c, ok := s.Collections.Get(name)
		if !ok {
			continue
		}
		datasets, err := s.DB.DatasetsByID(ids)
		if err != nil {
			return err
		}
		if err := c.UpdateListings(datasets); err != nil {
			return err
		}
	}
	return nil
}

// Comment attaches one comment to each dataset.
func (s *Site) Comment(author, text string, setids []string) error {
	refs, err := s.DB.ResolveSetIDs(setids)
	if err != nil {
		return err
	}
	now := model.NowMillis()
	comments := make([]model.Comment, 0, len(refs))
	for _, ref := range refs {
		comments = append(comments, model.Comment{
			DatasetID: ref.ID,
			Author:    author,
			TimeAdded: now,
			Text:      text,
		})
	}
	return s.DB.WithTx(func(tx *sql.Tx) error {
		return s.DB.AddComments(tx, comments)
	})
}

// Discard flips the discard flag on datasets. Discarded datasets drop
// out of every listing query but keep their rows until cleanup.
func (s *Site) Discard(setids []string, discarded bool) error {
	if _, err := s.DB.ResolveSetIDs(setids); err != nil {
		return err
	}
	return s.DB.WithTx(func(tx *sql.Tx) error {
		return s.DB.SetDiscarded(tx, setids, discarded)
	})
}

// ListingResult is the query front-end output: rows with tags and
// status resolved, plus the evaluated summary items.
type ListingResult struct {
	Rows    []map[string]any `json:"rows"`
	Summary []map[string]any `json:"summary"`
}

// List compiles and runs filter tuples against one collection and
// resolves the tag placeholders in the projected rows.
func (s *Site) List(name string, filters []db.Filter) (*ListingResult, error) {
	c, ok := s.Collections.Get(name)
	if !ok {
		return nil, fmt.Errorf("no collection %q", name)
	}
	q, err := db.CompileFilters(c.Descriptor, filters)
	if err != nil {
		return nil, err
	}
	raw, err := s.DB.QueryListing(q)
	if err != nil {
		return nil, err
	}

	placeholder := `["` + collection.TagPlaceholder + `"]`
	rows := make([]map[string]any, 0, len(raw))
	values := make([][]any, 0, len(raw))
	for _, r := range raw {
		tags := r.Tags
		if tags == nil {
			tags = []string{}
		}
		sort.Strings(tags)
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return nil, fmt.Errorf("encode tags of row %d: %w", r.ID, err)
		}
		// The placeholder is substituted textually so it resolves
		// wherever a column evaluated it, not just the top-level key.
		rowJSON := strings.ReplaceAll(r.Row, placeholder, string(tagsJSON))
		var doc map[string]any
		if err := json.Unmarshal([]byte(rowJSON), &doc); err != nil {
			return nil, fmt.Errorf("decode row %d: %w", r.ID, err)
		}
		doc["tags"] = tags
		doc["status"] = r.Status.Names()
		rows = append(rows, doc)

		if vals, ok := doc["values"].([]any); ok {
			values = append(values, vals)
		}
	}

	summary, err := c.Summary(values)
	if err != nil {
		return nil, err
	}
	return &ListingResult{Rows: rows, Summary: summary}, nil
}

// Detail loads a dataset's rendered detail document.
func (s *Site) Detail(setid string) (map[string]any, error) {
	ds, err := s.DB.DatasetBySetID(setid)
	if err != nil {
		return nil, err
	}
	setdir := s.Store.SetDir(ds.SetID)
	path := s.fs.Join(setdir, "detail.json")
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var doc map[string]any
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}

// QuerySetIDs selects setids by coarse dataset properties (collection,
// discarded, outdated, missing, path prefix, tags).
func (s *Site) QuerySetIDs(q db.SetIDQuery) ([]string, error) {
	for _, name := range q.Collections {
		if _, ok := s.Collections.Get(name); !ok {
			return nil, fmt.Errorf("no collection %q", name)
		}
	}
	return s.DB.QuerySetIDs(q)
}

// Dump exports every collection's datasets with their tags and comments.
func (s *Site) Dump() (map[string][]collection.RestoreRecord, error) {
	out := map[string][]collection.RestoreRecord{}
	for _, c := range s.Collections.All() {
		var records []collection.RestoreRecord
		for offset := 0; ; offset += 500 {
			datasets, err := s.DB.DatasetsByCollection(c.Name, 500, offset)
			if err != nil {
				return nil, err
			}
			if len(datasets) == 0 {
				break
			}
			ids := make([]int64, len(datasets))
			for i, ds := range datasets {
				ids[i] = ds.ID
			}
			tags, err := s.DB.TagsByDataset(ids)
			if err != nil {
				return nil, err
			}
			comments, err := s.DB.CommentsByDataset(ids)
			if err != nil {
				return nil, err
			}
			for _, ds := range datasets {
				records = append(records, dumpRecord(ds, tags[ds.ID], comments[ds.ID]))
			}
		}
		out[c.Name] = records
	}
	return out, nil
}

func dumpRecord(ds *model.Dataset, tags []string, comments []model.Comment) collection.RestoreRecord {
	rec := collection.RestoreRecord{
		SetID:       string(ds.SetID),
		Name:        ds.Name,
		Tags:        tags,
		TimeAdded:   ds.TimeAdded,
		TimeUpdated: ds.TimeUpdated,
		Timestamp:   ds.Timestamp,
	}
	for _, f := range ds.Files {
		rec.Files = append(rec.Files, collection.RestoreFile{
			Path:    f.Path,
			Size:    f.Size,
			MTime:   f.MTime,
			Missing: f.Missing,
		})
	}
	for _, c := range comments {
		rec.Comments = append(rec.Comments, collection.RestoreComment{
			Author:    c.Author,
			TimeAdded: c.TimeAdded,
			Text:      c.Text,
		})
	}
	return rec
}

// Restore replays a dump into the site. Unknown collections in the dump
// are an error naming them.
func (s *Site) Restore(dump map[string][]collection.RestoreRecord) error {
	names := make([]string, 0, len(dump))
	for name := range dump {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c, ok := s.Collections.Get(name)
		if !ok {
			return fmt.Errorf("dump references unknown collection %q", name)
		}
		if err := c.Restore(dump[name]); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup removes derived leftovers: discarded datasets with all their
// rows, orphaned tags, and orphaned relation values.
func (s *Site) Cleanup() error {
	for _, c := range s.Collections.All() {
		if err := s.DB.CleanupDiscarded(c.Descriptor); err != nil {
			return fmt.Errorf("cleanup discarded of %s: %w", c.Name, err)
		}
		if err := s.DB.CleanupRelations(c.Descriptor); err != nil {
			return fmt.Errorf("cleanup relations of %s: %w", c.Name, err)
		}
	}
	return s.DB.CleanupTags()
}

// ParseFilterArg parses a CLI filter argument "name:op:value" into a
// filter tuple typed against the collection's filter specs. List-typed
// values are comma-separated.
func ParseFilterArg(c *collection.Collection, arg string) (db.Filter, error) {
	parts := strings.SplitN(arg, ":", 3)
	if len(parts) != 3 {
		return db.Filter{}, fmt.Errorf("want name:op:value, got %q", arg)
	}
	name, op, raw := parts[0], parts[1], parts[2]

	for _, spec := range c.FilterSpecs() {
		if spec.Name != name {
			continue
		}
		supported := false
		for _, o := range spec.Operators {
			if o == op {
				supported = true
				break
			}
		}
		if !supported {
			return db.Filter{}, fmt.Errorf("filter %s does not support %q", name, op)
		}
		f := db.Filter{Name: name, Operator: op, Type: spec.ValueType}
		switch spec.ValueType {
		case "subset", "string[]":
			f.Value = strings.Split(raw, ",")
		case "datetime", "timedelta", "filesize", "int", "float":
			var n json.Number = json.Number(raw)
			if i, err := n.Int64(); err == nil {
				f.Value = i
			} else if fl, err := n.Float64(); err == nil {
				f.Value = fl
			} else {
				return db.Filter{}, fmt.Errorf("filter %s: %q is not a number", name, raw)
			}
		default:
			f.Value = raw
		}
		return f, nil
	}
	return db.Filter{}, fmt.Errorf("no filter named %q", name)
}

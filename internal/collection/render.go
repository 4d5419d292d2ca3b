package collection

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentic-research/shelf/internal/db"
	"github.com/agentic-research/shelf/internal/functree"
	"github.com/agentic-research/shelf/internal/model"
)

// TagPlaceholder is substituted by the query front-end with the
// aggregated tag values of the row.
const TagPlaceholder = "#TAGS#"

var formatterNames = map[string]bool{
	"datetime":  true,
	"filesize":  true,
	"float":     true,
	"icon":      true,
	"int":       true,
	"link":      true,
	"pill":      true,
	"route":     true,
	"string":    true,
	"timedelta": true,
}

func knownFormatter(name string) bool {
	return formatterNames[name]
}

// formatValue normalizes one non-nil listing value for its formatter.
// Structured formatters (route, link, icon, pill) pass through.
func formatValue(formatter string, v any) any {
	switch formatter {
	case "datetime", "timedelta", "filesize", "int":
		if n, ok := intOf(v); ok {
			return n
		}
	case "float":
		if f, ok := floatOf(v); ok {
			return f
		}
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Sprint(v)
		}
	}
	return v
}

func intOf(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

func floatOf(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

// resolver returns an artifact resolver for one dataset, caching loads
// so several trees reading the same node hit the store once.
func (c *Collection) resolver(ds *model.Dataset) functree.Resolver {
	type entry struct {
		doc any
		ok  bool
	}
	setdir := c.store.SetDir(ds.SetID)
	cache := map[string]entry{}
	return func(name string) (any, bool) {
		if e, hit := cache[name]; hit {
			return e.doc, e.ok
		}
		nodeName := name
		if node, ok := c.Nodes[name]; ok {
			nodeName = node.Name
		} else if name != "dataset" {
			cache[name] = entry{}
			return nil, false
		}
		doc, ok, err := c.store.Load(setdir, nodeName)
		if err != nil {
			c.log.Warn().Err(err).Str("setid", string(ds.SetID)).
				Str("node", nodeName).Msg("artifact load failed")
			ok = false
		}
		if !ok {
			doc = nil
		}
		cache[name] = entry{doc: doc, ok: ok}
		return doc, ok
	}
}

// env builds the per-dataset evaluation environment: the artifact
// resolver plus the synthetic callables backed by core tables.
func (c *Collection) env(ds *model.Dataset) functree.Env {
	env := functree.Builtins(c.resolver(ds))
	env.Funcs["status"] = func([]any) (any, error) {
		names := ds.EffectiveStatus().Names()
		out := make([]any, len(names))
		for i, n := range names {
			out[i] = n
		}
		return out, nil
	}
	env.Funcs["tags"] = func([]any) (any, error) {
		return []any{TagPlaceholder}, nil
	}
	env.Funcs["comments"] = func([]any) (any, error) {
		return nil, nil
	}
	return env
}

// coerceScalar applies the filter value-type coercions of the schema
// type map. nil passes through untouched.
func coerceScalar(valueType string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch valueType {
	case "datetime", "timedelta", "filesize", "int":
		n, ok := intOf(v)
		if !ok {
			return nil, fmt.Errorf("want an integer, got %T", v)
		}
		return n, nil
	case "float":
		f, ok := floatOf(v)
		if !ok {
			return nil, fmt.Errorf("want a float, got %T", v)
		}
		return f, nil
	case "string":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case "words":
		parts, err := coerceStrings(v)
		if err != nil {
			return nil, err
		}
		return strings.Join(parts, " "), nil
	default:
		return nil, fmt.Errorf("unrecognized value type %q", valueType)
	}
}

func coerceStrings(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("want a list, got %T", v)
	}
	out := make([]string, 0, len(list))
	for _, x := range list {
		if x == nil {
			continue
		}
		if s, ok := x.(string); ok {
			out = append(out, s)
		} else {
			out = append(out, fmt.Sprint(x))
		}
	}
	return out, nil
}

// RenderListingRow evaluates the listing columns into the display row
// and the filter trees into the scalar and relation write-sets.
func (c *Collection) RenderListingRow(ds *model.Dataset) (db.RenderedRow, error) {
	env := c.env(ds)

	values := make([]any, len(c.listingFns))
	for i, lf := range c.listingFns {
		v, err := functree.Eval(lf.tree, env)
		if err != nil {
			return db.RenderedRow{}, fmt.Errorf("column %s of %s: %w", lf.col.Name, ds.SetID, err)
		}
		if v != nil {
			if lf.col.IsList {
				if list, ok := v.([]any); ok {
					for j, x := range list {
						if x != nil {
							list[j] = formatValue(lf.col.Formatter, x)
						}
					}
					v = list
				}
			} else {
				v = formatValue(lf.col.Formatter, v)
			}
		}
		values[i] = v
	}

	row := db.RenderedRow{
		ID:        ds.ID,
		Fields:    map[string]any{},
		Relations: map[string][]string{},
	}
	for _, ff := range c.filterFuncs {
		v, err := functree.Eval(ff.tree, env)
		if err != nil {
			return db.RenderedRow{}, fmt.Errorf("filter %s of %s: %w", ff.spec.Name, ds.SetID, err)
		}
		if _, isRelation := c.Descriptor.Relation(ff.spec.Name); isRelation {
			if v == nil {
				continue
			}
			vals, err := coerceStrings(v)
			if err != nil {
				return db.RenderedRow{}, fmt.Errorf("filter %s of %s: %w", ff.spec.Name, ds.SetID, err)
			}
			row.Relations[ff.spec.Name] = vals
			continue
		}
		cv, err := coerceScalar(ff.spec.ValueType, v)
		if err != nil {
			return db.RenderedRow{}, fmt.Errorf("filter %s of %s: %w", ff.spec.Name, ds.SetID, err)
		}
		row.Fields[ff.spec.Name] = cv
	}

	raw, err := json.Marshal(map[string]any{
		"id":     ds.ID,
		"setid":  string(ds.SetID),
		"tags":   []string{TagPlaceholder},
		"values": values,
	})
	if err != nil {
		return db.RenderedRow{}, fmt.Errorf("encode row of %s: %w", ds.SetID, err)
	}
	row.Row = string(raw)
	return row, nil
}

// RenderDetail assembles and atomically writes the dataset's detail
// document. Absent section or widget artifacts are silently omitted.
// Recomputes the outdated flag as a side effect.
func (c *Collection) RenderDetail(ds *model.Dataset) error {
	setdir := c.store.SetDir(ds.SetID)
	env := c.env(ds)

	title, err := functree.Eval(c.detailTitle, env)
	if err != nil {
		return fmt.Errorf("detail title of %s: %w", ds.SetID, err)
	}

	sections := make([]any, 0, len(c.sections))
	for _, node := range c.sections {
		doc, ok, err := c.store.Load(setdir, node.Name)
		if err != nil {
			return err
		}
		if ok {
			sections = append(sections, doc)
		}
	}
	widgets := make([]any, 0, len(c.widgets))
	for _, node := range c.widgets {
		doc, ok, err := c.store.Load(setdir, node.Name)
		if err != nil {
			return err
		}
		if ok {
			widgets = append(widgets, doc)
		}
	}

	doc := map[string]any{
		"title":    title,
		"sections": sections,
		"summary":  map[string]any{"widgets": widgets},
	}
	if err := c.store.WriteDetail(setdir, doc); err != nil {
		return fmt.Errorf("write detail of %s: %w", ds.SetID, err)
	}
	return c.checkOutdated(ds)
}

// checkOutdated recomputes the outdated flag: the dataset is outdated
// when its oldest artifact predates its newest source file.
func (c *Collection) checkOutdated(ds *model.Dataset) error {
	oldest, ok, err := c.store.OldestArtifactMTime(c.store.SetDir(ds.SetID))
	if err != nil {
		return err
	}
	if ok {
		ds.Outdated = oldest < ds.NewestFileMTime()
	}
	return nil
}

// UpdateListings re-renders the listing rows of the given datasets and
// overwrites them cleanly, in bounded batches of one transaction each.
func (c *Collection) UpdateListings(datasets []*model.Dataset) error {
	for start := 0; start < len(datasets); start += batchSize {
		end := start + batchSize
		if end > len(datasets) {
			end = len(datasets)
		}
		rows := make([]db.RenderedRow, 0, end-start)
		for _, ds := range datasets[start:end] {
			row, err := c.RenderListingRow(ds)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		err := c.db.WithTx(func(tx *sql.Tx) error {
			return c.db.UpsertListing(tx, c.Descriptor, rows, true)
		})
		if err != nil {
			return fmt.Errorf("update listings: %w", err)
		}
	}
	return nil
}

// RenderAll re-renders every dataset of the collection: details and
// listing rows both, paging through the datasets in batch-sized chunks.
func (c *Collection) RenderAll() error {
	for offset := 0; ; offset += batchSize {
		datasets, err := c.db.DatasetsByCollection(c.Name, batchSize, offset)
		if err != nil {
			return err
		}
		if len(datasets) == 0 {
			return nil
		}
		for _, ds := range datasets {
			if err := c.RenderDetail(ds); err != nil {
				return err
			}
		}
		if err := c.UpdateListings(datasets); err != nil {
			return err
		}
	}
}

// Summary evaluates the listing-summary items over rendered rows. Each
// row is the values array of one listing row, in column order.
func (c *Collection) Summary(rows [][]any) ([]map[string]any, error) {
	columns := make([]string, len(c.listingCols))
	for i, col := range c.listingCols {
		columns[i] = col.Name
	}
	env := functree.SummaryEnv(columns, rows)

	out := make([]map[string]any, 0, len(c.summary))
	for _, item := range c.summary {
		v, err := functree.Eval(item.tree, env)
		if err != nil {
			return nil, fmt.Errorf("summary %s: %w", item.item.ID, err)
		}
		out = append(out, map[string]any{
			"id":        item.item.ID,
			"title":     item.item.Title,
			"formatter": item.item.Formatter,
			"islist":    item.item.IsList,
			"value":     v,
		})
	}
	return out, nil
}

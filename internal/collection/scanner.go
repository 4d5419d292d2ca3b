package collection

import (
	"database/sql"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/agentic-research/shelf/internal/db"
	"github.com/agentic-research/shelf/internal/model"
)

// ignoreMarker prunes a directory subtree from scanning when present.
const ignoreMarker = ".marvignore"

// ScanMatch is one dataset yielded by a scanner callback. Relative file
// paths are resolved against the directory the callback saw.
type ScanMatch struct {
	Name  string
	Files []string
}

// ScanFunc is a pluggable per-collection scanner callback. It receives a
// directory, its sorted non-hidden subdirectory names, and the sorted
// filenames not yet owned by any dataset, and yields the datasets to
// create. Every resolved file path must lie under dir.
type ScanFunc func(dir string, subdirs, filenames []string) ([]ScanMatch, error)

// Scanners is the callback registry configurations reference by name.
type Scanners map[string]ScanFunc

// DefaultScanners returns the built-in callbacks: "file" creates one
// dataset per file, "directory" one dataset per directory with files.
func DefaultScanners() Scanners {
	return Scanners{
		"file": func(dir string, subdirs, filenames []string) ([]ScanMatch, error) {
			matches := make([]ScanMatch, 0, len(filenames))
			for _, name := range filenames {
				matches = append(matches, ScanMatch{Name: name, Files: []string{name}})
			}
			return matches, nil
		},
		"directory": func(dir string, subdirs, filenames []string) ([]ScanMatch, error) {
			if len(filenames) == 0 {
				return nil, nil
			}
			return []ScanMatch{{Name: path.Base(dir), Files: filenames}}, nil
		},
	}
}

type fileChange struct {
	file    model.File
	missing bool
	mtime   int64
}

// Scan walks every scanroot of the collection: first the diff of
// already-known files (missing, recovered, mtime changes), committed per
// dataset, then discovery of new datasets flushed in bounded batches.
// With dryRun set everything is computed and logged but nothing written.
func (c *Collection) Scan(dryRun bool) error {
	for _, root := range c.Section.Scanroots {
		if err := c.scanRoot(root, dryRun); err != nil {
			return fmt.Errorf("scan %s: %w", root, err)
		}
	}
	return nil
}

func (c *Collection) scanRoot(root string, dryRun bool) error {
	// Known filenames are keyed by cleaned dirnames; a scanroot configured
	// with a trailing slash must not dodge that lookup.
	root = path.Clean(root)
	if info, err := c.fs.Stat(root); err != nil || !info.IsDir() {
		c.log.Warn().Str("scanroot", root).Msg("scanroot is not an existing directory")
	}

	knownByDir, err := c.applyKnownFileChanges(root, dryRun)
	if err != nil {
		return err
	}
	return c.discover(root, knownByDir, dryRun)
}

// applyKnownFileChanges re-stats every indexed file under root and
// persists missing/recovered/mtime transitions, one transaction per
// dataset. Returns directory → set of known filenames for the walk.
func (c *Collection) applyKnownFileChanges(root string, dryRun bool) (map[string]map[string]bool, error) {
	known, err := c.db.KnownFilesUnder(c.Name, strings.TrimRight(root, "/")+"/")
	if err != nil {
		return nil, err
	}

	knownByDir := map[string]map[string]bool{}
	changes := map[int64][]fileChange{}
	for _, f := range known {
		dir, base := path.Split(f.Path)
		dir = strings.TrimRight(dir, "/")
		if knownByDir[dir] == nil {
			knownByDir[dir] = map[string]bool{}
		}
		knownByDir[dir][base] = true

		info, err := c.fs.Stat(f.Path)
		switch {
		case err != nil:
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("stat %s: %w", f.Path, err)
			}
			if !f.Missing {
				c.log.Info().Str("path", f.Path).Msg("file went missing")
				changes[f.DatasetID] = append(changes[f.DatasetID],
					fileChange{file: f, missing: true, mtime: f.MTime})
			}
		case f.Missing:
			c.log.Info().Str("path", f.Path).Msg("file recovered")
			changes[f.DatasetID] = append(changes[f.DatasetID],
				fileChange{file: f, missing: false, mtime: info.ModTime().UnixMilli()})
		case info.ModTime().UnixMilli() > f.MTime:
			changes[f.DatasetID] = append(changes[f.DatasetID],
				fileChange{file: f, missing: false, mtime: info.ModTime().UnixMilli()})
		}
	}
	if len(changes) == 0 || dryRun {
		if dryRun && len(changes) > 0 {
			c.log.Info().Int("datasets", len(changes)).Msg("dry-run: would apply file changes")
		}
		return knownByDir, nil
	}

	ids := make([]int64, 0, len(changes))
	for id := range changes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	datasets, err := c.db.DatasetsByID(ids)
	if err != nil {
		return nil, err
	}
	for _, ds := range datasets {
		if err := c.applyDatasetChanges(ds, changes[ds.ID]); err != nil {
			return nil, fmt.Errorf("apply changes to %s: %w", ds.SetID, err)
		}
	}
	return knownByDir, nil
}

// applyDatasetChanges commits all buffered diffs of one dataset in a
// single transaction and refreshes its listing row.
func (c *Collection) applyDatasetChanges(ds *model.Dataset, changes []fileChange) error {
	byID := map[int64]*model.File{}
	for i := range ds.Files {
		byID[ds.Files[i].ID] = &ds.Files[i]
	}
	err := c.db.WithTx(func(tx *sql.Tx) error {
		for _, ch := range changes {
			f, ok := byID[ch.file.ID]
			if !ok {
				continue
			}
			f.Missing = ch.missing
			f.MTime = ch.mtime
			if err := c.db.UpdateFile(tx, f); err != nil {
				return err
			}
		}
		ds.Missing = false
		for _, f := range ds.Files {
			if f.Missing {
				ds.Missing = true
				break
			}
		}
		if err := c.checkOutdated(ds); err != nil {
			return err
		}
		ds.TimeUpdated = model.NowMillis()
		return c.db.UpdateDatasetFlags(tx, ds)
	})
	if err != nil {
		return err
	}
	return c.UpdateListings([]*model.Dataset{ds})
}

// discover walks root for unknown files, feeding the scanner callback
// and flushing new datasets in batches of batchSize.
func (c *Collection) discover(root string, knownByDir map[string]map[string]bool, dryRun bool) error {
	var batch []*model.Dataset

	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := c.fs.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("read %s: %w", dir, err)
		}

		var subdirs, filenames []string
		for _, entry := range entries {
			name := entry.Name()
			if name == ignoreMarker {
				return nil // prune the whole subtree
			}
			if strings.HasPrefix(name, ".") {
				continue
			}
			if entry.IsDir() {
				subdirs = append(subdirs, name)
			} else if !knownByDir[dir][name] {
				filenames = append(filenames, name)
			}
		}
		sort.Strings(subdirs)
		sort.Strings(filenames)

		matches, err := c.scanFn(dir, subdirs, filenames)
		if err != nil {
			return fmt.Errorf("scanner callback in %s: %w", dir, err)
		}
		for _, match := range matches {
			ds, err := c.makeDataset(dir, match)
			if err != nil {
				return err
			}
			if dryRun {
				c.log.Info().Str("name", ds.Name).Msg("dry-run: would add dataset")
				continue
			}
			batch = append(batch, ds)
			if len(batch) >= batchSize {
				if err := c.flush(batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}

		for _, sub := range subdirs {
			if err := walk(c.fs.Join(dir, sub)); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(root); err != nil {
		return err
	}
	return c.flush(batch)
}

// makeDataset stats the matched files and builds an unsaved dataset.
// A resolved path outside the scanned directory indicates a broken
// scanner callback and aborts the scan.
func (c *Collection) makeDataset(dir string, match ScanMatch) (*model.Dataset, error) {
	now := model.NowMillis()
	ds := &model.Dataset{
		Collection:  c.Name,
		SetID:       model.NewSetID(),
		Name:        match.Name,
		TimeAdded:   now,
		TimeUpdated: now,
	}
	for i, rel := range match.Files {
		p := rel
		if !strings.HasPrefix(p, "/") {
			p = c.fs.Join(dir, rel)
		}
		if p != dir && !strings.HasPrefix(p, strings.TrimRight(dir, "/")+"/") {
			return nil, fmt.Errorf("scanner yielded %s outside %s", p, dir)
		}
		info, err := c.fs.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		f := model.File{
			Idx:   i,
			Path:  p,
			Size:  info.Size(),
			MTime: info.ModTime().UnixMilli(),
		}
		ds.Files = append(ds.Files, f)
		if f.MTime > ds.Timestamp {
			ds.Timestamp = f.MTime
		}
	}
	return ds, nil
}

// flush persists one batch: dataset rows, artifact-store documents,
// rendered detail, and listing rows, all under one transaction.
func (c *Collection) flush(batch []*model.Dataset) error {
	if len(batch) == 0 {
		return nil
	}
	err := c.db.WithTx(func(tx *sql.Tx) error {
		rows := make([]db.RenderedRow, 0, len(batch))
		for _, ds := range batch {
			if err := c.db.InsertDataset(tx, ds); err != nil {
				return err
			}
			if err := c.store.AddDataset(ds, false); err != nil {
				return err
			}
			if err := c.RenderDetail(ds); err != nil {
				return err
			}
			if err := c.db.UpdateDatasetFlags(tx, ds); err != nil {
				return err
			}
			row, err := c.RenderListingRow(ds)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return c.db.UpsertListing(tx, c.Descriptor, rows, false)
	})
	if err != nil {
		return fmt.Errorf("flush batch: %w", err)
	}
	c.log.Info().Int("datasets", len(batch)).Msg("added datasets")
	return nil
}

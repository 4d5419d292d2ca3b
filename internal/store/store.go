// Package store is the per-dataset artifact store consumed by the
// renderer. Layout under the store directory:
//
//	<storedir>/<setid>/<node>          -> symlink to the current generation
//	<storedir>/<setid>/<node>-<gen>/data.json
//	<storedir>/<setid>/detail.json
//
// Artifact documents are plain JSON values. Timestamps inside documents
// are integer milliseconds throughout.
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/agentic-research/shelf/internal/model"
)

// Node is one named node definition. Every node referenced by a
// collection must declare a non-empty schema.
type Node struct {
	Name   string
	Schema string
}

// Registry resolves configuration node lines to node definitions.
type Registry map[string]*Node

// Store reads and writes per-dataset artifacts.
type Store struct {
	fs  billy.Filesystem
	dir string
}

// New creates a store rooted at dir on fs.
func New(fs billy.Filesystem, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

// SetDir returns the storage directory of a dataset.
func (s *Store) SetDir(setid model.SetID) string {
	return s.fs.Join(s.dir, string(setid))
}

// datasetDocument is the artifact of the built-in dataset node: the
// fields function trees address as "dataset.*".
func datasetDocument(ds *model.Dataset) map[string]any {
	files := make([]any, len(ds.Files))
	for i, f := range ds.Files {
		files[i] = map[string]any{
			"path":    f.Path,
			"size":    f.Size,
			"mtime":   f.MTime,
			"missing": f.Missing,
		}
	}
	return map[string]any{
		"id":           string(ds.SetID),
		"name":         ds.Name,
		"files":        files,
		"time_added":   ds.TimeAdded,
		"time_updated": ds.TimeUpdated,
		"timestamp":    ds.Timestamp,
	}
}

// AddDataset creates the dataset's storage directory and persists the
// dataset node artifact. Directory creation is idempotent; an existing
// dataset artifact is an error unless existsOkay (restore replays).
func (s *Store) AddDataset(ds *model.Dataset, existsOkay bool) error {
	setdir := s.SetDir(ds.SetID)
	if err := s.fs.MkdirAll(setdir, 0o777); err != nil {
		return fmt.Errorf("create %s: %w", setdir, err)
	}
	if !existsOkay {
		if _, err := s.fs.Lstat(s.fs.Join(setdir, "dataset")); err == nil {
			return fmt.Errorf("dataset artifact exists in %s", setdir)
		}
	}
	return s.SaveNodeArtifact(setdir, "dataset", datasetDocument(ds))
}

// SaveNodeArtifact writes one node's output document as a new generation
// and flips the node symlink to it. Readers following the symlink see
// either the previous generation or the new one, never a mix.
func (s *Store) SaveNodeArtifact(setdir, node string, doc any) error {
	gen := fmt.Sprintf("%s-%d", node, time.Now().UnixNano())
	gendir := s.fs.Join(setdir, gen)
	if err := s.fs.MkdirAll(gendir, 0o777); err != nil {
		return fmt.Errorf("create generation %s: %w", gendir, err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s artifact: %w", node, err)
	}
	f, err := s.fs.Create(s.fs.Join(gendir, "data.json"))
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	link := s.fs.Join(setdir, node)
	_ = s.fs.Remove(link) // flip: stale link may or may not exist
	if err := s.fs.Symlink(gen, link); err != nil {
		return fmt.Errorf("link %s: %w", link, err)
	}
	return nil
}

// Load reads a node's current artifact document. Absent artifacts return
// ok=false, not an error.
func (s *Store) Load(setdir, node string) (any, bool, error) {
	path := s.fs.Join(setdir, node, "data.json")
	f, err := s.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, false, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, true, nil
}

// WriteDetail writes detail.json via write-to-temp-then-rename, so a
// concurrent reader observes either the old or the new document in full.
func (s *Store) WriteDetail(setdir string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode detail: %w", err)
	}
	tmp, err := s.fs.TempFile(setdir, ".detail")
	if err != nil {
		return fmt.Errorf("temp detail file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}
	if err := s.fs.Rename(tmpName, s.fs.Join(setdir, "detail.json")); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("rename detail: %w", err)
	}
	return nil
}

// OldestArtifactMTime returns the oldest file mtime (milliseconds) under
// the dataset's current artifact generations, following the node
// symlinks. ok is false when no artifact exists yet.
func (s *Store) OldestArtifactMTime(setdir string) (int64, bool, error) {
	entries, err := s.fs.ReadDir(setdir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}

	var (
		oldest int64
		found  bool
	)
	for _, entry := range entries {
		link := s.fs.Join(setdir, entry.Name())
		info, err := s.fs.Lstat(link)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		target, err := s.fs.Readlink(link)
		if err != nil {
			continue
		}
		if target[0] != '/' {
			target = s.fs.Join(setdir, target)
		}
		if err := s.walkMTimes(target, &oldest, &found); err != nil {
			return 0, false, err
		}
	}
	return oldest, found, nil
}

func (s *Store) walkMTimes(dir string, oldest *int64, found *bool) error {
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil // vanished generation, skip
	}
	for _, entry := range entries {
		path := s.fs.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := s.walkMTimes(path, oldest, found); err != nil {
				return err
			}
			continue
		}
		ms := entry.ModTime().UnixMilli()
		if !*found || ms < *oldest {
			*oldest = ms
			*found = true
		}
	}
	return nil
}

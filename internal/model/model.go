// Package model holds the persistent entities of the catalog. The status
// bit order is persisted state: changing it invalidates existing databases.
package model

import (
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SetID is the globally unique dataset identifier: 128 random bits,
// base32-encoded without padding, lower case, 26 characters.
type SetID string

// NewSetID generates a random SetID.
func NewSetID() SetID {
	u := uuid.New()
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return SetID(strings.ToLower(enc.EncodeToString(u[:])))
}

func (s SetID) String() string { return string(s) }

// Status is the dataset flag bitmask.
type Status int64

// Flag bit indices, in persisted order. One bit per named flag.
const (
	StatusOutdated Status = 1 << iota
	StatusMissing
	StatusBroken
	StatusError
)

// StatusFlags maps the configured flag names to their bitmasks.
var StatusFlags = map[string]Status{
	"outdated": StatusOutdated,
	"missing":  StatusMissing,
	"broken":   StatusBroken,
	"error":    StatusError,
}

// MaskFor resolves a set of flag names to one bitmask.
func MaskFor(names []string) (Status, error) {
	var mask Status
	for _, name := range names {
		bit, ok := StatusFlags[name]
		if !ok {
			return 0, fmt.Errorf("unknown status flag %q", name)
		}
		mask |= bit
	}
	return mask, nil
}

// Names returns the flag names set in s, in bit order.
func (s Status) Names() []string {
	ordered := []string{"outdated", "missing", "broken", "error"}
	var names []string
	for _, name := range ordered {
		if s&StatusFlags[name] != 0 {
			names = append(names, name)
		}
	}
	return names
}

// File is one file owned by a dataset, ordered by Idx. Path uniqueness is
// scoped per scanroot.
type File struct {
	ID        int64
	DatasetID int64
	Idx       int
	Path      string
	Size      int64
	MTime     int64 // milliseconds
	Missing   bool
}

// Dataset is one indexed recording.
type Dataset struct {
	ID          int64
	Collection  string
	SetID       SetID
	Name        string
	Discarded   bool
	Missing     bool
	Outdated    bool
	Status      Status
	TimeAdded   int64 // milliseconds
	TimeUpdated int64 // milliseconds
	Timestamp   int64 // content timestamp: max file mtime unless overridden
	Files       []File
}

// EffectiveStatus merges the boolean columns into the status word. The
// scanner keeps the bits in sync on writes; this covers rows from older
// code paths.
func (d *Dataset) EffectiveStatus() Status {
	s := d.Status
	if d.Missing {
		s |= StatusMissing
	}
	if d.Outdated {
		s |= StatusOutdated
	}
	return s
}

// NewestFileMTime returns the maximum mtime across the dataset's files,
// in milliseconds.
func (d *Dataset) NewestFileMTime() int64 {
	var newest int64
	for _, f := range d.Files {
		if f.MTime > newest {
			newest = f.MTime
		}
	}
	return newest
}

// Tag is collection-scoped and interned by value.
type Tag struct {
	ID         int64
	Collection string
	Value      string
}

// Comment is free text attached to a dataset.
type Comment struct {
	ID        int64
	DatasetID int64
	Author    string
	TimeAdded int64 // milliseconds
	Text      string
}

// NowMillis is the single clock used for persisted timestamps.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

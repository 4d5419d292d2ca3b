package collection

import (
	"database/sql"
	"fmt"

	"github.com/agentic-research/shelf/internal/db"
	"github.com/agentic-research/shelf/internal/model"
)

// RestoreFile is one file entry of a dumped dataset.
type RestoreFile struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	MTime   int64  `json:"mtime"`
	Missing bool   `json:"missing"`
}

// RestoreComment is one dumped comment.
type RestoreComment struct {
	Author    string `json:"author"`
	TimeAdded int64  `json:"time_added"`
	Text      string `json:"text"`
}

// RestoreRecord is one dataset of a site dump. SetIDs are carried over
// verbatim so references from other systems stay valid.
type RestoreRecord struct {
	SetID       string           `json:"setid"`
	Name        string           `json:"name"`
	Files       []RestoreFile    `json:"files"`
	Tags        []string         `json:"tags,omitempty"`
	Comments    []RestoreComment `json:"comments,omitempty"`
	TimeAdded   int64            `json:"time_added"`
	TimeUpdated int64            `json:"time_updated"`
	Timestamp   int64            `json:"timestamp"`
}

// Restore replays dumped datasets into the collection in bounded
// batches. Artifact-store writes tolerate existing dataset documents
// and listing writes use ignore-semantics, so replays are idempotent.
func (c *Collection) Restore(records []RestoreRecord) error {
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := c.restoreBatch(records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) restoreBatch(records []RestoreRecord) error {
	return c.db.WithTx(func(tx *sql.Tx) error {
		rows := make([]db.RenderedRow, 0, len(records))
		var tagOps []db.TagOp
		var comments []model.Comment

		for _, rec := range records {
			ds := &model.Dataset{
				Collection:  c.Name,
				SetID:       model.SetID(rec.SetID),
				Name:        rec.Name,
				TimeAdded:   rec.TimeAdded,
				TimeUpdated: rec.TimeUpdated,
				Timestamp:   rec.Timestamp,
			}
			for i, f := range rec.Files {
				ds.Files = append(ds.Files, model.File{
					Idx:     i,
					Path:    f.Path,
					Size:    f.Size,
					MTime:   f.MTime,
					Missing: f.Missing,
				})
				if f.Missing {
					ds.Missing = true
				}
				if ds.Timestamp == 0 && f.MTime > ds.Timestamp {
					ds.Timestamp = f.MTime
				}
			}
			if err := c.db.InsertDataset(tx, ds); err != nil {
				return fmt.Errorf("restore %s: %w", rec.SetID, err)
			}
			if err := c.store.AddDataset(ds, true); err != nil {
				return fmt.Errorf("restore %s: %w", rec.SetID, err)
			}
			if err := c.RenderDetail(ds); err != nil {
				return fmt.Errorf("restore %s: %w", rec.SetID, err)
			}
			if err := c.db.UpdateDatasetFlags(tx, ds); err != nil {
				return err
			}
			row, err := c.RenderListingRow(ds)
			if err != nil {
				return fmt.Errorf("restore %s: %w", rec.SetID, err)
			}
			rows = append(rows, row)

			for _, tag := range rec.Tags {
				tagOps = append(tagOps, db.TagOp{Value: tag, DatasetID: ds.ID})
			}
			for _, cm := range rec.Comments {
				comments = append(comments, model.Comment{
					DatasetID: ds.ID,
					Author:    cm.Author,
					TimeAdded: cm.TimeAdded,
					Text:      cm.Text,
				})
			}
		}

		if err := c.db.UpsertListing(tx, c.Descriptor, rows, false); err != nil {
			return err
		}
		if err := c.db.BulkTag(tx, c.Name, tagOps, nil); err != nil {
			return err
		}
		return c.db.AddComments(tx, comments)
	})
}

package db

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/agentic-research/shelf/internal/model"
)

// TagOp names one (tag value, dataset id) pair.
type TagOp struct {
	Value     string
	DatasetID int64
}

// BulkTag applies tag additions and removals for one collection inside
// the caller's transaction. Added values are interned insert-if-absent;
// replays are idempotent.
func (d *DB) BulkTag(tx *sql.Tx, collection string, add, remove []TagOp) error {
	values := map[string]struct{}{}
	for _, op := range add {
		values[op.Value] = struct{}{}
	}
	for _, op := range remove {
		values[op.Value] = struct{}{}
	}
	if len(values) == 0 {
		return nil
	}

	if len(add) > 0 {
		ins, err := tx.Prepare("INSERT OR IGNORE INTO tag (collection, value) VALUES (?, ?)")
		if err != nil {
			return err
		}
		added := map[string]struct{}{}
		for _, op := range add {
			if _, dup := added[op.Value]; dup {
				continue
			}
			added[op.Value] = struct{}{}
			if _, err := ins.Exec(collection, op.Value); err != nil {
				_ = ins.Close()
				return fmt.Errorf("intern tag %s: %w", op.Value, err)
			}
		}
		_ = ins.Close()
	}

	ordered := make([]string, 0, len(values))
	for v := range values {
		ordered = append(ordered, v)
	}
	sort.Strings(ordered)

	args := []any{collection}
	for _, v := range ordered {
		args = append(args, v)
	}
	rows, err := tx.Query("SELECT id, value FROM tag WHERE collection = ? AND value IN ("+
		placeholders(len(ordered))+")", args...)
	if err != nil {
		return err
	}
	tagIDs := map[string]int64{}
	for rows.Next() {
		var id int64
		var v string
		if err := rows.Scan(&id, &v); err != nil {
			_ = rows.Close()
			return err
		}
		tagIDs[v] = id
	}
	if err := rows.Close(); err != nil {
		return err
	}

	if len(add) > 0 {
		link, err := tx.Prepare("INSERT OR IGNORE INTO dataset_tag (dataset_id, tag_id) VALUES (?, ?)")
		if err != nil {
			return err
		}
		for _, op := range add {
			if _, err := link.Exec(op.DatasetID, tagIDs[op.Value]); err != nil {
				_ = link.Close()
				return err
			}
		}
		_ = link.Close()
	}

	for _, op := range remove {
		id, ok := tagIDs[op.Value]
		if !ok {
			continue
		}
		if _, err := tx.Exec("DELETE FROM dataset_tag WHERE dataset_id = ? AND tag_id = ?",
			op.DatasetID, id); err != nil {
			return err
		}
	}
	return nil
}

// ListTags returns the distinct tag values, optionally restricted to
// collections, in ascending order.
func (d *DB) ListTags(collections []string) ([]string, error) {
	query := "SELECT value FROM tag"
	var args []any
	if len(collections) > 0 {
		query += " WHERE collection IN (" + placeholders(len(collections)) + ")"
		for _, c := range collections {
			args = append(args, c)
		}
	}
	query += " GROUP BY value ORDER BY value"

	rows, err := d.sql.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tags []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		tags = append(tags, v)
	}
	return tags, rows.Err()
}

// TagsByDataset returns dataset id → sorted tag values for the given ids.
func (d *DB) TagsByDataset(ids []int64) (map[int64][]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := d.sql.Query(`SELECT dt.dataset_id, t.value
		FROM dataset_tag dt JOIN tag t ON t.id = dt.tag_id
		WHERE dt.dataset_id IN (`+placeholders(len(ids))+`)
		ORDER BY dt.dataset_id, t.value`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := map[int64][]string{}
	for rows.Next() {
		var id int64
		var v string
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		out[id] = append(out[id], v)
	}
	return out, rows.Err()
}

// AddComments inserts comments in bulk.
func (d *DB) AddComments(tx *sql.Tx, comments []model.Comment) error {
	if len(comments) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT INTO comment (dataset_id, author, time_added, text)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range comments {
		if _, err := stmt.Exec(c.DatasetID, c.Author, c.TimeAdded, c.Text); err != nil {
			return fmt.Errorf("insert comment for dataset %d: %w", c.DatasetID, err)
		}
	}
	return nil
}

// CommentsByDataset returns dataset id → comments in insertion order.
func (d *DB) CommentsByDataset(ids []int64) (map[int64][]model.Comment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := d.sql.Query(`SELECT id, dataset_id, author, time_added, text
		FROM comment WHERE dataset_id IN (`+placeholders(len(ids))+`)
		ORDER BY dataset_id, id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := map[int64][]model.Comment{}
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.ID, &c.DatasetID, &c.Author, &c.TimeAdded, &c.Text); err != nil {
			return nil, err
		}
		out[c.DatasetID] = append(out[c.DatasetID], c)
	}
	return out, rows.Err()
}

// CleanupTags drops tags no dataset carries anymore.
func (d *DB) CleanupTags() error {
	return d.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM tag WHERE id NOT IN (SELECT tag_id FROM dataset_tag)")
		return err
	})
}

// CleanupDiscarded physically removes discarded datasets of one
// collection: listing rows, relation memberships, tags, comments, files,
// and finally the dataset rows, in one transaction.
func (d *DB) CleanupDiscarded(desc *ListingDescriptor) error {
	return d.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query("SELECT id FROM dataset WHERE collection = ? AND discarded = 1",
			desc.Collection)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := d.DeleteListings(tx, desc, ids); err != nil {
			return err
		}

		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		in := "(" + placeholders(len(ids)) + ")"
		for _, stmt := range []string{
			"DELETE FROM dataset_tag WHERE dataset_id IN " + in,
			"DELETE FROM comment WHERE dataset_id IN " + in,
			"DELETE FROM file WHERE dataset_id IN " + in,
			"DELETE FROM dataset WHERE id IN " + in,
		} {
			if _, err := tx.Exec(stmt, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

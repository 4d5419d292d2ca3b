package db

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/agentic-research/shelf/internal/model"
)

// InsertDataset writes a dataset and its files, assigning IDs.
func (d *DB) InsertDataset(tx *sql.Tx, ds *model.Dataset) error {
	res, err := tx.Exec(`INSERT INTO dataset
		(collection, setid, name, discarded, missing, outdated, status,
		 time_added, time_updated, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.Collection, string(ds.SetID), ds.Name, ds.Discarded, ds.Missing,
		ds.Outdated, int64(ds.Status), ds.TimeAdded, ds.TimeUpdated, ds.Timestamp)
	if err != nil {
		return fmt.Errorf("insert dataset %s: %w", ds.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	ds.ID = id

	stmt, err := tx.Prepare(`INSERT INTO file
		(dataset_id, idx, path, size, mtime, missing) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i := range ds.Files {
		f := &ds.Files[i]
		f.DatasetID = id
		res, err := stmt.Exec(id, f.Idx, f.Path, f.Size, f.MTime, f.Missing)
		if err != nil {
			return fmt.Errorf("insert file %s: %w", f.Path, err)
		}
		if f.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

// KnownFilesUnder returns every file of a non-discarded dataset of the
// collection whose path lies under prefix, ordered by dataset and index.
func (d *DB) KnownFilesUnder(collection, prefix string) ([]model.File, error) {
	rows, err := d.sql.Query(`SELECT f.id, f.dataset_id, f.idx, f.path, f.size, f.mtime, f.missing
		FROM file f JOIN dataset d ON d.id = f.dataset_id
		WHERE d.collection = ? AND d.discarded = 0 AND f.path LIKE ? ESCAPE '$'
		ORDER BY f.dataset_id, f.idx`,
		collection, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("known files under %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var files []model.File
	for rows.Next() {
		var f model.File
		if err := rows.Scan(&f.ID, &f.DatasetID, &f.Idx, &f.Path, &f.Size, &f.MTime, &f.Missing); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// UpdateFile persists a file's missing flag and mtime.
func (d *DB) UpdateFile(tx *sql.Tx, f *model.File) error {
	_, err := tx.Exec("UPDATE file SET missing = ?, mtime = ? WHERE id = ?",
		f.Missing, f.MTime, f.ID)
	return err
}

// UpdateDatasetFlags persists the scanner-owned dataset fields: the
// missing/outdated flags, the mirrored status bits, and time_updated.
func (d *DB) UpdateDatasetFlags(tx *sql.Tx, ds *model.Dataset) error {
	ds.Status &^= model.StatusMissing | model.StatusOutdated
	if ds.Missing {
		ds.Status |= model.StatusMissing
	}
	if ds.Outdated {
		ds.Status |= model.StatusOutdated
	}
	_, err := tx.Exec(`UPDATE dataset
		SET missing = ?, outdated = ?, status = ?, time_updated = ?
		WHERE id = ?`,
		ds.Missing, ds.Outdated, int64(ds.Status), ds.TimeUpdated, ds.ID)
	return err
}

// SetDiscarded flips the discard flag for the given setids.
func (d *DB) SetDiscarded(tx *sql.Tx, setids []string, discarded bool) error {
	if len(setids) == 0 {
		return nil
	}
	args := make([]any, 0, len(setids)+1)
	args = append(args, discarded)
	for _, s := range setids {
		args = append(args, s)
	}
	_, err := tx.Exec("UPDATE dataset SET discarded = ? WHERE setid IN ("+
		placeholders(len(setids))+")", args...)
	return err
}

func (d *DB) scanDatasets(rows *sql.Rows) ([]*model.Dataset, error) {
	defer func() { _ = rows.Close() }()

	var out []*model.Dataset
	for rows.Next() {
		ds := &model.Dataset{}
		var setid string
		var status int64
		if err := rows.Scan(&ds.ID, &ds.Collection, &setid, &ds.Name, &ds.Discarded,
			&ds.Missing, &ds.Outdated, &status, &ds.TimeAdded, &ds.TimeUpdated,
			&ds.Timestamp); err != nil {
			return nil, err
		}
		ds.SetID = model.SetID(setid)
		ds.Status = model.Status(status)
		out = append(out, ds)
	}
	return out, rows.Err()
}

const datasetCols = `id, collection, setid, name, discarded, missing, outdated,
	status, time_added, time_updated, timestamp`

// DatasetsByID loads datasets with their files.
func (d *DB) DatasetsByID(ids []int64) ([]*model.Dataset, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := d.sql.Query("SELECT "+datasetCols+" FROM dataset WHERE id IN ("+
		placeholders(len(ids))+") ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	datasets, err := d.scanDatasets(rows)
	if err != nil {
		return nil, err
	}
	return datasets, d.loadFiles(datasets)
}

// DatasetBySetID loads one dataset with its files.
func (d *DB) DatasetBySetID(setid string) (*model.Dataset, error) {
	rows, err := d.sql.Query("SELECT "+datasetCols+" FROM dataset WHERE setid = ?", setid)
	if err != nil {
		return nil, err
	}
	datasets, err := d.scanDatasets(rows)
	if err != nil {
		return nil, err
	}
	if len(datasets) == 0 {
		return nil, fmt.Errorf("no dataset with setid %s", setid)
	}
	if err := d.loadFiles(datasets); err != nil {
		return nil, err
	}
	return datasets[0], nil
}

// DatasetsByCollection pages through a collection's datasets.
func (d *DB) DatasetsByCollection(collection string, limit, offset int) ([]*model.Dataset, error) {
	rows, err := d.sql.Query("SELECT "+datasetCols+
		" FROM dataset WHERE collection = ? ORDER BY id LIMIT ? OFFSET ?",
		collection, limit, offset)
	if err != nil {
		return nil, err
	}
	datasets, err := d.scanDatasets(rows)
	if err != nil {
		return nil, err
	}
	return datasets, d.loadFiles(datasets)
}

func (d *DB) loadFiles(datasets []*model.Dataset) error {
	if len(datasets) == 0 {
		return nil
	}
	byID := make(map[int64]*model.Dataset, len(datasets))
	args := make([]any, len(datasets))
	for i, ds := range datasets {
		byID[ds.ID] = ds
		args[i] = ds.ID
	}
	rows, err := d.sql.Query(`SELECT id, dataset_id, idx, path, size, mtime, missing
		FROM file WHERE dataset_id IN (`+placeholders(len(datasets))+`)
		ORDER BY dataset_id, idx`, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var f model.File
		if err := rows.Scan(&f.ID, &f.DatasetID, &f.Idx, &f.Path, &f.Size, &f.MTime, &f.Missing); err != nil {
			return err
		}
		if ds, ok := byID[f.DatasetID]; ok {
			ds.Files = append(ds.Files, f)
		}
	}
	return rows.Err()
}

// SetIDQuery selects setids by coarse dataset properties; every argument
// is optional. Used by the CLI query front-end.
type SetIDQuery struct {
	Collections []string
	Discarded   bool
	Outdated    bool
	PathPrefix  string
	Missing     bool
	Tags        []string
}

// QuerySetIDs returns matching setids in ascending order.
func (d *DB) QuerySetIDs(q SetIDQuery) ([]string, error) {
	where := []string{"discarded = ?"}
	args := []any{q.Discarded}

	if len(q.Collections) > 0 {
		where = append(where, "collection IN ("+placeholders(len(q.Collections))+")")
		for _, c := range q.Collections {
			args = append(args, c)
		}
	}
	if q.Outdated {
		where = append(where, "(status & ?) = ?")
		args = append(args, int64(model.StatusOutdated), int64(model.StatusOutdated))
	}
	if q.PathPrefix != "" {
		where = append(where, `id IN (SELECT dataset_id FROM file
			WHERE path LIKE ? ESCAPE '$' GROUP BY dataset_id)`)
		args = append(args, escapeLike(q.PathPrefix)+"%")
	}
	if q.Missing {
		where = append(where, `id IN (SELECT dataset_id FROM file
			WHERE missing = 1 GROUP BY dataset_id)`)
	}
	if len(q.Tags) > 0 {
		where = append(where, `id IN (SELECT dt.dataset_id FROM dataset_tag dt
			JOIN tag t ON t.id = dt.tag_id
			WHERE t.value IN (`+placeholders(len(q.Tags))+`))`)
		for _, t := range q.Tags {
			args = append(args, t)
		}
	}

	rows, err := d.sql.Query("SELECT setid FROM dataset WHERE "+
		joinAnd(where)+" ORDER BY setid", args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var setids []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		setids = append(setids, s)
	}
	sort.Strings(setids)
	return setids, rows.Err()
}

// SetRef locates a dataset row by setid.
type SetRef struct {
	ID         int64
	Collection string
	SetID      string
}

// ResolveSetIDs maps setids to dataset rows; an unknown setid is an
// error naming it.
func (d *DB) ResolveSetIDs(setids []string) ([]SetRef, error) {
	if len(setids) == 0 {
		return nil, nil
	}
	args := make([]any, len(setids))
	for i, s := range setids {
		args[i] = s
	}
	rows, err := d.sql.Query("SELECT id, collection, setid FROM dataset WHERE setid IN ("+
		placeholders(len(setids))+") ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	found := map[string]bool{}
	var refs []SetRef
	for rows.Next() {
		var ref SetRef
		if err := rows.Scan(&ref.ID, &ref.Collection, &ref.SetID); err != nil {
			return nil, err
		}
		found[ref.SetID] = true
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, s := range setids {
		if !found[s] {
			return nil, fmt.Errorf("no dataset with setid %s", s)
		}
	}
	return refs, nil
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

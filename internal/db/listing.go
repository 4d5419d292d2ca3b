package db

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/agentic-research/shelf/internal/config"
)

// Synthetic filter names are handled by the query compiler against the
// core tables and never materialize as listing columns.
func isSynthetic(name string) bool {
	return name == "comments" || name == "status" || name == "tags"
}

// Column is one scalar filter column of a listing table.
type Column struct {
	Name    string
	SQLType string
}

// Relation backs one list-valued filterable field: a value-interning
// table plus a many-to-many join table to listing rows.
type Relation struct {
	Key        string
	ValueTable string
	JoinTable  string
}

// ListingDescriptor is the relational shape of one collection's listing.
// Table and column names derive deterministically from the collection and
// field names, so multiple collections never collide.
type ListingDescriptor struct {
	Collection string
	Table      string
	Columns    []Column
	Relations  []Relation
}

var scalarTypes = map[string]string{
	"datetime":  "INTEGER", // milliseconds
	"timedelta": "INTEGER", // milliseconds
	"filesize":  "INTEGER",
	"int":       "INTEGER",
	"float":     "REAL",
	"string":    "TEXT",
	"words":     "TEXT", // space-joined
}

var relationTypes = map[string]bool{
	"subset":   true,
	"string[]": true,
}

// BuildListingDescriptor derives the dynamic schema for a collection from
// its ordered filter specs. Unrecognized value types are configuration
// errors surfaced here, at build time, never at write time.
func BuildListingDescriptor(collection string, specs []config.FilterSpec) (*ListingDescriptor, error) {
	desc := &ListingDescriptor{
		Collection: collection,
		Table:      "listing_" + collection,
	}
	for _, spec := range specs {
		if isSynthetic(spec.Name) {
			continue
		}
		if sqlType, ok := scalarTypes[spec.ValueType]; ok {
			desc.Columns = append(desc.Columns, Column{Name: spec.Name, SQLType: sqlType})
			continue
		}
		if relationTypes[spec.ValueType] {
			valueTable := desc.Table + "_" + spec.Name
			desc.Relations = append(desc.Relations, Relation{
				Key:        spec.Name,
				ValueTable: valueTable,
				JoinTable:  valueTable + "_sec",
			})
			continue
		}
		return nil, config.Errorf("collection."+collection, "filters",
			"filter %s: unrecognized value type %q", spec.Name, spec.ValueType)
	}
	return desc, nil
}

// Column returns the scalar column named name, if any.
func (desc *ListingDescriptor) Column(name string) (Column, bool) {
	for _, col := range desc.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// Relation returns the relation keyed by name, if any.
func (desc *ListingDescriptor) Relation(name string) (Relation, bool) {
	for _, rel := range desc.Relations {
		if rel.Key == name {
			return rel, true
		}
	}
	return Relation{}, false
}

// TableNames returns every table the descriptor owns.
func (desc *ListingDescriptor) TableNames() []string {
	names := []string{desc.Table}
	for _, rel := range desc.Relations {
		names = append(names, rel.ValueTable, rel.JoinTable)
	}
	return names
}

// CreateListingTables materializes the descriptor's tables.
func (d *DB) CreateListingTables(tx *sql.Tx, desc *ListingDescriptor) error {
	ddl := "CREATE TABLE IF NOT EXISTS " + quoteIdent(desc.Table) +
		" (id INTEGER PRIMARY KEY, row TEXT NOT NULL"
	for _, col := range desc.Columns {
		ddl += ", " + quoteIdent(col.Name) + " " + col.SQLType
	}
	ddl += ")"
	if _, err := tx.Exec(ddl); err != nil {
		return fmt.Errorf("create %s: %w", desc.Table, err)
	}

	for _, rel := range desc.Relations {
		stmts := []string{
			"CREATE TABLE IF NOT EXISTS " + quoteIdent(rel.ValueTable) +
				" (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT UNIQUE NOT NULL)",
			"CREATE TABLE IF NOT EXISTS " + quoteIdent(rel.JoinTable) +
				" (listing_id INTEGER NOT NULL, relation_id INTEGER NOT NULL," +
				" PRIMARY KEY (listing_id, relation_id)) WITHOUT ROWID",
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("create relation %s: %w", rel.Key, err)
			}
		}
	}
	return nil
}

// RenderedRow is one rendered listing row ready for upsert.
type RenderedRow struct {
	ID        int64
	Row       string            // stable JSON encoding
	Fields    map[string]any    // scalar filter values by name
	Relations map[string][]string // relation values by key
}

// UpsertListing inserts-or-replaces rendered rows and synchronizes the
// relation tables touched by the batch, all inside the caller's
// transaction. With clean set, join rows of the affected listings are
// deleted first (explicit update); otherwise insert-or-ignore semantics
// keep restore and scan replays idempotent.
func (d *DB) UpsertListing(tx *sql.Tx, desc *ListingDescriptor, rows []RenderedRow, clean bool) error {
	if len(rows) == 0 {
		return nil
	}

	cols := "id, row"
	for _, col := range desc.Columns {
		cols += ", " + quoteIdent(col.Name)
	}
	stmt, err := tx.Prepare("INSERT OR REPLACE INTO " + quoteIdent(desc.Table) +
		" (" + cols + ") VALUES (" + placeholders(len(desc.Columns)+2) + ")")
	if err != nil {
		return fmt.Errorf("prepare listing upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, row := range rows {
		args := make([]any, 0, len(desc.Columns)+2)
		args = append(args, row.ID, row.Row)
		for _, col := range desc.Columns {
			args = append(args, row.Fields[col.Name])
		}
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("upsert listing row %d: %w", row.ID, err)
		}
	}

	for _, rel := range desc.Relations {
		if err := d.syncRelation(tx, rel, rows, clean); err != nil {
			return fmt.Errorf("sync relation %s: %w", rel.Key, err)
		}
	}
	return nil
}

func (d *DB) syncRelation(tx *sql.Tx, rel Relation, rows []RenderedRow, clean bool) error {
	// Distinct values across the batch, interned insert-if-absent.
	valueSet := map[string]struct{}{}
	var ids []int64
	for _, row := range rows {
		ids = append(ids, row.ID)
		for _, v := range row.Relations[rel.Key] {
			valueSet[v] = struct{}{}
		}
	}

	values := make([]string, 0, len(valueSet))
	for v := range valueSet {
		values = append(values, v)
	}
	sort.Strings(values)

	if len(values) > 0 {
		ins, err := tx.Prepare("INSERT OR IGNORE INTO " + quoteIdent(rel.ValueTable) + " (value) VALUES (?)")
		if err != nil {
			return err
		}
		for _, v := range values {
			if _, err := ins.Exec(v); err != nil {
				_ = ins.Close()
				return err
			}
		}
		_ = ins.Close()
	}

	// Value → id map for the batch.
	valueIDs := map[string]int64{}
	if len(values) > 0 {
		args := make([]any, len(values))
		for i, v := range values {
			args[i] = v
		}
		rows2, err := tx.Query("SELECT id, value FROM "+quoteIdent(rel.ValueTable)+
			" WHERE value IN ("+placeholders(len(values))+")", args...)
		if err != nil {
			return err
		}
		for rows2.Next() {
			var id int64
			var v string
			if err := rows2.Scan(&id, &v); err != nil {
				_ = rows2.Close()
				return err
			}
			valueIDs[v] = id
		}
		if err := rows2.Close(); err != nil {
			return err
		}
	}

	if clean {
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		if _, err := tx.Exec("DELETE FROM "+quoteIdent(rel.JoinTable)+
			" WHERE listing_id IN ("+placeholders(len(ids))+")", args...); err != nil {
			return err
		}
	}

	link, err := tx.Prepare("INSERT OR IGNORE INTO " + quoteIdent(rel.JoinTable) +
		" (listing_id, relation_id) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer func() { _ = link.Close() }()

	for _, row := range rows {
		for _, v := range row.Relations[rel.Key] {
			if _, err := link.Exec(row.ID, valueIDs[v]); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteListings removes listing rows and their relation memberships.
func (d *DB) DeleteListings(tx *sql.Tx, desc *ListingDescriptor, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	for _, rel := range desc.Relations {
		if _, err := tx.Exec("DELETE FROM "+quoteIdent(rel.JoinTable)+
			" WHERE listing_id IN ("+placeholders(len(ids))+")", args...); err != nil {
			return err
		}
	}
	_, err := tx.Exec("DELETE FROM "+quoteIdent(desc.Table)+
		" WHERE id IN ("+placeholders(len(ids))+")", args...)
	return err
}

// CleanupRelations drops interned relation values no listing refers to.
func (d *DB) CleanupRelations(desc *ListingDescriptor) error {
	return d.WithTx(func(tx *sql.Tx) error {
		for _, rel := range desc.Relations {
			_, err := tx.Exec("DELETE FROM " + quoteIdent(rel.ValueTable) +
				" WHERE id NOT IN (SELECT relation_id FROM " + quoteIdent(rel.JoinTable) + ")")
			if err != nil {
				return err
			}
		}
		return nil
	})
}

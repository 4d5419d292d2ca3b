package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agentic-research/shelf/internal/model"
)

// ErrUnknownOperator reports an unrecognized (field, operator) filter
// combination. Fatal per query, surfaced to the caller.
var ErrUnknownOperator = errors.New("unknown operator")

// Filter is one (field, value, operator, type) tuple. Tuples are
// translated independently and conjoined.
type Filter struct {
	Name     string
	Value    any
	Operator string
	Type     string
}

// CompiledQuery is a ready-to-execute listing query.
type CompiledQuery struct {
	SQL  string
	Args []any
}

// ListingRow is one projected result row: the JSON display row, the
// dataset status word, and the aggregated tag values.
type ListingRow struct {
	ID     int64
	Row    string
	Status model.Status
	Tags   []string
}

const msPerDay = int64(86_400_000)

var comparators = map[string]string{
	"lt": "<",
	"le": "<=",
	"eq": "=",
	"ne": "!=",
	"ge": ">=",
	"gt": ">",
}

// CompileFilters translates filter tuples into a single query against the
// collection's dynamic schema. Discarded datasets are always excluded;
// rows are ordered by id with tags aggregated per row.
func CompileFilters(desc *ListingDescriptor, filters []Filter) (*CompiledQuery, error) {
	var (
		where = []string{"d.discarded = 0"}
		args  []any
	)

	for _, f := range filters {
		clause, clauseArgs, err := compileOne(desc, f)
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
		args = append(args, clauseArgs...)
	}

	listing := quoteIdent(desc.Table)
	sqlText := "SELECT l.id, l.row, d.status, group_concat(t.value)" +
		" FROM " + listing + " l" +
		" JOIN dataset d ON d.id = l.id" +
		" LEFT JOIN dataset_tag dt ON dt.dataset_id = l.id" +
		" LEFT JOIN tag t ON t.id = dt.tag_id" +
		" WHERE " + strings.Join(where, " AND ") +
		" GROUP BY l.id ORDER BY l.id"

	return &CompiledQuery{SQL: sqlText, Args: args}, nil
}

func compileOne(desc *ListingDescriptor, f Filter) (string, []any, error) {
	switch f.Name {
	case "comments":
		return compileComments(f)
	case "status":
		return compileStatus(f)
	case "tags":
		return compileTags(desc.Collection, f)
	}
	if rel, ok := desc.Relation(f.Name); ok {
		return compileRelation(rel, f)
	}
	if col, ok := desc.Column(f.Name); ok {
		return compileScalar(col, f)
	}
	return "", nil, fmt.Errorf("%w: no filter field %q", ErrUnknownOperator, f.Name)
}

func stringValues(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, len(t))
		for i, x := range t {
			s, ok := x.(string)
			if !ok {
				return nil, fmt.Errorf("non-string value %T", x)
			}
			out[i] = s
		}
		return out, nil
	case string:
		return strings.Fields(t), nil
	default:
		return nil, fmt.Errorf("want string values, got %T", v)
	}
}

func compileComments(f Filter) (string, []any, error) {
	if f.Operator != "substring" {
		return "", nil, fmt.Errorf("%w: comments %s", ErrUnknownOperator, f.Operator)
	}
	s, ok := f.Value.(string)
	if !ok {
		return "", nil, fmt.Errorf("comments filter wants a string, got %T", f.Value)
	}
	clause := "l.id IN (SELECT dataset_id FROM comment WHERE text LIKE ? ESCAPE '$')"
	return clause, []any{"%" + escapeLike(s) + "%"}, nil
}

func compileStatus(f Filter) (string, []any, error) {
	names, err := stringValues(f.Value)
	if err != nil {
		return "", nil, fmt.Errorf("status filter: %w", err)
	}
	mask, err := model.MaskFor(names)
	if err != nil {
		return "", nil, err
	}
	switch f.Operator {
	case "any":
		return "(d.status & ?) != 0", []any{int64(mask)}, nil
	case "all":
		return "(d.status & ?) = ?", []any{int64(mask), int64(mask)}, nil
	default:
		return "", nil, fmt.Errorf("%w: status %s", ErrUnknownOperator, f.Operator)
	}
}

func compileTags(collection string, f Filter) (string, []any, error) {
	values, err := stringValues(f.Value)
	if err != nil {
		return "", nil, fmt.Errorf("tags filter: %w", err)
	}
	if f.Operator != "any" && f.Operator != "all" {
		return "", nil, fmt.Errorf("%w: tags %s", ErrUnknownOperator, f.Operator)
	}
	// An empty value set matches nothing. SQLite rejects a bare IN ().
	if len(values) == 0 {
		return "1 = 0", nil, nil
	}
	args := []any{collection}
	for _, v := range values {
		args = append(args, v)
	}
	sub := "SELECT dt2.dataset_id FROM dataset_tag dt2" +
		" JOIN tag t2 ON t2.id = dt2.tag_id" +
		" WHERE t2.collection = ? AND t2.value IN (" + placeholders(len(values)) + ")"
	if f.Operator == "all" {
		// The dataset's tag set restricted to the requested set must have
		// exactly the requested cardinality.
		sub += " GROUP BY dt2.dataset_id HAVING count(*) = ?"
		args = append(args, len(values))
	}
	return "l.id IN (" + sub + ")", args, nil
}

func compileRelation(rel Relation, f Filter) (string, []any, error) {
	sub := "SELECT j.listing_id FROM " + quoteIdent(rel.JoinTable) + " j" +
		" JOIN " + quoteIdent(rel.ValueTable) + " v ON v.id = j.relation_id"

	switch f.Operator {
	case "any", "all":
		values, err := stringValues(f.Value)
		if err != nil {
			return "", nil, fmt.Errorf("%s filter: %w", f.Name, err)
		}
		if len(values) == 0 {
			return "1 = 0", nil, nil
		}
		args := make([]any, 0, len(values)+1)
		for _, v := range values {
			args = append(args, v)
		}
		sub += " WHERE v.value IN (" + placeholders(len(values)) + ")"
		if f.Operator == "all" {
			sub += " GROUP BY j.listing_id HAVING count(*) = ?"
			args = append(args, len(values))
		}
		return "l.id IN (" + sub + ")", args, nil
	case "substring_any":
		s, ok := f.Value.(string)
		if !ok {
			return "", nil, fmt.Errorf("%s filter wants a string, got %T", f.Name, f.Value)
		}
		sub += " WHERE v.value LIKE ? ESCAPE '$'"
		return "l.id IN (" + sub + ")", []any{"%" + escapeLike(s) + "%"}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s %s", ErrUnknownOperator, f.Name, f.Operator)
	}
}

func compileScalar(col Column, f Filter) (string, []any, error) {
	ident := "l." + quoteIdent(col.Name)

	if f.Type == "datetime" {
		return compileDatetime(ident, f)
	}

	switch f.Operator {
	case "lt", "le", "eq", "ne", "ge", "gt":
		return ident + " " + comparators[f.Operator] + " ?", []any{f.Value}, nil
	case "substring", "startswith":
		s, ok := f.Value.(string)
		if !ok {
			return "", nil, fmt.Errorf("%s filter wants a string, got %T", f.Name, f.Value)
		}
		pattern := escapeLike(s) + "%"
		if f.Operator == "substring" {
			pattern = "%" + pattern
		}
		return ident + " LIKE ? ESCAPE '$'", []any{pattern}, nil
	case "words":
		words, err := stringValues(f.Value)
		if err != nil || len(words) == 0 {
			return "", nil, fmt.Errorf("words filter wants words, got %T", f.Value)
		}
		clauses := make([]string, len(words))
		args := make([]any, len(words))
		for i, w := range words {
			clauses[i] = ident + " LIKE ? ESCAPE '$'"
			args[i] = "%" + escapeLike(w) + "%"
		}
		return "(" + strings.Join(clauses, " AND ") + ")", args, nil
	default:
		return "", nil, fmt.Errorf("%w: %s %s", ErrUnknownOperator, f.Name, f.Operator)
	}
}

// compileDatetime widens day-granular comparisons to a 24h window:
// eq matches [v, v+24h), ne its complement, while le/gt shift the bound
// by 24h before the plain comparator applies.
func compileDatetime(ident string, f Filter) (string, []any, error) {
	v, ok := intValue(f.Value)
	if !ok {
		return "", nil, fmt.Errorf("%s filter wants milliseconds, got %T", f.Name, f.Value)
	}
	switch f.Operator {
	case "eq":
		return "(" + ident + " >= ? AND " + ident + " < ?)", []any{v, v + msPerDay}, nil
	case "ne":
		return "(" + ident + " < ? OR " + ident + " >= ?)", []any{v, v + msPerDay}, nil
	case "le":
		return ident + " <= ?", []any{v + msPerDay}, nil
	case "gt":
		return ident + " > ?", []any{v + msPerDay}, nil
	case "lt", "ge":
		return ident + " " + comparators[f.Operator] + " ?", []any{v}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s %s", ErrUnknownOperator, f.Name, f.Operator)
	}
}

func intValue(v any) (int64, bool) {
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

// QueryListing executes a compiled query.
func (d *DB) QueryListing(q *CompiledQuery) ([]ListingRow, error) {
	rows, err := d.sql.Query(q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("listing query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ListingRow
	for rows.Next() {
		var (
			row  ListingRow
			tags sql.NullString
		)
		if err := rows.Scan(&row.ID, &row.Row, &row.Status, &tags); err != nil {
			return nil, err
		}
		if tags.Valid && tags.String != "" {
			row.Tags = strings.Split(tags.String, ",")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

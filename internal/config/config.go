// Package config loads the site configuration and parses the pipe-line
// spec grammars shared by filters, listing columns, and summary items.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Error is a configuration-shape error. These are fatal at collection
// load so per-dataset rendering never sees an unknown field or operator.
type Error struct {
	Section string
	Field   string
	Msg     string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config [%s]: %s", e.Section, e.Msg)
	}
	return fmt.Sprintf("config [%s] %s: %s", e.Section, e.Field, e.Msg)
}

// Errorf builds an Error with formatted message.
func Errorf(section, field, format string, args ...any) *Error {
	return &Error{Section: section, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Site is the top-level section.
type Site struct {
	StoreDir    string   `toml:"storedir"`
	DBPath      string   `toml:"dbpath"`
	Collections []string `toml:"collections"`
}

// Collection is one [collection.<name>] section. List-of-lines fields
// use the original pipe-line grammars.
type Collection struct {
	Scanroots            []string `toml:"scanroots"`
	Nodes                []string `toml:"nodes"`
	Filters              []string `toml:"filters"`
	ListingColumns       []string `toml:"listing_columns"`
	ListingSummary       []string `toml:"listing_summary"`
	ListingSort          []string `toml:"listing_sort"`
	DetailTitle          string   `toml:"detail_title"`
	DetailSections       []string `toml:"detail_sections"`
	DetailSummaryWidgets []string `toml:"detail_summary_widgets"`
	Scanner              string   `toml:"scanner"`
	Compare              string   `toml:"compare"`
}

// Config is the decoded site configuration.
type Config struct {
	Site       Site                  `toml:"site"`
	Collection map[string]Collection `toml:"collection"`
}

// Defaults mirror the stock filter/column set every collection gets when
// its section leaves them unset.
var (
	DefaultFilters = []string{
		`name       | Name       | substring         | string   | (get "dataset.name")`,
		`setid      | Set Id     | startswith        | string   | (get "dataset.id")`,
		`size       | Size       | lt le eq ne ge gt | filesize | (sum (get "dataset.files[:].size"))`,
		`status     | Status     | any all           | subset   | (status )`,
		`tags       | Tags       | any all           | subset   | (tags )`,
		`comments   | Comments   | substring         | string   | (comments )`,
		`files      | File paths | substring_any     | string[] | (get "dataset.files[:].path")`,
		`time_added | Added      | lt le eq ne ge gt | datetime | (get "dataset.time_added")`,
	}
	DefaultListingColumns = []string{
		`name       | Name   | route    | (detail_route (get "dataset.id") (get "dataset.name"))`,
		`size       | Size   | filesize | (sum (get "dataset.files[:].size"))`,
		`status     | Status | icon[]   | (status )`,
		`tags       | Tags   | pill[]   | (tags )`,
		`time_added | Added  | datetime | (get "dataset.time_added")`,
	}
	DefaultListingSummary = []string{
		`datasets | datasets | int      | (len (rows "name" 0))`,
		`size     | size     | filesize | (sum (rows "size" 0))`,
	}
	DefaultDetailTitle = `(get "dataset.name")`
)

// Load reads and decodes a TOML site configuration, applying section
// defaults and validating the invariants that hold across collections.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if _, err := toml.Decode(string(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Site.StoreDir == "" {
		return Errorf("site", "storedir", "required")
	}
	if c.Site.DBPath == "" {
		return Errorf("site", "dbpath", "required")
	}
	if len(c.Site.Collections) == 0 {
		return Errorf("site", "collections", "required")
	}

	seenRoots := map[string]string{}
	for _, name := range c.Site.Collections {
		sec, ok := c.Collection[name]
		if !ok {
			return Errorf("site", "collections", "no [collection.%s] section", name)
		}
		if len(sec.Scanroots) == 0 {
			return Errorf("collection."+name, "scanroots", "required")
		}
		if sec.Scanner == "" {
			return Errorf("collection."+name, "scanner", "required")
		}
		for _, root := range sec.Scanroots {
			if owner, dup := seenRoots[root]; dup {
				return Errorf("collection."+name, "scanroots",
					"scanroot %s already used by collection %s", root, owner)
			}
			seenRoots[root] = name
		}
		c.Collection[name] = withDefaults(sec)
	}
	return nil
}

func withDefaults(sec Collection) Collection {
	if len(sec.Filters) == 0 {
		sec.Filters = DefaultFilters
	}
	if len(sec.ListingColumns) == 0 {
		sec.ListingColumns = DefaultListingColumns
	}
	if len(sec.ListingSummary) == 0 {
		sec.ListingSummary = DefaultListingSummary
	}
	if sec.DetailTitle == "" {
		sec.DetailTitle = DefaultDetailTitle
	}
	if len(sec.Nodes) == 0 {
		sec.Nodes = []string{"dataset"}
	}
	return sec
}

// FilterSpec is one parsed filter line:
// name | title | operators | value_type | function
type FilterSpec struct {
	Name      string
	Title     string
	Operators []string
	ValueType string
	Function  string
}

// ListingColumn is one parsed listing-column line:
// name | heading | formatter[[]] | function
type ListingColumn struct {
	Name      string
	Heading   string
	Formatter string
	IsList    bool
	Function  string
}

// SummaryItem is one parsed summary line: id | title | formatter[[]] | function
type SummaryItem struct {
	ID        string
	Title     string
	Formatter string
	IsList    bool
	Function  string
}

func splitPipes(line string, want int) ([]string, error) {
	fields := strings.SplitN(line, "|", want)
	if len(fields) != want {
		return nil, fmt.Errorf("want %d pipe-separated fields, got %d", want, len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields, nil
}

// ParseFilterSpec parses one filter line.
func ParseFilterSpec(line string) (FilterSpec, error) {
	fields, err := splitPipes(line, 5)
	if err != nil {
		return FilterSpec{}, err
	}
	return FilterSpec{
		Name:      fields[0],
		Title:     fields[1],
		Operators: strings.Fields(fields[2]),
		ValueType: fields[3],
		Function:  fields[4],
	}, nil
}

func splitFormatter(f string) (string, bool) {
	if strings.HasSuffix(f, "[]") {
		return strings.TrimSuffix(f, "[]"), true
	}
	return f, false
}

// ParseListingColumn parses one listing-column line.
func ParseListingColumn(line string) (ListingColumn, error) {
	fields, err := splitPipes(line, 4)
	if err != nil {
		return ListingColumn{}, err
	}
	formatter, islist := splitFormatter(fields[2])
	return ListingColumn{
		Name:      fields[0],
		Heading:   fields[1],
		Formatter: formatter,
		IsList:    islist,
		Function:  fields[3],
	}, nil
}

// ParseSummaryItem parses one listing-summary line.
func ParseSummaryItem(line string) (SummaryItem, error) {
	fields, err := splitPipes(line, 4)
	if err != nil {
		return SummaryItem{}, err
	}
	formatter, islist := splitFormatter(fields[2])
	return SummaryItem{
		ID:        fields[0],
		Title:     fields[1],
		Formatter: formatter,
		IsList:    islist,
		Function:  fields[3],
	}, nil
}

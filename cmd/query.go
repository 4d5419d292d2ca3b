package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentic-research/shelf/internal/db"
	"github.com/agentic-research/shelf/internal/site"
)

var (
	queryCollection string
	queryFilters    []string
	queryJSON       bool

	queryDiscarded  bool
	queryOutdated   bool
	queryMissing    bool
	queryPathPrefix string
	queryTagged     []string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query a collection's listing",
	Long: `Query a collection's listing with filter tuples of the form
name:operator:value, e.g. -f tags:any:nav,sim or -f name:substring:camera.
List-typed values are comma-separated.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSite()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		// coarse property queries bypass the listing filter compiler
		if queryDiscarded || queryOutdated || queryMissing ||
			queryPathPrefix != "" || len(queryTagged) > 0 {
			if len(queryFilters) > 0 {
				return fmt.Errorf("property flags and --filter are mutually exclusive")
			}
			var collections []string
			if queryCollection != "" {
				collections = []string{queryCollection}
			}
			setids, err := s.QuerySetIDs(db.SetIDQuery{
				Collections: collections,
				Discarded:   queryDiscarded,
				Outdated:    queryOutdated,
				Missing:     queryMissing,
				PathPrefix:  queryPathPrefix,
				Tags:        queryTagged,
			})
			if err != nil {
				return err
			}
			for _, setid := range setids {
				fmt.Println(setid)
			}
			return nil
		}

		name := queryCollection
		if name == "" {
			name = s.Collections.Default()
		}
		c, ok := s.Collections.Get(name)
		if !ok {
			return fmt.Errorf("no collection %q", name)
		}

		filters := make([]db.Filter, 0, len(queryFilters))
		for _, arg := range queryFilters {
			f, err := site.ParseFilterArg(c, arg)
			if err != nil {
				return err
			}
			filters = append(filters, f)
		}

		result, err := s.List(name, filters)
		if err != nil {
			return err
		}
		if queryJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}
		for _, row := range result.Rows {
			fmt.Println(row["setid"])
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryCollection, "collection", "", "Collection to query (default: first configured)")
	queryCmd.Flags().StringArrayVarP(&queryFilters, "filter", "f", nil, "Filter tuple name:op:value (repeatable)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Emit rows and summary as JSON")
	queryCmd.Flags().BoolVar(&queryDiscarded, "discarded", false, "List discarded datasets instead")
	queryCmd.Flags().BoolVar(&queryOutdated, "outdated", false, "Only datasets with outdated artifacts")
	queryCmd.Flags().BoolVar(&queryMissing, "missing", false, "Only datasets with missing files")
	queryCmd.Flags().StringVar(&queryPathPrefix, "path", "", "Only datasets with files under this path")
	queryCmd.Flags().StringSliceVar(&queryTagged, "tagged", nil, "Only datasets carrying any of these tags")
	rootCmd.AddCommand(queryCmd)
}

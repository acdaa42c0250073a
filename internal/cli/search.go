package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/knoxhq/kbridge/pkg/bridge"
	"github.com/knoxhq/kbridge/pkg/memstore"
	"github.com/spf13/cobra"
)

var (
	searchTenant string
	searchLimit  int
)

// searcher is the optional keyword-search surface of a memory store
// backend. The sqlite backend implements it; backends that do not are
// rejected with a clear error instead of a panic.
type searcher interface {
	Search(ctx context.Context, tenantID, query string, limit int) ([]memstore.SearchResult, error)
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search synced pointers",
	Long: `Search the memory store's pointer content for a tenant. Results are
ranked by relevance; equally relevant pointers list the most specific
layer first.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchTenant, "tenant", "", "tenant to search (required)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum number of results")
	_ = searchCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	s, ok := a.provider.(searcher)
	if !ok {
		return fmt.Errorf("memory store backend %q does not support search", a.cfg.Memstore.Backend)
	}

	ctx := bridge.WithTenant(cmd.Context(), searchTenant)
	results, err := s.Search(ctx, searchTenant, args[0], searchLimit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	printSearchResults(cmd.OutOrStdout(), results)
	return nil
}

func printSearchResults(w io.Writer, results []memstore.SearchResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No matching pointers")
		return
	}

	for _, r := range results {
		fmt.Fprintf(w, "%.3f  %s  [%s]\n", r.Score, r.Pointer.ID, r.Pointer.Layer)
		fmt.Fprintf(w, "       %s\n", firstLine(r.Pointer.Content))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 120
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

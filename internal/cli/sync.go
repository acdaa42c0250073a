package cli

import (
	"fmt"

	"github.com/knoxhq/kbridge/pkg/bridge"
	"github.com/knoxhq/kbridge/pkg/knowledge"
	"github.com/spf13/cobra"
)

var (
	syncTenant   string
	syncFull     bool
	syncForce    bool
	syncItem     string
	syncTypes    []string
	syncLayers   []string
	syncMaxItems int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync cycle for a tenant",
	Long: `Run a sync cycle for one tenant. By default an incremental cycle
processes only items changed since the last completed sync. Use --full to
reconcile the entire manifest, --force to regenerate every pointer, or
--item to sync a single knowledge item.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncTenant, "tenant", "", "tenant to sync (required)")
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "run a full cycle over the whole manifest")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "regenerate all pointers (implies --full)")
	syncCmd.Flags().StringVar(&syncItem, "item", "", "sync a single knowledge item by id")
	syncCmd.Flags().StringSliceVar(&syncTypes, "type", nil, "restrict a full cycle to item types (decision-record, policy, pattern, spec)")
	syncCmd.Flags().StringSliceVar(&syncLayers, "layer", nil, "restrict a full cycle to layers (company, org, team, project)")
	syncCmd.Flags().IntVar(&syncMaxItems, "max-items", 0, "cap items processed by an incremental cycle (0 = config default)")
	_ = syncCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := bridge.WithTenant(cmd.Context(), syncTenant)

	var result *bridge.SyncResult
	switch {
	case syncItem != "":
		result, err = a.manager.SingleItemSync(ctx, syncTenant, syncItem)
	case syncFull || syncForce:
		opts := bridge.FullSyncOptions{Force: syncForce}
		if opts.Types, err = parseTypes(syncTypes); err != nil {
			return err
		}
		if opts.Layers, err = parseLayers(syncLayers); err != nil {
			return err
		}
		result, err = a.manager.FullSync(ctx, syncTenant, opts)
	default:
		maxItems := syncMaxItems
		if maxItems == 0 {
			maxItems = a.cfg.Sync.MaxItems
		}
		result, err = a.manager.IncrementalSync(ctx, syncTenant, bridge.IncrementalOptions{MaxItems: maxItems})
	}
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	printResult(cmd, result)
	if result.State != bridge.CycleCompleted {
		return fmt.Errorf("sync finished in state %s", result.State)
	}
	return nil
}

func printResult(cmd *cobra.Command, result *bridge.SyncResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Tenant:    %s\n", result.TenantID)
	fmt.Fprintf(out, "Cycle:     %s (%s)\n", result.Type, result.State)
	fmt.Fprintf(out, "Added:     %d\n", result.Stats.Added)
	fmt.Fprintf(out, "Updated:   %d\n", result.Stats.Updated)
	fmt.Fprintf(out, "Deleted:   %d\n", result.Stats.Deleted)
	fmt.Fprintf(out, "Unchanged: %d\n", result.Stats.Unchanged)
	fmt.Fprintf(out, "Conflicts: %d\n", result.Stats.Conflicts)
	fmt.Fprintf(out, "Duration:  %dms\n", result.Stats.DurationMs)

	for _, failure := range result.Failures {
		fmt.Fprintf(out, "Failed:    %s: %s\n", failure.ItemID, failure.Error)
	}
	for _, conflict := range result.Unresolved {
		fmt.Fprintf(out, "Unresolved: %s on %s (blocked by governance)\n", conflict.Type, conflict.KnowledgeID)
	}
}

func parseTypes(values []string) ([]knowledge.ItemType, error) {
	types := make([]knowledge.ItemType, 0, len(values))
	for _, v := range values {
		t := knowledge.ItemType(v)
		if !knowledge.ValidType(t) {
			return nil, fmt.Errorf("unknown item type %q", v)
		}
		types = append(types, t)
	}
	return types, nil
}

func parseLayers(values []string) ([]knowledge.Layer, error) {
	layers := make([]knowledge.Layer, 0, len(values))
	for _, v := range values {
		l := knowledge.Layer(v)
		if !knowledge.ValidLayer(l) {
			return nil, fmt.Errorf("unknown layer %q", v)
		}
		layers = append(layers, l)
	}
	return layers, nil
}

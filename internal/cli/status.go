package cli

import (
	"fmt"
	"time"

	"github.com/knoxhq/kbridge/pkg/bridge"
	"github.com/spf13/cobra"
)

var statusTenant string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Show the last completed sync cycle per tenant: when it ran, which
knowledge revision it reached and what it changed.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusTenant, "tenant", "", "show a single tenant (default: all)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	tenantIDs := []string{statusTenant}
	if statusTenant == "" {
		if tenantIDs, err = a.tenants(); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if len(tenantIDs) == 0 {
		fmt.Fprintln(out, "No tenants found")
		return nil
	}

	for _, tenantID := range tenantIDs {
		ctx := bridge.WithTenant(cmd.Context(), tenantID)
		status, err := a.manager.GetStatus(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("failed to read status for %s: %w", tenantID, err)
		}

		fmt.Fprintf(out, "Tenant: %s\n", status.TenantID)
		if status.LastSyncAt.IsZero() {
			fmt.Fprintln(out, "  Last sync: never")
			continue
		}
		fmt.Fprintf(out, "  Last sync: %s (%s ago)\n",
			status.LastSyncAt.Format(time.RFC3339), formatDuration(time.Since(status.LastSyncAt)))
		fmt.Fprintf(out, "  Revision:  %s\n", status.LastKnowledgeRevision)
		fmt.Fprintf(out, "  Last run:  added=%d updated=%d deleted=%d unchanged=%d conflicts=%d\n",
			status.Stats.Added, status.Stats.Updated, status.Stats.Deleted,
			status.Stats.Unchanged, status.Stats.Conflicts)

		pointers, err := a.provider.ListPointers(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("failed to list pointers for %s: %w", tenantID, err)
		}
		orphaned := 0
		for _, p := range pointers {
			if p.Orphaned {
				orphaned++
			}
		}
		fmt.Fprintf(out, "  Pointers:  %d (%d orphaned)\n", len(pointers), orphaned)
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sa-harvest/internal/model"
	"github.com/sells-group/sa-harvest/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [account] [site]",
	Short: "Show queue progress per job",
	Long:  "Prints the number of queued, finished and failed dates and the rows harvested for each job of the registered properties.",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		var filter store.PropertyFilter
		if len(args) > 0 {
			filter.AccountName = args[0]
		}
		props, err := env.Store.ListProperties(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "status: list properties")
		}

		var reports []propertyProgress
		for _, p := range props {
			if len(args) > 1 && p.SiteURL != args[1] {
				continue
			}
			progress, err := env.Store.Progress(ctx, p.ID)
			if err != nil {
				return eris.Wrap(err, "status: progress")
			}
			reports = append(reports, propertyProgress{Property: p, Jobs: progress})
		}

		if len(reports) == 0 {
			zap.L().Info("no properties found, run 'setup <account> <site>' first")
			return nil
		}

		formatProgress(os.Stdout, reports)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type propertyProgress struct {
	Property model.Property
	Jobs     []model.Progress
}

// formatProgress writes one table row per job to out.
func formatProgress(out io.Writer, reports []propertyProgress) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Account", "Property", "Table", "Total", "Finished", "Pending", "Failed", "Rows", "%"})

	var total, finished int
	var rows int64
	for _, r := range reports {
		for _, j := range r.Jobs {
			tw.AppendRow(table.Row{
				r.Property.AccountName,
				r.Property.SiteURL,
				j.Table,
				j.Total,
				j.Finished,
				j.Pending(),
				j.Failed,
				j.Rows,
				percent(j.Finished, j.Total),
			})
			total += j.Total
			finished += j.Finished
			rows += j.Rows
		}
	}
	tw.AppendFooter(table.Row{"", "", "Total", total, finished, total - finished, "", rows, percent(finished, total)})
	tw.Render()
}

func percent(n, total int) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f", float64(n)*100/float64(total))
}

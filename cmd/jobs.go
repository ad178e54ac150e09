package main

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sa-harvest/internal/model"
	"github.com/sells-group/sa-harvest/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List and toggle the jobs of a property",
}

var jobsListAll bool

var jobsListCmd = &cobra.Command{
	Use:   "list <account> <site>",
	Short: "List the jobs of a property",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
			prop, err := lookupProperty(ctx, st, args[0], args[1])
			if err != nil {
				return err
			}
			jobs, err := st.ListJobs(ctx, prop.ID, !jobsListAll)
			if err != nil {
				return eris.Wrap(err, "jobs: list")
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Table", "Search Type", "Dimensions", "Filter", "Active"})
			for _, j := range jobs {
				filter := ""
				if j.Filter != nil {
					filter = j.Filter.Dimension + " " + j.Filter.Operator + " " + j.Filter.Expression
				}
				tw.AppendRow(table.Row{j.ID, j.TableName(), j.SearchType, strings.Join(j.Dimensions, ","), filter, j.Active})
			}
			tw.Render()
			return nil
		})
	},
}

var jobsActivateCmd = &cobra.Command{
	Use:   "activate <job-id>",
	Short: "Include a job in downloads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setJobActive(cmd.Context(), args[0], true)
	},
}

var jobsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <job-id>",
	Short: "Exclude a job from downloads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setJobActive(cmd.Context(), args[0], false)
	},
}

var propertiesCmd = &cobra.Command{
	Use:   "properties",
	Short: "List and toggle registered properties",
}

var propertiesListCmd = &cobra.Command{
	Use:   "list [account]",
	Short: "List registered properties",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
			var filter store.PropertyFilter
			if len(args) == 1 {
				filter.AccountName = args[0]
			}
			props, err := st.ListProperties(ctx, filter)
			if err != nil {
				return eris.Wrap(err, "properties: list")
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Account", "Property", "Active"})
			for _, p := range props {
				tw.AppendRow(table.Row{p.ID, p.AccountName, p.SiteURL, p.Active})
			}
			tw.Render()
			return nil
		})
	},
}

var propertiesActivateCmd = &cobra.Command{
	Use:   "activate <account> <site>",
	Short: "Include a property in download-all",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPropertyActive(cmd.Context(), args[0], args[1], true)
	},
}

var propertiesDeactivateCmd = &cobra.Command{
	Use:   "deactivate <account> <site>",
	Short: "Exclude a property from download-all",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPropertyActive(cmd.Context(), args[0], args[1], false)
	},
}

func init() {
	jobsListCmd.Flags().BoolVarP(&jobsListAll, "all", "a", false, "include inactive jobs")
	jobsCmd.AddCommand(jobsListCmd, jobsActivateCmd, jobsDeactivateCmd)
	propertiesCmd.AddCommand(propertiesListCmd, propertiesActivateCmd, propertiesDeactivateCmd)
	rootCmd.AddCommand(jobsCmd, propertiesCmd)
}

// withStore opens the migrated queue store for the duration of fn.
func withStore(ctx context.Context, fn func(context.Context, store.Store) error) error {
	if err := cfg.Validate("store"); err != nil {
		return err
	}
	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	return fn(ctx, st)
}

func lookupProperty(ctx context.Context, st store.Store, account, site string) (*model.Property, error) {
	prop, err := st.GetProperty(ctx, account, site)
	if err != nil {
		return nil, eris.Wrap(err, "get property")
	}
	if prop == nil {
		return nil, eris.Errorf("property %s of %s is not registered", site, account)
	}
	return prop, nil
}

func setJobActive(ctx context.Context, rawID string, active bool) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return eris.Wrapf(err, "jobs: invalid job id %q", rawID)
	}
	return withStore(ctx, func(ctx context.Context, st store.Store) error {
		if err := st.SetJobActive(ctx, id, active); err != nil {
			return eris.Wrap(err, "jobs: set active")
		}
		zap.L().Info("job updated", zap.Int64("job_id", id), zap.Bool("active", active))
		return nil
	})
}

func setPropertyActive(ctx context.Context, account, site string, active bool) error {
	return withStore(ctx, func(ctx context.Context, st store.Store) error {
		prop, err := lookupProperty(ctx, st, account, site)
		if err != nil {
			return err
		}
		if err := st.SetPropertyActive(ctx, prop.ID, active); err != nil {
			return eris.Wrap(err, "properties: set active")
		}
		zap.L().Info("property updated", zap.String("property", site), zap.Bool("active", active))
		return nil
	})
}

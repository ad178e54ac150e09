package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sa-harvest/internal/harvest"
	"github.com/sells-group/sa-harvest/internal/jobdef"
	"github.com/sells-group/sa-harvest/internal/model"
	"github.com/sells-group/sa-harvest/internal/store"
	"github.com/sells-group/sa-harvest/internal/warehouse"
)

var setupReset bool

var setupCmd = &cobra.Command{
	Use:   "setup <account> <site>",
	Short: "Register a property, create its jobs and queue its dates",
	Long: `Looks up or creates the property, creates its jobs from the job definitions
when it has none, and queues every date the API reports for each job. With
--reset the account's warehouse, the property's queue and jobs are deleted first.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "harvest")
		if err != nil {
			return err
		}
		defer env.Close()

		_, err = setupProperty(ctx, env.setupDeps(), args[0], args[1], setupReset)
		return err
	},
}

func init() {
	setupCmd.Flags().BoolVar(&setupReset, "reset", false, "delete the account's data and the property before setup")
	rootCmd.AddCommand(setupCmd)
}

// propertyCatalog lists what the API holds for one property.
type propertyCatalog interface {
	jobdef.ValueLister
	Dates(ctx context.Context, searchType string) ([]time.Time, error)
}

// setupDeps are the collaborators of setup and reset.
type setupDeps struct {
	Store       store.Store
	Catalog     func(ctx context.Context, account, site string) (propertyCatalog, error)
	Warehouse   func(ctx context.Context, account string) (warehouse.Warehouse, error)
	Definitions func() (jobdef.Definitions, error)
}

func (a *appEnv) setupDeps() setupDeps {
	return setupDeps{
		Store: a.Store,
		Catalog: func(ctx context.Context, account, site string) (propertyCatalog, error) {
			return a.Discovery(ctx, account, site)
		},
		Warehouse:   a.Warehouse,
		Definitions: a.JobDefinitions,
	}
}

// setupProperty is the lookup-or-create flow shared by setup and download.
func setupProperty(ctx context.Context, deps setupDeps, account, site string, reset bool) (*model.Property, error) {
	log := zap.L().With(zap.String("account", account), zap.String("property", site))

	if reset {
		if err := resetProperty(ctx, deps, account, site); err != nil {
			return nil, err
		}
	}

	prop, err := deps.Store.EnsureProperty(ctx, account, site)
	if err != nil {
		return nil, eris.Wrap(err, "setup: ensure property")
	}

	catalog, err := deps.Catalog(ctx, account, site)
	if err != nil {
		return nil, err
	}

	jobs, err := deps.Store.ListJobs(ctx, prop.ID, false)
	if err != nil {
		return nil, eris.Wrap(err, "setup: list jobs")
	}
	if len(jobs) == 0 {
		defs, err := deps.Definitions()
		if err != nil {
			return nil, err
		}
		specs, err := defs.All(ctx, catalog)
		if err != nil {
			return nil, err
		}
		log.Info("setup: creating jobs", zap.Int("jobs", len(specs)))
		for _, spec := range specs {
			job, err := deps.Store.CreateJob(ctx, prop.ID, spec)
			if err != nil {
				return nil, eris.Wrap(err, "setup: create job")
			}
			jobs = append(jobs, *job)
		}
	}

	dates := make(map[string][]time.Time)
	total := 0
	for _, job := range jobs {
		d, ok := dates[job.SearchType]
		if !ok {
			d, err = catalog.Dates(ctx, job.SearchType)
			if err != nil {
				return nil, err
			}
			dates[job.SearchType] = d
		}
		n, err := harvest.GenerateQueue(ctx, deps.Store, *prop, job, d)
		if err != nil {
			return nil, err
		}
		total += n
	}
	log.Info("setup: queue generated", zap.Int("jobs", len(jobs)), zap.Int("added", total))
	return prop, nil
}

// resetProperty deletes the account's warehouse and the property with its
// jobs and queue.
func resetProperty(ctx context.Context, deps setupDeps, account, site string) error {
	log := zap.L().With(zap.String("account", account), zap.String("property", site))

	wh, err := deps.Warehouse(ctx, account)
	if err != nil {
		return err
	}
	log.Info("reset: purging warehouse")
	if err := wh.Purge(ctx); err != nil {
		_ = wh.Close()
		return eris.Wrap(err, "reset: purge warehouse")
	}
	_ = wh.Close()

	prop, err := deps.Store.GetProperty(ctx, account, site)
	if err != nil {
		return eris.Wrap(err, "reset: get property")
	}
	if prop == nil {
		log.Info("reset: property not registered")
		return nil
	}
	log.Info("reset: deleting property, jobs and queue")
	return eris.Wrap(deps.Store.DeleteProperty(ctx, prop.ID), "reset: delete property")
}

package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/evanofslack/pihole-config-sync/config"
	"github.com/evanofslack/pihole-config-sync/metrics"
	"github.com/evanofslack/pihole-config-sync/pihole"
)

const defaultConcurrency = 4

// ManagerFactory builds the API facade for one instance. Swapped for a
// test double in tests.
type ManagerFactory func(cfg pihole.Config) PiholeAPI

// Orchestrator drives a reconciliation pass across instances. Instances are
// processed with bounded parallelism; each owns its own session and one
// failure never stops the others. Results come back in instance order
// regardless of completion order.
type Orchestrator struct {
	metrics     *metrics.Metrics
	newManager  ManagerFactory
	concurrency int
}

func NewOrchestrator(m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		metrics: m,
		newManager: func(cfg pihole.Config) PiholeAPI {
			return pihole.New(cfg, m)
		},
		concurrency: defaultConcurrency,
	}
}

// Run reconciles every instance once and returns one result per instance,
// in input order.
func (o *Orchestrator) Run(ctx context.Context, instances []config.Instance, dryRun bool) []Result {
	results := make([]Result, len(instances))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for idx := range instances {
		idx := idx
		g.Go(func() error {
			inst := &instances[idx]
			results[idx] = o.reconcileInstance(gctx, inst, dryRun)
			return nil
		})
	}
	// Workers never return errors; failures land in their result slot.
	_ = g.Wait()

	for _, res := range results {
		o.metrics.IncInstanceResult(res.Instance, res.Err == nil)
	}
	return results
}

func (o *Orchestrator) reconcileInstance(ctx context.Context, inst *config.Instance, dryRun bool) Result {
	res := Result{Instance: inst.Name}

	pc, err := inst.PiholeConfig()
	if err != nil {
		res.Err = err
		return res
	}

	api := o.newManager(pc)
	if err := api.Authenticate(ctx); err != nil {
		res.Err = fmt.Errorf("authenticate %s: %w", inst.Name, err)
		return res
	}
	defer api.Close(ctx)

	snapshot, err := fetchSnapshot(ctx, api, inst, false)
	if err != nil {
		res.Err = fmt.Errorf("fetch live state for %s: %w", inst.Name, err)
		return res
	}

	cs := Diff(inst, snapshot)
	if cs.IsEmpty() {
		slog.Info("No changes required", "instance", inst.Name)
		res.Report = newReport(inst.Name, dryRun)
		return res
	}
	slog.Info("Computed change-set", "instance", inst.Name, "changes", len(cs), "dry_run", dryRun)

	applier := NewApplier(api, o.metrics)
	report, err := applier.Apply(ctx, inst, cs, dryRun)
	res.Report = report
	res.Err = err
	return res
}

// Plan connects to an instance and returns the change-set that a sync would
// apply, without mutating anything. Backs the diff command.
func (o *Orchestrator) Plan(ctx context.Context, inst *config.Instance) (ChangeSet, error) {
	api, err := o.connect(ctx, inst)
	if err != nil {
		return nil, err
	}
	defer api.Close(ctx)

	snapshot, err := fetchSnapshot(ctx, api, inst, false)
	if err != nil {
		return nil, fmt.Errorf("fetch live state for %s: %w", inst.Name, err)
	}
	return Diff(inst, snapshot), nil
}

// Snapshot fetches the complete live state of an instance, regardless of
// which kinds it manages. Backs the dump command.
func (o *Orchestrator) Snapshot(ctx context.Context, inst *config.Instance) (*pihole.Snapshot, error) {
	api, err := o.connect(ctx, inst)
	if err != nil {
		return nil, err
	}
	defer api.Close(ctx)

	return fetchSnapshot(ctx, api, inst, true)
}

func (o *Orchestrator) connect(ctx context.Context, inst *config.Instance) (PiholeAPI, error) {
	pc, err := inst.PiholeConfig()
	if err != nil {
		return nil, err
	}
	api := o.newManager(pc)
	if err := api.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", inst.Name, err)
	}
	return api, nil
}

// fetchSnapshot reads live state fresh from the instance. Only managed
// kinds are fetched unless all is set; snapshots are never cached across
// passes since the whole point is to compare against current truth.
func fetchSnapshot(ctx context.Context, api PiholeAPI, inst *config.Instance, all bool) (*pihole.Snapshot, error) {
	snap := &pihole.Snapshot{}
	var err error

	if all || inst.ManagesConfig() {
		if snap.Config, err = api.FetchConfig(ctx); err != nil {
			return nil, err
		}
	}
	if all || inst.ManagesGroups() {
		if snap.Groups, err = api.FetchGroups(ctx); err != nil {
			return nil, err
		}
	}
	if all || inst.ManagesLists() {
		if snap.Lists, err = api.FetchLists(ctx); err != nil {
			return nil, err
		}
	}
	if all || inst.ManagesDomains() {
		if snap.Domains, err = api.FetchDomains(ctx); err != nil {
			return nil, err
		}
	}
	if all || inst.ManagesClients() {
		if snap.Clients, err = api.FetchClients(ctx); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

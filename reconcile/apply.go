package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/evanofslack/pihole-config-sync/config"
	"github.com/evanofslack/pihole-config-sync/metrics"
	"github.com/evanofslack/pihole-config-sync/pihole"
)

// PiholeAPI is the capability surface the engine needs from a Pi-hole
// instance. Implemented by *pihole.Manager; test doubles implement it to
// assert call counts.
type PiholeAPI interface {
	Authenticate(ctx context.Context) error
	Close(ctx context.Context)

	FetchConfig(ctx context.Context) (pihole.Settings, error)
	FetchLists(ctx context.Context) ([]pihole.List, error)
	FetchDomains(ctx context.Context) ([]pihole.Domain, error)
	FetchGroups(ctx context.Context) ([]pihole.Group, error)
	FetchClients(ctx context.Context) ([]pihole.Client, error)

	CreateList(ctx context.Context, l pihole.List) error
	UpdateList(ctx context.Context, l pihole.List) error
	DeleteList(ctx context.Context, address string, t pihole.ListType) error

	CreateDomain(ctx context.Context, d pihole.Domain) error
	UpdateDomain(ctx context.Context, d pihole.Domain) error
	DeleteDomain(ctx context.Context, domain string, t pihole.DomainType, k pihole.DomainKind) error

	CreateGroup(ctx context.Context, g pihole.Group) error
	UpdateGroup(ctx context.Context, g pihole.Group) error
	DeleteGroup(ctx context.Context, name string) error

	CreateClient(ctx context.Context, c pihole.Client) error
	UpdateClient(ctx context.Context, c pihole.Client) error
	DeleteClient(ctx context.Context, client string) error

	UpdateConfig(ctx context.Context, partial pihole.Settings) error
	TriggerGravity(ctx context.Context) error
}

// Applier executes a change-set against one instance.
type Applier struct {
	api     PiholeAPI
	metrics *metrics.Metrics
}

func NewApplier(api PiholeAPI, m *metrics.Metrics) *Applier {
	return &Applier{api: api, metrics: m}
}

// Apply validates the change-set, then executes it change by change. A
// structurally invalid plan fails before any mutation is sent. In dry-run
// mode no mutating call is made; the report reflects intended counts.
//
// Each change is applied independently: a remote rejection is recorded and
// the rest of the set continues. A transport error aborts the remaining
// changes for the instance, since connectivity loss likely affects every
// subsequent call.
func (a *Applier) Apply(ctx context.Context, inst *config.Instance, cs ChangeSet, dryRun bool) (*ApplyReport, error) {
	report := newReport(inst.Name, dryRun)

	if err := ValidateChangeSet(inst, cs); err != nil {
		return report, err
	}

	if dryRun {
		for _, ch := range cs {
			report.count(ch.Kind, ch.Op)
		}
		if inst.GravityEnabled() && cs.ListDomainChanges() > 0 {
			slog.Info("Would trigger gravity rebuild", "instance", inst.Name)
		}
		return report, nil
	}

	gravityRelevant := 0
	for _, ch := range cs {
		if err := a.applyChange(ctx, ch); err != nil {
			report.fail(ch, err)
			var transport *pihole.TransportError
			if errors.As(err, &transport) {
				slog.Error("Transport failure, aborting remaining changes",
					"instance", inst.Name, "kind", ch.Kind, "id", ch.ID, "error", err)
				a.maybeGravity(ctx, inst, report, gravityRelevant)
				return report, err
			}
			slog.Warn("Change rejected by instance",
				"instance", inst.Name, "kind", ch.Kind, "op", ch.Op, "id", ch.ID, "error", err)
			continue
		}
		report.count(ch.Kind, ch.Op)
		a.metrics.IncChangeApplied(string(ch.Kind), string(ch.Op))
		if ch.Kind == KindLists || ch.Kind == KindDomains {
			gravityRelevant++
		}
	}

	a.maybeGravity(ctx, inst, report, gravityRelevant)
	return report, nil
}

// maybeGravity triggers at most one rebuild per pass, and only when a list
// or domain change was actually applied.
func (a *Applier) maybeGravity(ctx context.Context, inst *config.Instance, report *ApplyReport, applied int) {
	if !inst.GravityEnabled() || applied == 0 {
		return
	}
	if err := a.api.TriggerGravity(ctx); err != nil {
		a.metrics.IncGravityRun(false)
		report.Failures = append(report.Failures, Failure{
			Kind: "gravity", Op: OpUpdate, ID: "gravity", Error: err.Error(),
		})
		return
	}
	a.metrics.IncGravityRun(true)
	report.GravityTriggered = true
}

func (a *Applier) applyChange(ctx context.Context, ch Change) error {
	switch ch.Kind {
	case KindLists:
		switch ch.Op {
		case OpCreate:
			return a.api.CreateList(ctx, ch.After.(pihole.List))
		case OpUpdate:
			return a.api.UpdateList(ctx, ch.After.(pihole.List))
		case OpDelete:
			l := ch.Before.(pihole.List)
			return a.api.DeleteList(ctx, l.Address, l.Type)
		}
	case KindDomains:
		switch ch.Op {
		case OpCreate:
			return a.api.CreateDomain(ctx, ch.After.(pihole.Domain))
		case OpUpdate:
			return a.api.UpdateDomain(ctx, ch.After.(pihole.Domain))
		case OpDelete:
			d := ch.Before.(pihole.Domain)
			return a.api.DeleteDomain(ctx, d.Domain, d.Type, d.Kind)
		}
	case KindGroups:
		switch ch.Op {
		case OpCreate:
			return a.api.CreateGroup(ctx, ch.After.(pihole.Group))
		case OpUpdate:
			return a.api.UpdateGroup(ctx, ch.After.(pihole.Group))
		case OpDelete:
			return a.api.DeleteGroup(ctx, ch.Before.(pihole.Group).Name)
		}
	case KindClients:
		switch ch.Op {
		case OpCreate:
			return a.api.CreateClient(ctx, ch.After.(pihole.Client))
		case OpUpdate:
			return a.api.UpdateClient(ctx, ch.After.(pihole.Client))
		case OpDelete:
			return a.api.DeleteClient(ctx, ch.Before.(pihole.Client).Client)
		}
	case KindSettings:
		partial, ok := ch.After.(map[string]any)
		if !ok {
			if s, ok := ch.After.(pihole.Settings); ok {
				partial = s
			} else {
				return fmt.Errorf("settings change carries unexpected payload %T", ch.After)
			}
		}
		return a.api.UpdateConfig(ctx, pihole.Settings(partial))
	}
	return fmt.Errorf("unknown change %s/%s", ch.Kind, ch.Op)
}

// kindPhase orders changes into the strict application sequence: group
// creates/updates, then lists/domains/clients, then group deletes, then
// settings.
func kindPhase(ch Change) int {
	switch {
	case ch.Kind == KindGroups && ch.Op != OpDelete:
		return 0
	case ch.Kind == KindLists, ch.Kind == KindDomains, ch.Kind == KindClients:
		return 1
	case ch.Kind == KindGroups:
		return 2
	default:
		return 3
	}
}

// ValidateChangeSet fails fast on a structurally invalid plan: changes out
// of referential order, a change referencing a group the plan deletes, or a
// membership no desired or surviving group can satisfy.
func ValidateChangeSet(inst *config.Instance, cs ChangeSet) error {
	phase := 0
	for _, ch := range cs {
		p := kindPhase(ch)
		if p < phase {
			return referentialErrorf("change %s %s of %s is out of referential order", ch.Op, ch.Kind, ch.ID)
		}
		phase = p
	}

	deletedGroups := make(map[int]string)
	for _, ch := range cs {
		if ch.Kind == KindGroups && ch.Op == OpDelete {
			g, ok := ch.Before.(pihole.Group)
			if !ok {
				return referentialErrorf("group delete %s carries no live payload", ch.ID)
			}
			if g.ID != 0 {
				deletedGroups[g.ID] = g.Name
			}
		}
	}
	if len(deletedGroups) == 0 {
		return nil
	}

	check := func(kind Kind, id string, groups []int) error {
		for _, gid := range groups {
			if name, gone := deletedGroups[gid]; gone {
				return referentialErrorf("%s %s still references group %q scheduled for deletion", kind, id, name)
			}
		}
		return nil
	}

	for _, l := range inst.Lists {
		if err := check(KindLists, l.Address, l.Groups); err != nil {
			return err
		}
	}
	for _, d := range inst.Domains {
		if err := check(KindDomains, d.Domain, d.Groups); err != nil {
			return err
		}
	}
	for _, c := range inst.Clients {
		if err := check(KindClients, c.Client, c.Groups); err != nil {
			return err
		}
	}
	return nil
}

package reconcile

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/evanofslack/pihole-config-sync/config"
	"github.com/evanofslack/pihole-config-sync/pihole"
)

// Diff compares desired state against a live snapshot and produces the
// ordered change-set that reconciles live toward desired. Pure function:
// no I/O, deterministic given its inputs.
//
// A resource kind the instance does not manage (nil in desired state)
// produces no changes at all, so partial configs never delete anything.
// A managed-but-empty kind deletes every live item.
func Diff(inst *config.Instance, live *pihole.Snapshot) ChangeSet {
	var groupCU, groupDel, rest ChangeSet

	if inst.ManagesGroups() {
		cu, del := diffItems(KindGroups, inst.Groups, live.Groups, groupKey, groupsEqual)
		groupCU, groupDel = cu, del
	}
	if inst.ManagesLists() {
		cu, del := diffItems(KindLists, inst.Lists, live.Lists, listKey, listsEqual)
		rest = append(rest, cu...)
		rest = append(rest, del...)
	}
	if inst.ManagesDomains() {
		cu, del := diffItems(KindDomains, inst.Domains, live.Domains, domainKey, domainsEqual)
		rest = append(rest, cu...)
		rest = append(rest, del...)
	}
	if inst.ManagesClients() {
		cu, del := diffItems(KindClients, inst.Clients, live.Clients, clientKey, clientsEqual)
		rest = append(rest, cu...)
		rest = append(rest, del...)
	}

	cs := make(ChangeSet, 0, len(groupCU)+len(rest)+len(groupDel)+1)
	cs = append(cs, groupCU...)
	cs = append(cs, rest...)
	cs = append(cs, groupDel...)

	if inst.ManagesConfig() {
		after, before, changed := settingsDelta(inst.Config, live.Config)
		if changed {
			cs = append(cs, Change{
				Kind:   KindSettings,
				Op:     OpUpdate,
				ID:     "config",
				Before: before,
				After:  after,
			})
		}
	}
	return cs
}

func listKey(l pihole.List) string     { return l.Address }
func groupKey(g pihole.Group) string   { return g.Name }
func clientKey(c pihole.Client) string { return c.Client }

// Domain identity is (domain, kind): the same literal string may exist once
// as exact and once as regex. Direction is a compared field, so flipping
// allow/deny updates the rule in place.
func domainKey(d pihole.Domain) string { return d.Domain + "/" + string(d.Kind) }

func listsEqual(a, b pihole.List) bool {
	return a.Type == b.Type &&
		a.Comment == b.Comment &&
		a.Enabled == b.Enabled &&
		groupSetEqual(a.Groups, b.Groups)
}

func domainsEqual(a, b pihole.Domain) bool {
	return a.Type == b.Type &&
		a.Comment == b.Comment &&
		a.Enabled == b.Enabled &&
		groupSetEqual(a.Groups, b.Groups)
}

func groupsEqual(a, b pihole.Group) bool {
	return a.Comment == b.Comment && a.Enabled == b.Enabled
}

func clientsEqual(a, b pihole.Client) bool {
	return a.Comment == b.Comment && groupSetEqual(a.Groups, b.Groups)
}

// groupSetEqual compares memberships order-insensitively.
func groupSetEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]int(nil), a...)
	bs := append([]int(nil), b...)
	sort.Ints(as)
	sort.Ints(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// diffItems computes changes for one resource kind. Creates and updates
// follow desired declaration order, deletes follow live order, keeping the
// output deterministic. An identity collision keeps the first occurrence
// and logs the duplicate.
func diffItems[T any](
	kind Kind,
	desired, live []T,
	key func(T) string,
	equal func(a, b T) bool,
) (createsUpdates, deletes ChangeSet) {
	desiredByKey := make(map[string]T, len(desired))
	for _, item := range desired {
		k := key(item)
		if _, dup := desiredByKey[k]; dup {
			slog.Warn("Skipping duplicate desired item", "kind", kind, "id", k)
			continue
		}
		desiredByKey[k] = item
	}

	liveByKey := make(map[string]T, len(live))
	for _, item := range live {
		k := key(item)
		if _, dup := liveByKey[k]; dup {
			slog.Warn("Skipping duplicate live item", "kind", kind, "id", k)
			continue
		}
		liveByKey[k] = item
	}

	seen := make(map[string]bool, len(desired))
	for _, item := range desired {
		k := key(item)
		if seen[k] {
			continue
		}
		seen[k] = true

		liveItem, exists := liveByKey[k]
		switch {
		case !exists:
			createsUpdates = append(createsUpdates, Change{Kind: kind, Op: OpCreate, ID: k, After: item})
		case !equal(item, liveItem):
			createsUpdates = append(createsUpdates, Change{Kind: kind, Op: OpUpdate, ID: k, Before: liveItem, After: item})
		}
	}

	deleted := make(map[string]bool, len(live))
	for _, item := range live {
		k := key(item)
		if deleted[k] {
			continue
		}
		deleted[k] = true

		if _, exists := desiredByKey[k]; !exists {
			deletes = append(deletes, Change{Kind: kind, Op: OpDelete, ID: k, Before: item})
		}
	}
	return createsUpdates, deletes
}

// settingsDelta walks the desired settings tree and returns the partial
// trees of differing keys (desired values in after, live values in before).
// Keys absent from desired are left untouched; settings are only ever
// updated, never deleted. List values compare as sets so reordering is not
// a difference.
func settingsDelta(desired, live any) (after, before any, changed bool) {
	switch d := desired.(type) {
	case map[string]any:
		liveMap, ok := toStringMap(live)
		if !ok {
			return desired, live, true
		}
		afterMap := make(map[string]any)
		beforeMap := make(map[string]any)
		for k, v := range d {
			subAfter, subBefore, subChanged := settingsDelta(v, liveMap[k])
			if subChanged {
				afterMap[k] = subAfter
				beforeMap[k] = subBefore
			}
		}
		if len(afterMap) == 0 {
			return nil, nil, false
		}
		return afterMap, beforeMap, true

	case pihole.Settings:
		return settingsDelta(map[string]any(d), live)

	case []any:
		liveList, _ := live.([]any)
		if !valueSetEqual(d, liveList) {
			return desired, live, true
		}
		return nil, nil, false

	default:
		if !scalarEqual(desired, live) {
			return desired, live, true
		}
		return nil, nil, false
	}
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case pihole.Settings:
		return m, true
	case nil:
		return map[string]any{}, true
	default:
		return nil, false
	}
}

// valueSetEqual treats two lists as equal when they contain the same
// elements regardless of order.
func valueSetEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, v := range a {
		counts[canonical(v)]++
	}
	for _, v := range b {
		counts[canonical(v)]--
	}
	for _, n := range counts {
		if n != 0 {
			return false
		}
	}
	return true
}

// scalarEqual compares leaf values, treating YAML ints and JSON floats that
// hold the same number as equal.
func scalarEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// canonical renders a value as a stable string so nested structures can be
// compared and counted.
func canonical(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+canonical(t[k]))
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, canonical(item))
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		if f, ok := toFloat(v); ok {
			return fmt.Sprintf("%v", f)
		}
		return fmt.Sprintf("%v", v)
	}
}

package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/evanofslack/pihole-config-sync/config"
	"github.com/evanofslack/pihole-config-sync/metrics"
	"github.com/evanofslack/pihole-config-sync/pihole"
)

// mockAPI implements PiholeAPI and records every call in order. failOn maps
// a method name to the error it should return.
type mockAPI struct {
	calls  []string
	failOn map[string]error

	config  pihole.Settings
	lists   []pihole.List
	domains []pihole.Domain
	groups  []pihole.Group
	clients []pihole.Client
}

func newMockAPI() *mockAPI {
	return &mockAPI{failOn: make(map[string]error)}
}

func (m *mockAPI) record(method string) error {
	m.calls = append(m.calls, method)
	return m.failOn[method]
}

func (m *mockAPI) count(method string) int {
	n := 0
	for _, c := range m.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (m *mockAPI) mutations() int {
	n := 0
	for _, c := range m.calls {
		switch c {
		case "Authenticate", "Close",
			"FetchConfig", "FetchLists", "FetchDomains", "FetchGroups", "FetchClients":
		default:
			n++
		}
	}
	return n
}

func (m *mockAPI) Authenticate(ctx context.Context) error { return m.record("Authenticate") }
func (m *mockAPI) Close(ctx context.Context)              { m.record("Close") }

func (m *mockAPI) FetchConfig(ctx context.Context) (pihole.Settings, error) {
	return m.config, m.record("FetchConfig")
}

func (m *mockAPI) FetchLists(ctx context.Context) ([]pihole.List, error) {
	return m.lists, m.record("FetchLists")
}

func (m *mockAPI) FetchDomains(ctx context.Context) ([]pihole.Domain, error) {
	return m.domains, m.record("FetchDomains")
}

func (m *mockAPI) FetchGroups(ctx context.Context) ([]pihole.Group, error) {
	return m.groups, m.record("FetchGroups")
}

func (m *mockAPI) FetchClients(ctx context.Context) ([]pihole.Client, error) {
	return m.clients, m.record("FetchClients")
}

func (m *mockAPI) CreateList(ctx context.Context, l pihole.List) error {
	if err := m.record("CreateList"); err != nil {
		return err
	}
	m.lists = append(m.lists, l)
	return nil
}

func (m *mockAPI) UpdateList(ctx context.Context, l pihole.List) error {
	if err := m.record("UpdateList"); err != nil {
		return err
	}
	for i := range m.lists {
		if m.lists[i].Address == l.Address {
			m.lists[i] = l
		}
	}
	return nil
}

func (m *mockAPI) DeleteList(ctx context.Context, address string, t pihole.ListType) error {
	if err := m.record("DeleteList"); err != nil {
		return err
	}
	kept := m.lists[:0]
	for _, l := range m.lists {
		if l.Address != address {
			kept = append(kept, l)
		}
	}
	m.lists = kept
	return nil
}

func (m *mockAPI) CreateDomain(ctx context.Context, d pihole.Domain) error {
	if err := m.record("CreateDomain"); err != nil {
		return err
	}
	m.domains = append(m.domains, d)
	return nil
}

func (m *mockAPI) UpdateDomain(ctx context.Context, d pihole.Domain) error {
	if err := m.record("UpdateDomain"); err != nil {
		return err
	}
	for i := range m.domains {
		if m.domains[i].Domain == d.Domain && m.domains[i].Kind == d.Kind {
			m.domains[i] = d
		}
	}
	return nil
}

func (m *mockAPI) DeleteDomain(ctx context.Context, domain string, t pihole.DomainType, k pihole.DomainKind) error {
	if err := m.record("DeleteDomain"); err != nil {
		return err
	}
	kept := m.domains[:0]
	for _, d := range m.domains {
		if d.Domain != domain || d.Kind != k {
			kept = append(kept, d)
		}
	}
	m.domains = kept
	return nil
}

func (m *mockAPI) CreateGroup(ctx context.Context, g pihole.Group) error {
	if err := m.record("CreateGroup"); err != nil {
		return err
	}
	m.groups = append(m.groups, g)
	return nil
}

func (m *mockAPI) UpdateGroup(ctx context.Context, g pihole.Group) error {
	if err := m.record("UpdateGroup"); err != nil {
		return err
	}
	for i := range m.groups {
		if m.groups[i].Name == g.Name {
			m.groups[i] = g
		}
	}
	return nil
}

func (m *mockAPI) DeleteGroup(ctx context.Context, name string) error {
	if err := m.record("DeleteGroup"); err != nil {
		return err
	}
	kept := m.groups[:0]
	for _, g := range m.groups {
		if g.Name != name {
			kept = append(kept, g)
		}
	}
	m.groups = kept
	return nil
}

func (m *mockAPI) CreateClient(ctx context.Context, c pihole.Client) error {
	if err := m.record("CreateClient"); err != nil {
		return err
	}
	m.clients = append(m.clients, c)
	return nil
}

func (m *mockAPI) UpdateClient(ctx context.Context, c pihole.Client) error {
	if err := m.record("UpdateClient"); err != nil {
		return err
	}
	for i := range m.clients {
		if m.clients[i].Client == c.Client {
			m.clients[i] = c
		}
	}
	return nil
}

func (m *mockAPI) DeleteClient(ctx context.Context, client string) error {
	if err := m.record("DeleteClient"); err != nil {
		return err
	}
	kept := m.clients[:0]
	for _, c := range m.clients {
		if c.Client != client {
			kept = append(kept, c)
		}
	}
	m.clients = kept
	return nil
}

func (m *mockAPI) UpdateConfig(ctx context.Context, partial pihole.Settings) error {
	return m.record("UpdateConfig")
}

func (m *mockAPI) TriggerGravity(ctx context.Context) error {
	return m.record("TriggerGravity")
}

func boolPtr(b bool) *bool { return &b }

func testInstance() *config.Instance {
	return &config.Instance{Name: "main", BaseURL: "http://pihole.local"}
}

func TestApplyDryRunNeverMutates(t *testing.T) {
	api := newMockAPI()
	inst := testInstance()
	inst.UpdateGravity = boolPtr(true)
	cs := ChangeSet{
		{Kind: KindGroups, Op: OpCreate, ID: "kids", After: pihole.Group{ID: 5, Name: "kids"}},
		{Kind: KindLists, Op: OpCreate, ID: "http://x/hosts", After: pihole.List{Address: "http://x/hosts", Type: pihole.ListDeny}},
		{Kind: KindLists, Op: OpDelete, ID: "http://old/hosts", Before: pihole.List{Address: "http://old/hosts", Type: pihole.ListDeny}},
	}

	report, err := NewApplier(api, metrics.New(false)).Apply(context.Background(), inst, cs, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := api.mutations(); got != 0 {
		t.Fatalf("dry run made %d mutating calls: %v", got, api.calls)
	}
	if !report.DryRun {
		t.Error("report should carry the dry-run flag")
	}
	if report.GravityTriggered {
		t.Error("dry run must never trigger gravity")
	}
	if report.Counts[KindLists].Created != 1 || report.Counts[KindLists].Deleted != 1 {
		t.Errorf("unexpected list counts: %+v", report.Counts[KindLists])
	}
	if report.Counts[KindGroups].Created != 1 {
		t.Errorf("unexpected group counts: %+v", report.Counts[KindGroups])
	}
}

func TestApplyOrdering(t *testing.T) {
	api := newMockAPI()
	inst := testInstance()
	cs := ChangeSet{
		{Kind: KindGroups, Op: OpCreate, ID: "kids", After: pihole.Group{ID: 5, Name: "kids"}},
		{Kind: KindLists, Op: OpCreate, ID: "http://x/hosts", After: pihole.List{Address: "http://x/hosts", Type: pihole.ListDeny, Groups: []int{5}}},
		{Kind: KindGroups, Op: OpDelete, ID: "stale", Before: pihole.Group{ID: 9, Name: "stale"}},
		{Kind: KindSettings, Op: OpUpdate, ID: "config", After: map[string]any{"dns": map[string]any{"dnssec": true}}},
	}

	report, err := NewApplier(api, metrics.New(false)).Apply(context.Background(), inst, cs, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Applied() != 4 {
		t.Fatalf("expected 4 applied changes, got %d", report.Applied())
	}
	want := []string{"CreateGroup", "CreateList", "DeleteGroup", "UpdateConfig"}
	if len(api.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, api.calls)
	}
	for i := range want {
		if api.calls[i] != want[i] {
			t.Fatalf("call %d: expected %s, got %s", i, want[i], api.calls[i])
		}
	}
}

func TestApplyRejectsOutOfOrderPlan(t *testing.T) {
	api := newMockAPI()
	inst := testInstance()
	cs := ChangeSet{
		{Kind: KindLists, Op: OpCreate, ID: "http://x/hosts", After: pihole.List{Address: "http://x/hosts", Type: pihole.ListDeny}},
		{Kind: KindGroups, Op: OpCreate, ID: "kids", After: pihole.Group{ID: 5, Name: "kids"}},
	}

	_, err := NewApplier(api, metrics.New(false)).Apply(context.Background(), inst, cs, false)
	var refErr *ReferentialError
	if !errors.As(err, &refErr) {
		t.Fatalf("expected ReferentialError, got %v", err)
	}
	if api.mutations() != 0 {
		t.Fatalf("invalid plan must fail before any mutation, got calls %v", api.calls)
	}
}

func TestApplyRejectsDanglingReferenceToDeletedGroup(t *testing.T) {
	api := newMockAPI()
	inst := testInstance()
	inst.Lists = []pihole.List{
		{Address: "http://x/hosts", Type: pihole.ListDeny, Groups: []int{9}, Enabled: true},
	}
	cs := ChangeSet{
		{Kind: KindGroups, Op: OpDelete, ID: "stale", Before: pihole.Group{ID: 9, Name: "stale"}},
	}

	_, err := NewApplier(api, metrics.New(false)).Apply(context.Background(), inst, cs, false)
	var refErr *ReferentialError
	if !errors.As(err, &refErr) {
		t.Fatalf("expected ReferentialError, got %v", err)
	}
	if api.mutations() != 0 {
		t.Fatalf("invalid plan must fail before any mutation, got calls %v", api.calls)
	}
}

func TestApplyRejectionIsolation(t *testing.T) {
	api := newMockAPI()
	api.failOn["CreateDomain"] = &pihole.RemoteRejectedError{
		Op: "create domain", Target: "bad[regex", Reason: "invalid expression",
	}
	inst := testInstance()
	cs := ChangeSet{
		{Kind: KindDomains, Op: OpCreate, ID: "bad[regex/regex", After: pihole.Domain{Domain: "bad[regex", Type: pihole.DomainDeny, Kind: pihole.KindRegex}},
		{Kind: KindClients, Op: OpCreate, ID: "192.168.1.5", After: pihole.Client{Client: "192.168.1.5"}},
	}

	report, err := NewApplier(api, metrics.New(false)).Apply(context.Background(), inst, cs, false)
	if err != nil {
		t.Fatalf("a rejected change must not fail the pass: %v", err)
	}
	if api.count("CreateClient") != 1 {
		t.Fatalf("remaining changes must still apply, got calls %v", api.calls)
	}
	if len(report.Failures) != 1 || report.Failures[0].ID != "bad[regex/regex" {
		t.Fatalf("unexpected failures: %+v", report.Failures)
	}
	if report.Counts[KindClients].Created != 1 {
		t.Errorf("unexpected client counts: %+v", report.Counts[KindClients])
	}
}

func TestApplyTransportErrorAborts(t *testing.T) {
	api := newMockAPI()
	api.failOn["CreateDomain"] = &pihole.TransportError{
		URL: "http://pihole.local/api/domains", Err: errors.New("connection refused"),
	}
	inst := testInstance()
	cs := ChangeSet{
		{Kind: KindLists, Op: OpCreate, ID: "http://x/hosts", After: pihole.List{Address: "http://x/hosts", Type: pihole.ListDeny}},
		{Kind: KindDomains, Op: OpCreate, ID: "a.example.com/exact", After: pihole.Domain{Domain: "a.example.com", Type: pihole.DomainDeny, Kind: pihole.KindExact}},
		{Kind: KindClients, Op: OpCreate, ID: "192.168.1.5", After: pihole.Client{Client: "192.168.1.5"}},
	}

	report, err := NewApplier(api, metrics.New(false)).Apply(context.Background(), inst, cs, false)
	var transport *pihole.TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if api.count("CreateClient") != 0 {
		t.Fatalf("changes after a transport failure must not be attempted, got calls %v", api.calls)
	}
	if report.Counts[KindLists].Created != 1 {
		t.Errorf("changes applied before the failure should be counted: %+v", report.Counts)
	}
}

func TestApplyGravity(t *testing.T) {
	tests := []struct {
		name          string
		gravity       bool
		cs            ChangeSet
		expectTrigger bool
	}{
		{
			name:    "triggered once after list and domain changes",
			gravity: true,
			cs: ChangeSet{
				{Kind: KindLists, Op: OpCreate, ID: "http://x/hosts", After: pihole.List{Address: "http://x/hosts", Type: pihole.ListDeny}},
				{Kind: KindDomains, Op: OpCreate, ID: "a.example.com/exact", After: pihole.Domain{Domain: "a.example.com", Type: pihole.DomainDeny, Kind: pihole.KindExact}},
			},
			expectTrigger: true,
		},
		{
			name:    "not triggered when only clients change",
			gravity: true,
			cs: ChangeSet{
				{Kind: KindClients, Op: OpCreate, ID: "192.168.1.5", After: pihole.Client{Client: "192.168.1.5"}},
			},
			expectTrigger: false,
		},
		{
			name:    "not triggered when disabled",
			gravity: false,
			cs: ChangeSet{
				{Kind: KindLists, Op: OpCreate, ID: "http://x/hosts", After: pihole.List{Address: "http://x/hosts", Type: pihole.ListDeny}},
			},
			expectTrigger: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newMockAPI()
			inst := testInstance()
			inst.UpdateGravity = boolPtr(tt.gravity)

			report, err := NewApplier(api, metrics.New(false)).Apply(context.Background(), inst, tt.cs, false)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			triggers := api.count("TriggerGravity")
			if tt.expectTrigger && triggers != 1 {
				t.Fatalf("expected exactly one gravity trigger, got %d", triggers)
			}
			if !tt.expectTrigger && triggers != 0 {
				t.Fatalf("expected no gravity trigger, got %d", triggers)
			}
			if report.GravityTriggered != tt.expectTrigger {
				t.Errorf("report gravity flag: expected %v, got %v", tt.expectTrigger, report.GravityTriggered)
			}
		})
	}
}

func TestApplyGravitySkippedWhenNothingApplied(t *testing.T) {
	api := newMockAPI()
	api.failOn["CreateList"] = &pihole.RemoteRejectedError{
		Op: "create list", Target: "http://x/hosts", Reason: "invalid address",
	}
	inst := testInstance()
	inst.UpdateGravity = boolPtr(true)
	cs := ChangeSet{
		{Kind: KindLists, Op: OpCreate, ID: "http://x/hosts", After: pihole.List{Address: "http://x/hosts", Type: pihole.ListDeny}},
	}

	report, err := NewApplier(api, metrics.New(false)).Apply(context.Background(), inst, cs, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.count("TriggerGravity") != 0 {
		t.Fatal("gravity must not rebuild when every relevant change failed")
	}
	if report.GravityTriggered {
		t.Error("report must not claim a gravity rebuild")
	}
}

func TestApplyGravityFailureRecorded(t *testing.T) {
	api := newMockAPI()
	api.failOn["TriggerGravity"] = &pihole.RemoteRejectedError{
		Op: "trigger gravity", Target: "gravity", Reason: "busy",
	}
	inst := testInstance()
	inst.UpdateGravity = boolPtr(true)
	cs := ChangeSet{
		{Kind: KindLists, Op: OpCreate, ID: "http://x/hosts", After: pihole.List{Address: "http://x/hosts", Type: pihole.ListDeny}},
	}

	report, err := NewApplier(api, metrics.New(false)).Apply(context.Background(), inst, cs, false)
	if err != nil {
		t.Fatalf("a gravity failure must not fail the pass: %v", err)
	}
	if report.GravityTriggered {
		t.Error("failed rebuild must not be reported as triggered")
	}
	found := false
	for _, f := range report.Failures {
		if f.Kind == "gravity" {
			found = true
		}
	}
	if !found {
		t.Errorf("gravity failure missing from report: %+v", report.Failures)
	}
}

// Applying a change-set and diffing again against the resulting live state
// must yield nothing.
func TestApplyThenDiffIsEmpty(t *testing.T) {
	api := newMockAPI()
	api.groups = []pihole.Group{{ID: 9, Name: "stale", Enabled: true}}
	api.lists = []pihole.List{
		{Address: "http://old/hosts", Type: pihole.ListDeny, Groups: []int{0}, Enabled: true},
	}

	inst := testInstance()
	inst.Groups = []pihole.Group{{ID: 5, Name: "kids", Enabled: true}}
	inst.Lists = []pihole.List{
		{Address: "http://x/hosts", Type: pihole.ListDeny, Groups: []int{5}, Enabled: true},
	}
	inst.Domains = []pihole.Domain{
		{Domain: "ads.example.com", Type: pihole.DomainDeny, Kind: pihole.KindExact, Groups: []int{0}, Enabled: true},
	}

	live := &pihole.Snapshot{Groups: api.groups, Lists: api.lists, Domains: api.domains}
	cs := Diff(inst, live)
	if cs.IsEmpty() {
		t.Fatal("expected a non-empty change-set")
	}

	if _, err := NewApplier(api, metrics.New(false)).Apply(context.Background(), inst, cs, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after := &pihole.Snapshot{Groups: api.groups, Lists: api.lists, Domains: api.domains}
	if again := Diff(inst, after); !again.IsEmpty() {
		t.Fatalf("second pass should be a no-op, got %+v", again)
	}
}

package reconcile

import "fmt"

// Kind is a managed resource kind.
type Kind string

const (
	KindGroups   Kind = "groups"
	KindLists    Kind = "lists"
	KindDomains  Kind = "domains"
	KindClients  Kind = "clients"
	KindSettings Kind = "settings"
)

// Op is a change operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one create/update/delete against a single resource. Before is
// nil for creates, After is nil for deletes. Updates carry the full desired
// payload, not a field-level patch; the remote API replaces whole objects.
type Change struct {
	Kind   Kind   `json:"kind" yaml:"kind"`
	Op     Op     `json:"op" yaml:"op"`
	ID     string `json:"id" yaml:"id"`
	Before any    `json:"before,omitempty" yaml:"before,omitempty"`
	After  any    `json:"after,omitempty" yaml:"after,omitempty"`
}

// ChangeSet is the ordered plan for one instance, produced and consumed
// within a single reconciliation pass. Order is apply-safe: group
// creates/updates first, then lists, domains and clients, then group
// deletes, then the settings update.
type ChangeSet []Change

func (cs ChangeSet) IsEmpty() bool { return len(cs) == 0 }

// ListDomainChanges counts changes that affect gravity (lists and domains).
func (cs ChangeSet) ListDomainChanges() int {
	n := 0
	for _, ch := range cs {
		if ch.Kind == KindLists || ch.Kind == KindDomains {
			n++
		}
	}
	return n
}

// Counts tallies applied operations for one resource kind.
type Counts struct {
	Created int `json:"created" yaml:"created"`
	Updated int `json:"updated" yaml:"updated"`
	Deleted int `json:"deleted" yaml:"deleted"`
}

func (c *Counts) bump(op Op) {
	switch op {
	case OpCreate:
		c.Created++
	case OpUpdate:
		c.Updated++
	case OpDelete:
		c.Deleted++
	}
}

// Failure records a single change the remote side refused.
type Failure struct {
	Kind  Kind   `json:"kind" yaml:"kind"`
	Op    Op     `json:"op" yaml:"op"`
	ID    string `json:"id" yaml:"id"`
	Error string `json:"error" yaml:"error"`
}

// ApplyReport summarises one instance's apply. Serialisable for logging and
// telemetry.
type ApplyReport struct {
	Instance         string          `json:"instance" yaml:"instance"`
	DryRun           bool            `json:"dryRun" yaml:"dryRun"`
	Counts           map[Kind]Counts `json:"counts" yaml:"counts"`
	Failures         []Failure       `json:"failures,omitempty" yaml:"failures,omitempty"`
	GravityTriggered bool            `json:"gravityTriggered" yaml:"gravityTriggered"`
}

func newReport(instance string, dryRun bool) *ApplyReport {
	return &ApplyReport{
		Instance: instance,
		DryRun:   dryRun,
		Counts:   make(map[Kind]Counts),
	}
}

func (r *ApplyReport) count(kind Kind, op Op) {
	c := r.Counts[kind]
	c.bump(op)
	r.Counts[kind] = c
}

func (r *ApplyReport) fail(ch Change, err error) {
	r.Failures = append(r.Failures, Failure{
		Kind:  ch.Kind,
		Op:    ch.Op,
		ID:    ch.ID,
		Error: err.Error(),
	})
}

// Applied reports the number of successfully applied changes.
func (r *ApplyReport) Applied() int {
	n := 0
	for _, c := range r.Counts {
		n += c.Created + c.Updated + c.Deleted
	}
	return n
}

// Result is the outcome for one instance within a pass. Err is set when the
// instance failed as a whole (unreachable, rejected credentials, invalid
// plan); Report may still hold partial progress.
type Result struct {
	Instance string       `json:"instance" yaml:"instance"`
	Report   *ApplyReport `json:"report,omitempty" yaml:"report,omitempty"`
	Err      error        `json:"-" yaml:"-"`
}

// ReferentialError is a delete-ordering or dangling-reference problem found
// while validating a change-set. It fails the whole set for the instance
// before any mutation is sent.
type ReferentialError struct {
	Msg string
}

func (e *ReferentialError) Error() string { return e.Msg }

func referentialErrorf(format string, args ...any) *ReferentialError {
	return &ReferentialError{Msg: fmt.Sprintf(format, args...)}
}

package pihole

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ListType is the direction of a subscribed list.
type ListType string

const (
	ListAllow ListType = "allow"
	ListDeny  ListType = "deny"
)

// DomainType is the direction of a domain rule.
type DomainType string

const (
	DomainAllow DomainType = "allow"
	DomainDeny  DomainType = "deny"
)

// DomainKind distinguishes literal matches from regex rules.
type DomainKind string

const (
	KindExact DomainKind = "exact"
	KindRegex DomainKind = "regex"
)

// List is a subscribed block/allow list.
type List struct {
	Address string   `yaml:"address" json:"address"`
	Type    ListType `yaml:"type" json:"type"`
	Comment string   `yaml:"comment,omitempty" json:"comment"`
	Groups  []int    `yaml:"groups,omitempty" json:"groups"`
	Enabled bool     `yaml:"enabled" json:"enabled"`
}

// Domain is a single allow/deny rule, exact or regex.
type Domain struct {
	Domain  string     `yaml:"domain" json:"domain"`
	Type    DomainType `yaml:"type" json:"type"`
	Kind    DomainKind `yaml:"kind" json:"kind"`
	Comment string     `yaml:"comment,omitempty" json:"comment"`
	Groups  []int      `yaml:"groups,omitempty" json:"groups"`
	Enabled bool       `yaml:"enabled" json:"enabled"`
}

// Group is a client group. ID is assigned by the Pi-hole; desired-state
// groups may declare it so lists/domains/clients can reference them.
type Group struct {
	ID      int    `yaml:"id,omitempty" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Comment string `yaml:"comment,omitempty" json:"comment"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// Client is a client definition (IP, MAC, hostname or CIDR).
type Client struct {
	Client  string `yaml:"client" json:"client"`
	Comment string `yaml:"comment,omitempty" json:"comment"`
	Groups  []int  `yaml:"groups,omitempty" json:"groups"`
}

// Settings is the Pi-hole configuration tree. Keys absent from desired
// state are left untouched on the remote side.
type Settings map[string]any

// Snapshot is the live state fetched from one instance. Nil fields were not
// fetched (the corresponding resource kind is not managed). Snapshots are
// read-only and never reused across reconciliation passes.
type Snapshot struct {
	Config  Settings
	Lists   []List
	Domains []Domain
	Groups  []Group
	Clients []Client
}

// UnmarshalYAML applies desired-state defaults: enabled is true and group
// membership is the default group unless said otherwise.
func (l *List) UnmarshalYAML(value *yaml.Node) error {
	type plain List
	p := plain{Enabled: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*l = List(p)
	if l.Groups == nil {
		l.Groups = []int{0}
	}
	if l.Type == "" {
		l.Type = ListDeny
	}
	return nil
}

func (d *Domain) UnmarshalYAML(value *yaml.Node) error {
	type plain Domain
	p := plain{Enabled: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*d = Domain(p)
	if d.Groups == nil {
		d.Groups = []int{0}
	}
	if d.Type == "" {
		d.Type = DomainDeny
	}
	if d.Kind == "" {
		d.Kind = KindExact
	}
	return nil
}

func (g *Group) UnmarshalYAML(value *yaml.Node) error {
	type plain Group
	p := plain{Enabled: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*g = Group(p)
	return nil
}

func (c *Client) UnmarshalYAML(value *yaml.Node) error {
	type plain Client
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Client(p)
	if c.Groups == nil {
		c.Groups = []int{0}
	}
	return nil
}

// Validate checks enum fields on desired-state resources.
func (l List) Validate() error {
	if l.Address == "" {
		return fmt.Errorf("list missing address")
	}
	switch l.Type {
	case ListAllow, ListDeny:
	default:
		return fmt.Errorf("list %s: unknown type %q", l.Address, l.Type)
	}
	return nil
}

func (d Domain) Validate() error {
	if d.Domain == "" {
		return fmt.Errorf("domain entry missing domain")
	}
	switch d.Type {
	case DomainAllow, DomainDeny:
	default:
		return fmt.Errorf("domain %s: unknown type %q", d.Domain, d.Type)
	}
	switch d.Kind {
	case KindExact, KindRegex:
	default:
		return fmt.Errorf("domain %s: unknown kind %q", d.Domain, d.Kind)
	}
	return nil
}

func (g Group) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("group missing name")
	}
	return nil
}

func (c Client) Validate() error {
	if c.Client == "" {
		return fmt.Errorf("client entry missing client identifier")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evanofslack/pihole-config-sync/pihole"
)

const (
	// DefaultInterval between reconciliation passes in daemon mode.
	DefaultInterval = 300 * time.Second
	defaultTimeout  = 30 * time.Second
	defaultLogLevel = "info"
	defaultLogEnv   = "prod"

	envInterval = "PIHOLE_SYNC_INTERVAL"
	envDryRun   = "PIHOLE_SYNC_DRY_RUN"
)

// ValidationError is a configuration problem: malformed desired state, a
// dangling group reference, a duplicate identity, an unknown instance name.
// Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

type Config struct {
	Global    Global     `yaml:"global"`
	Instances []Instance `yaml:"instances"`
}

type Global struct {
	DaemonInterval *int   `yaml:"daemon_interval"` // seconds
	DryRun         *bool  `yaml:"dry_run"`
	Timeout        *int   `yaml:"timeout"` // seconds
	VerifySSL      *bool  `yaml:"verify_ssl"`
	UpdateGravity  *bool  `yaml:"update_gravity"`
	Password       string `yaml:"password"`
	PasswordEnv    string `yaml:"password_env"`
	MetricsAddr    string `yaml:"metrics_addr"`
	HistoryPath    string `yaml:"history_path"`
	Log            Log    `yaml:"log"`
}

type Log struct {
	Level string `yaml:"level"`
	Env   string `yaml:"env"`
}

// Probe is an optional post-sync resolution check against the instance's
// DNS server.
type Probe struct {
	Server string `yaml:"server"`
	Domain string `yaml:"domain"`
}

// Instance is one managed Pi-hole plus its desired state. A nil resource
// slice (or nil Config map) means that kind is not managed for the instance
// and no deletes are ever emitted for it; present but empty means fully
// managed.
type Instance struct {
	Name          string `yaml:"name"`
	BaseURL       string `yaml:"base_url"`
	Password      string `yaml:"password"`
	PasswordEnv   string `yaml:"password_env"`
	Timeout       *int   `yaml:"timeout"`
	VerifySSL     *bool  `yaml:"verify_ssl"`
	UpdateGravity *bool  `yaml:"update_gravity"`
	Probe         *Probe `yaml:"probe"`

	Config  pihole.Settings `yaml:"config"`
	Lists   []pihole.List   `yaml:"lists"`
	Domains []pihole.Domain `yaml:"domains"`
	Groups  []pihole.Group  `yaml:"groups"`
	Clients []pihole.Client `yaml:"clients"`
}

func (i *Instance) ManagesConfig() bool  { return i.Config != nil }
func (i *Instance) ManagesLists() bool   { return i.Lists != nil }
func (i *Instance) ManagesDomains() bool { return i.Domains != nil }
func (i *Instance) ManagesGroups() bool  { return i.Groups != nil }
func (i *Instance) ManagesClients() bool { return i.Clients != nil }

func (i *Instance) GravityEnabled() bool {
	return i.UpdateGravity != nil && *i.UpdateGravity
}

func (i *Instance) RequestTimeout() time.Duration {
	if i.Timeout != nil {
		return time.Duration(*i.Timeout) * time.Second
	}
	return defaultTimeout
}

func (i *Instance) TLSVerify() bool {
	return i.VerifySSL == nil || *i.VerifySSL
}

// ResolvePassword supports three forms, in order: the ${VAR} environment
// syntax, a direct value, and a password_env variable name.
func (i *Instance) ResolvePassword() (string, error) {
	if strings.HasPrefix(i.Password, "${") && strings.HasSuffix(i.Password, "}") {
		name := i.Password[2 : len(i.Password)-1]
		if v := os.Getenv(name); v != "" {
			return v, nil
		}
		return "", validationErrorf("instance %q: environment variable %s is not set", i.Name, name)
	}
	if i.Password != "" {
		return i.Password, nil
	}
	if i.PasswordEnv != "" {
		if v := os.Getenv(i.PasswordEnv); v != "" {
			return v, nil
		}
		return "", validationErrorf("instance %q: environment variable %s is not set", i.Name, i.PasswordEnv)
	}
	return "", validationErrorf("instance %q has no password configured, set password, password_env or use ${ENV_VAR} syntax", i.Name)
}

// PiholeConfig builds the facade connection parameters for this instance.
func (i *Instance) PiholeConfig() (pihole.Config, error) {
	password, err := i.ResolvePassword()
	if err != nil {
		return pihole.Config{}, err
	}
	return pihole.Config{
		BaseURL:   strings.TrimRight(i.BaseURL, "/"),
		Password:  password,
		Timeout:   i.RequestTimeout(),
		VerifySSL: i.TLSVerify(),
	}, nil
}

// Load reads, merges and validates the configuration file. Any error here
// is fatal for the whole run.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	cfg.mergeGlobal()

	for idx := range cfg.Instances {
		normalised, err := pihole.NormalizeSettings(cfg.Instances[idx].Config)
		if err != nil {
			return nil, validationErrorf("instance %q: %v", cfg.Instances[idx].Name, err)
		}
		cfg.Instances[idx].Config = normalised
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("PIHOLE_SYNC_LOG_LEVEL"); level != "" {
		c.Global.Log.Level = level
	}
	if env := os.Getenv("PIHOLE_SYNC_LOG_ENV"); env != "" {
		c.Global.Log.Env = env
	}
	if addr := os.Getenv("PIHOLE_SYNC_METRICS_ADDR"); addr != "" {
		c.Global.MetricsAddr = addr
	}
	if path := os.Getenv("PIHOLE_SYNC_HISTORY_PATH"); path != "" {
		c.Global.HistoryPath = path
	}
}

func (c *Config) applyDefaults() {
	if c.Global.Log.Level == "" {
		c.Global.Log.Level = defaultLogLevel
	}
	if c.Global.Log.Env == "" {
		c.Global.Log.Env = defaultLogEnv
	}
}

// mergeGlobal applies global connection settings to instances that do not
// override them. Daemon-only settings never merge down.
func (c *Config) mergeGlobal() {
	for idx := range c.Instances {
		inst := &c.Instances[idx]
		if inst.Timeout == nil {
			inst.Timeout = c.Global.Timeout
		}
		if inst.VerifySSL == nil {
			inst.VerifySSL = c.Global.VerifySSL
		}
		if inst.UpdateGravity == nil {
			inst.UpdateGravity = c.Global.UpdateGravity
		}
		if inst.Password == "" && inst.PasswordEnv == "" {
			inst.Password = c.Global.Password
			inst.PasswordEnv = c.Global.PasswordEnv
		}
	}
}

// Validate checks instance identity, connection parameters, resource enums,
// duplicate identities within desired state and dangling group references.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for idx := range c.Instances {
		inst := &c.Instances[idx]
		if inst.Name == "" {
			return validationErrorf("instance at index %d missing required name", idx)
		}
		if seen[inst.Name] {
			return validationErrorf("duplicate instance name %q", inst.Name)
		}
		seen[inst.Name] = true

		if inst.BaseURL == "" {
			return validationErrorf("instance %q missing required base_url", inst.Name)
		}
		if _, err := inst.ResolvePassword(); err != nil {
			return err
		}
		if err := inst.validateResources(); err != nil {
			return err
		}
	}
	return nil
}

func (i *Instance) validateResources() error {
	listKeys := make(map[string]bool)
	for _, l := range i.Lists {
		if err := l.Validate(); err != nil {
			return validationErrorf("instance %q: %v", i.Name, err)
		}
		if listKeys[l.Address] {
			return validationErrorf("instance %q: duplicate list %s", i.Name, l.Address)
		}
		listKeys[l.Address] = true
	}

	domainKeys := make(map[string]bool)
	for _, d := range i.Domains {
		if err := d.Validate(); err != nil {
			return validationErrorf("instance %q: %v", i.Name, err)
		}
		key := d.Domain + "/" + string(d.Kind)
		if domainKeys[key] {
			return validationErrorf("instance %q: duplicate domain %s (%s)", i.Name, d.Domain, d.Kind)
		}
		domainKeys[key] = true
	}

	groupKeys := make(map[string]bool)
	for _, g := range i.Groups {
		if err := g.Validate(); err != nil {
			return validationErrorf("instance %q: %v", i.Name, err)
		}
		if groupKeys[g.Name] {
			return validationErrorf("instance %q: duplicate group %s", i.Name, g.Name)
		}
		groupKeys[g.Name] = true
	}

	clientKeys := make(map[string]bool)
	for _, cl := range i.Clients {
		if err := cl.Validate(); err != nil {
			return validationErrorf("instance %q: %v", i.Name, err)
		}
		if clientKeys[cl.Client] {
			return validationErrorf("instance %q: duplicate client %s", i.Name, cl.Client)
		}
		clientKeys[cl.Client] = true
	}

	return i.validateGroupReferences()
}

// validateGroupReferences rejects membership of a group that is not declared
// in desired state. Group 0 is the Pi-hole built-in default and always
// valid. When groups are not managed the remote set is unknown, so
// references are left for the remote side to judge.
func (i *Instance) validateGroupReferences() error {
	if !i.ManagesGroups() {
		return nil
	}
	declared := map[int]bool{0: true}
	for _, g := range i.Groups {
		declared[g.ID] = true
	}

	check := func(kind, id string, groups []int) error {
		for _, gid := range groups {
			if !declared[gid] {
				return validationErrorf("instance %q: %s %s references undeclared group %d", i.Name, kind, id, gid)
			}
		}
		return nil
	}

	for _, l := range i.Lists {
		if err := check("list", l.Address, l.Groups); err != nil {
			return err
		}
	}
	for _, d := range i.Domains {
		if err := check("domain", d.Domain, d.Groups); err != nil {
			return err
		}
	}
	for _, cl := range i.Clients {
		if err := check("client", cl.Client, cl.Groups); err != nil {
			return err
		}
	}
	return nil
}

// FilterInstances returns the instances matching name, or all of them when
// name is empty. An unknown name is a configuration error surfaced before
// any network activity.
func (c *Config) FilterInstances(name string) ([]Instance, error) {
	if name == "" {
		return c.Instances, nil
	}
	for _, inst := range c.Instances {
		if inst.Name == name {
			return []Instance{inst}, nil
		}
	}
	return nil, validationErrorf("no instance found with name %q", name)
}

// ResolveInterval resolves the daemon interval once at startup:
// CLI flag > global config > environment > built-in default.
func (c *Config) ResolveInterval(cliSet bool, cliSeconds int) time.Duration {
	if cliSet {
		return time.Duration(cliSeconds) * time.Second
	}
	if c.Global.DaemonInterval != nil {
		return time.Duration(*c.Global.DaemonInterval) * time.Second
	}
	if env := os.Getenv(envInterval); env != "" {
		if seconds, err := strconv.Atoi(env); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return DefaultInterval
}

// ResolveDryRun uses the same precedence chain as ResolveInterval.
func (c *Config) ResolveDryRun(cliSet bool, cli bool) bool {
	if cliSet {
		return cli
	}
	if c.Global.DryRun != nil {
		return *c.Global.DryRun
	}
	if env := os.Getenv(envDryRun); env != "" {
		return strings.EqualFold(env, "true")
	}
	return false
}

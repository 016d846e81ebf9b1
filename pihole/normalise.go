package pihole

import (
	"fmt"
	"strings"
)

// The Pi-hole stores local DNS hosts as "ip host" strings and CNAME records
// as "name,target" strings. Desired-state YAML uses structured maps for
// easier maintenance. Both sides are normalised to the structured form
// before comparison and converted back to wire strings on apply.

// NormalizeSettings normalises the dns.hosts and dns.cnameRecords entries of
// a settings tree in place and returns it.
func NormalizeSettings(cfg Settings) (Settings, error) {
	if cfg == nil {
		return nil, nil
	}
	dns, ok := cfg["dns"].(map[string]any)
	if !ok {
		return cfg, nil
	}
	if hosts, ok := dns["hosts"].([]any); ok {
		normalised, err := normalizeHosts(hosts)
		if err != nil {
			return nil, err
		}
		dns["hosts"] = normalised
	}
	if cnames, ok := dns["cnameRecords"].([]any); ok {
		normalised, err := normalizeCNAMEs(cnames)
		if err != nil {
			return nil, err
		}
		dns["cnameRecords"] = normalised
	}
	return cfg, nil
}

func normalizeHosts(hosts []any) ([]any, error) {
	out := make([]any, 0, len(hosts))
	for _, entry := range hosts {
		switch v := entry.(type) {
		case map[string]any:
			if v["ip"] == nil || v["host"] == nil {
				return nil, fmt.Errorf("host record must contain both ip and host keys")
			}
			out = append(out, map[string]any{"ip": v["ip"], "host": v["host"]})
		case string:
			ip, host, found := strings.Cut(v, " ")
			if !found {
				return nil, fmt.Errorf("failed to parse host entry %q", v)
			}
			out = append(out, map[string]any{"ip": ip, "host": strings.TrimSpace(host)})
		default:
			return nil, fmt.Errorf("failed to parse host entry %v", entry)
		}
	}
	return out, nil
}

func normalizeCNAMEs(cnames []any) ([]any, error) {
	out := make([]any, 0, len(cnames))
	for _, entry := range cnames {
		switch v := entry.(type) {
		case map[string]any:
			if v["name"] == nil || v["target"] == nil {
				return nil, fmt.Errorf("cname record must contain both name and target keys")
			}
			out = append(out, map[string]any{"name": v["name"], "target": v["target"]})
		case string:
			name, target, found := strings.Cut(v, ",")
			if !found {
				return nil, fmt.Errorf("failed to parse cname entry %q", v)
			}
			out = append(out, map[string]any{
				"name":   strings.TrimSpace(name),
				"target": strings.TrimSpace(target),
			})
		default:
			return nil, fmt.Errorf("failed to parse cname entry %v", entry)
		}
	}
	return out, nil
}

// toWireSettings converts normalised hosts/cnameRecords back to the string
// format the Pi-hole API expects. The input is a partial settings tree about
// to be sent as a config update.
func toWireSettings(cfg Settings) Settings {
	dns, ok := cfg["dns"].(map[string]any)
	if !ok {
		return cfg
	}
	if hosts, ok := dns["hosts"].([]any); ok {
		wire := make([]any, 0, len(hosts))
		for _, entry := range hosts {
			if m, ok := entry.(map[string]any); ok {
				wire = append(wire, fmt.Sprintf("%v %v", m["ip"], m["host"]))
			} else {
				wire = append(wire, entry)
			}
		}
		dns["hosts"] = wire
	}
	if cnames, ok := dns["cnameRecords"].([]any); ok {
		wire := make([]any, 0, len(cnames))
		for _, entry := range cnames {
			if m, ok := entry.(map[string]any); ok {
				wire = append(wire, fmt.Sprintf("%v,%v", m["name"], m["target"]))
			} else {
				wire = append(wire, entry)
			}
		}
		dns["cnameRecords"] = wire
	}
	return cfg
}

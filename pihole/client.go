package pihole

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/evanofslack/pihole-config-sync/metrics"
)

// Manager talks to the Pi-hole v6 REST API for a single instance. It is not
// safe for concurrent use and must not be shared across instances.
type Manager struct {
	baseURL string
	pass    string
	http    *retryablehttp.Client
	sid     string
	metrics *metrics.Metrics
}

// Config holds the connection parameters for one instance.
type Config struct {
	BaseURL   string
	Password  string
	Timeout   time.Duration
	VerifySSL bool
}

func New(cfg Config, m *metrics.Metrics) *Manager {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	rc.HTTPClient.Timeout = cfg.Timeout
	if !cfg.VerifySSL {
		rc.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Manager{
		baseURL: cfg.BaseURL,
		pass:    cfg.Password,
		http:    rc,
		metrics: m,
	}
}

// Authenticate opens an API session. Wrong credentials yield an AuthError.
func (c *Manager) Authenticate(ctx context.Context) error {
	body := map[string]string{"password": c.pass}
	var out struct {
		Session struct {
			Valid bool   `json:"valid"`
			SID   string `json:"sid"`
		} `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth", body, &out); err != nil {
		return err
	}
	if !out.Session.Valid {
		return &AuthError{URL: c.baseURL}
	}
	c.sid = out.Session.SID
	return nil
}

// Close ends the API session. Errors are logged, not returned; a leaked
// session expires on its own.
func (c *Manager) Close(ctx context.Context) {
	if c.sid == "" {
		return
	}
	if err := c.do(ctx, http.MethodDelete, "/api/auth", nil, nil); err != nil {
		slog.Debug("Failed to close pihole session", "url", c.baseURL, "error", err)
	}
	c.sid = ""
}

func (c *Manager) FetchConfig(ctx context.Context) (Settings, error) {
	var out struct {
		Config Settings `json:"config"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/config", nil, &out); err != nil {
		return nil, err
	}
	return NormalizeSettings(out.Config)
}

func (c *Manager) FetchLists(ctx context.Context) ([]List, error) {
	var out struct {
		Lists []List `json:"lists"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/lists", nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Lists {
		if out.Lists[i].Groups == nil {
			out.Lists[i].Groups = []int{0}
		}
	}
	return out.Lists, nil
}

func (c *Manager) FetchDomains(ctx context.Context) ([]Domain, error) {
	var out struct {
		Domains []Domain `json:"domains"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/domains", nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Domains {
		if out.Domains[i].Groups == nil {
			out.Domains[i].Groups = []int{0}
		}
	}
	return out.Domains, nil
}

func (c *Manager) FetchGroups(ctx context.Context) ([]Group, error) {
	var out struct {
		Groups []Group `json:"groups"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/groups", nil, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

func (c *Manager) FetchClients(ctx context.Context) ([]Client, error) {
	var out struct {
		Clients []Client `json:"clients"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/clients", nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Clients {
		if out.Clients[i].Groups == nil {
			out.Clients[i].Groups = []int{0}
		}
	}
	return out.Clients, nil
}

func (c *Manager) CreateList(ctx context.Context, l List) error {
	return c.mutate(ctx, http.MethodPost, "/api/lists", l, "create list "+l.Address)
}

func (c *Manager) UpdateList(ctx context.Context, l List) error {
	path := "/api/lists/" + url.PathEscape(l.Address)
	return c.mutate(ctx, http.MethodPut, path, l, "update list "+l.Address)
}

func (c *Manager) DeleteList(ctx context.Context, address string, t ListType) error {
	path := fmt.Sprintf("/api/lists/%s?type=%s", url.PathEscape(address), t)
	return c.mutate(ctx, http.MethodDelete, path, nil, "delete list "+address)
}

func (c *Manager) CreateDomain(ctx context.Context, d Domain) error {
	path := fmt.Sprintf("/api/domains/%s/%s", d.Type, d.Kind)
	return c.mutate(ctx, http.MethodPost, path, d, "create domain "+d.Domain)
}

func (c *Manager) UpdateDomain(ctx context.Context, d Domain) error {
	path := fmt.Sprintf("/api/domains/%s/%s/%s", d.Type, d.Kind, url.PathEscape(d.Domain))
	return c.mutate(ctx, http.MethodPut, path, d, "update domain "+d.Domain)
}

func (c *Manager) DeleteDomain(ctx context.Context, domain string, t DomainType, k DomainKind) error {
	path := fmt.Sprintf("/api/domains/%s/%s/%s", t, k, url.PathEscape(domain))
	return c.mutate(ctx, http.MethodDelete, path, nil, "delete domain "+domain)
}

func (c *Manager) CreateGroup(ctx context.Context, g Group) error {
	return c.mutate(ctx, http.MethodPost, "/api/groups", g, "create group "+g.Name)
}

func (c *Manager) UpdateGroup(ctx context.Context, g Group) error {
	path := "/api/groups/" + url.PathEscape(g.Name)
	return c.mutate(ctx, http.MethodPut, path, g, "update group "+g.Name)
}

func (c *Manager) DeleteGroup(ctx context.Context, name string) error {
	path := "/api/groups/" + url.PathEscape(name)
	return c.mutate(ctx, http.MethodDelete, path, nil, "delete group "+name)
}

func (c *Manager) CreateClient(ctx context.Context, cl Client) error {
	return c.mutate(ctx, http.MethodPost, "/api/clients", cl, "create client "+cl.Client)
}

func (c *Manager) UpdateClient(ctx context.Context, cl Client) error {
	path := "/api/clients/" + url.PathEscape(cl.Client)
	return c.mutate(ctx, http.MethodPut, path, cl, "update client "+cl.Client)
}

func (c *Manager) DeleteClient(ctx context.Context, client string) error {
	path := "/api/clients/" + url.PathEscape(client)
	return c.mutate(ctx, http.MethodDelete, path, nil, "delete client "+client)
}

// UpdateConfig patches the settings tree with only the keys that changed.
// Normalised hosts/cnameRecords are converted back to wire strings here.
func (c *Manager) UpdateConfig(ctx context.Context, partial Settings) error {
	body := map[string]any{"config": toWireSettings(partial)}
	return c.mutate(ctx, http.MethodPatch, "/api/config", body, "update config")
}

// TriggerGravity starts a gravity rebuild on the instance.
func (c *Manager) TriggerGravity(ctx context.Context) error {
	slog.Info("Triggering gravity rebuild", "url", c.baseURL)
	return c.mutate(ctx, http.MethodPost, "/api/action/gravity", nil, "gravity rebuild")
}

func (c *Manager) mutate(ctx context.Context, method, path string, body any, target string) error {
	start := time.Now()
	if err := c.do(ctx, method, path, body, nil); err != nil {
		return err
	}
	slog.Debug("Applied pihole mutation", "target", target, "duration", time.Since(start))
	return nil
}

func (c *Manager) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.sid != "" {
		req.Header.Set("X-FTL-SID", c.sid)
	}

	op := opForMethod(method)
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.IncPiholeRequest(op, false)
		return &TransportError{URL: c.baseURL, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.IncPiholeRequest(op, resp.StatusCode < 400)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{URL: c.baseURL}
	case resp.StatusCode >= 500:
		return &TransportError{URL: c.baseURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &RemoteRejectedError{
			Op:     method,
			Target: path,
			Reason: readAPIError(resp.Body),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response from %s: %w", path, err)
		}
	}
	return nil
}

func readAPIError(r io.Reader) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Hint    string `json:"hint"`
		} `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil || payload.Error.Message == "" {
		return "request rejected"
	}
	return payload.Error.Message
}

func opForMethod(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

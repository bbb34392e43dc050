// Package shotgrid talks to a ShotGrid-style REST API (v1) to find,
// create and attach files to entities.
package shotgrid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/modoterra/tripwire/pkg/ticket"
)

const (
	defaultUserAgent = "tripwire/0.1"
	defaultTimeout   = 30 * time.Second
	tokenSlack       = 30 * time.Second

	contentJSON   = "application/json"
	contentFilter = "application/vnd+shotgun.api3_array+json"
)

// Ensure Client implements ticket.Service at compile time.
var _ ticket.Service = (*Client)(nil)

// Config holds connection settings.
type Config struct {
	SiteURL    string
	ScriptName string
	APIKey     string
	Timeout    time.Duration
	UserAgent  string
}

// Client is a ShotGrid REST client authenticating with script credentials.
type Client struct {
	baseURL    *url.URL
	http       *http.Client
	userAgent  string
	scriptName string
	apiKey     string
	now        func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("api request failed with status %d: %s", e.Status, msg)
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	base, err := parseSiteURL(cfg.SiteURL)
	if err != nil {
		return nil, err
	}
	if cfg.ScriptName == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("script name and api key are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		baseURL:    base,
		http:       &http.Client{Timeout: timeout},
		userAgent:  ua,
		scriptName: cfg.ScriptName,
		apiKey:     cfg.APIKey,
		now:        time.Now,
	}, nil
}

type entityData struct {
	Type string `json:"type"`
	ID   int    `json:"id"`
}

// FindOne searches entityType for field == value and returns the first hit.
func (c *Client) FindOne(ctx context.Context, entityType, field string, value any) (ticket.Entity, error) {
	q := url.Values{}
	q.Set("page[size]", "1")
	q.Set("fields", "id")
	rel := &url.URL{Path: "/api/v1/entity/" + collection(entityType) + "/_search", RawQuery: q.Encode()}

	body := map[string]any{"filters": [][]any{{field, "is", value}}}
	var payload struct {
		Data []entityData `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, rel, contentFilter, body, &payload); err != nil {
		return ticket.Entity{}, fmt.Errorf("find %s by %s: %w", entityType, field, err)
	}
	if len(payload.Data) == 0 {
		return ticket.Entity{}, ticket.ErrNotFound
	}
	return toEntity(entityType, payload.Data[0])
}

// Create posts a new entity.
func (c *Client) Create(ctx context.Context, entityType string, fields map[string]any) (ticket.Entity, error) {
	rel := &url.URL{Path: "/api/v1/entity/" + collection(entityType)}
	var payload struct {
		Data entityData `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, rel, contentJSON, fields, &payload); err != nil {
		return ticket.Entity{}, fmt.Errorf("create %s: %w", entityType, err)
	}
	return toEntity(entityType, payload.Data)
}

type uploadTicket struct {
	Data  json.RawMessage `json:"data"`
	Links struct {
		Upload         string `json:"upload"`
		CompleteUpload string `json:"complete_upload"`
	} `json:"links"`
}

// Upload runs the three-step upload: request an upload URL, send the bytes,
// then register the upload against the entity field.
func (c *Client) Upload(ctx context.Context, e ticket.Entity, path, field string) error {
	name := filepath.Base(path)
	q := url.Values{}
	q.Set("filename", name)
	rel := &url.URL{
		Path:     fmt.Sprintf("/api/v1/entity/%s/%d/%s/_upload", collection(e.Type), e.ID, field),
		RawQuery: q.Encode(),
	}

	var tk uploadTicket
	if err := c.doJSON(ctx, http.MethodGet, rel, "", nil, &tk); err != nil {
		return fmt.Errorf("request upload url: %w", err)
	}
	if tk.Links.Upload == "" || tk.Links.CompleteUpload == "" {
		return fmt.Errorf("request upload url: missing upload links")
	}

	if err := c.put(ctx, tk.Links.Upload, path); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}

	complete, err := url.Parse(tk.Links.CompleteUpload)
	if err != nil {
		return fmt.Errorf("parse complete_upload link: %w", err)
	}
	body := map[string]any{
		"upload_info": tk.Data,
		"upload_data": map[string]any{"display_name": name},
	}
	if err := c.doJSON(ctx, http.MethodPost, complete, contentJSON, body, nil); err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	return nil
}

func (c *Client) put(ctx context.Context, link, path string) error {
	target, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("parse upload link: %w", err)
	}
	// Relative links point at the site's own storage and need the token;
	// absolute ones are pre-signed.
	internal := !target.IsAbs()
	target = c.baseURL.ResolveReference(target)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), f)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", c.userAgent)
	if internal {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method string, rel *url.URL, contentType string, body, dest any) error {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		raw = b
	}

	err := c.send(ctx, method, rel, contentType, raw, dest)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		c.invalidate()
		err = c.send(ctx, method, rel, contentType, raw, dest)
	}
	return err
}

func (c *Client) send(ctx context.Context, method string, rel *url.URL, contentType string, raw []byte, dest any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var rd io.Reader
	if raw != nil {
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", contentJSON)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Authorization", "Bearer "+token)
	if raw != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.scriptName)
	form.Set("client_secret", c.apiKey)

	rel := &url.URL{Path: "/api/v1/auth/access_token"}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.ResolveReference(rel).String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", contentJSON)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("authenticate: %w", decodeError(resp))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("authenticate: empty access token")
	}
	c.token = tok.AccessToken
	c.expires = c.now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenSlack)
	return c.token, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var payload struct {
		Errors []struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(body, &payload) == nil && len(payload.Errors) > 0 {
		apiErr.Title = payload.Errors[0].Title
		apiErr.Detail = payload.Errors[0].Detail
	} else {
		apiErr.Detail = strings.TrimSpace(string(body))
	}
	return apiErr
}

func toEntity(entityType string, d entityData) (ticket.Entity, error) {
	if d.ID <= 0 {
		return ticket.Entity{}, fmt.Errorf("%w: %s id %d", ticket.ErrInvalidEntity, entityType, d.ID)
	}
	typ := d.Type
	if typ == "" {
		typ = entityType
	}
	return ticket.Entity{Type: typ, ID: d.ID}, nil
}

// collection maps an entity type to its REST collection name,
// e.g. "Ticket" -> "tickets", "CustomEntity01" -> "custom_entity01s".
func collection(entityType string) string {
	var b strings.Builder
	for i, r := range entityType {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	b.WriteByte('s')
	return b.String()
}

func parseSiteURL(site string) (*url.URL, error) {
	trimmed := strings.TrimSpace(site)
	if trimmed == "" {
		return nil, fmt.Errorf("site url is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse site url %q: %w", site, err)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

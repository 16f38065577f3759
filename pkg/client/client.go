package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/clinicaccess/pkg/api"
	"github.com/platinummonkey/clinicaccess/pkg/audit"
	"github.com/platinummonkey/clinicaccess/pkg/httputil"
	"github.com/platinummonkey/clinicaccess/pkg/middleware"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
)

// DefaultTimeout bounds each request when Config.HTTPClient is nil
const DefaultTimeout = 10 * time.Second

// Config configures a Client
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080
	BaseURL string
	// UserID is sent as the caller identity on every request
	UserID int64
	// HTTPClient overrides the default traced client
	HTTPClient *http.Client
	Timeout    time.Duration
}

// APIError is a non-2xx response from the server
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Unwrap maps statuses back to the rbac sentinel errors
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return rbac.ErrNotFound
	case http.StatusConflict:
		return rbac.ErrRoleLocked
	}
	return nil
}

// Client talks to the permission API. It implements rbac.Backend for the
// caller's own clinic; the server refuses any other clinic.
type Client struct {
	base   string
	userID int64
	http   *http.Client
}

var _ rbac.Backend = (*Client)(nil)

// New creates a client
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.UserID <= 0 {
		return nil, fmt.Errorf("user ID is required")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		userID: cfg.UserID,
		http:   hc,
	}, nil
}

func (c *Client) do(ctx context.Context, method string, clinicID int64, path string, body, dest interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.UserIDHeader, strconv.FormatInt(c.userID, 10))
	req.Header.Set(middleware.ClinicIDHeader, strconv.FormatInt(clinicID, 10))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var errResp httputil.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
		}
		return apiErr
	}

	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func clinicPath(clinicID int64, format string, args ...interface{}) string {
	return fmt.Sprintf("/v1/clinics/%d", clinicID) + fmt.Sprintf(format, args...)
}

// GetAccess returns the role and grants of userID
func (c *Client) GetAccess(ctx context.Context, clinicID, userID int64) (*rbac.Access, error) {
	var access rbac.Access
	if err := c.do(ctx, http.MethodGet, clinicID, clinicPath(clinicID, "/users/%d/access", userID), nil, &access); err != nil {
		return nil, err
	}
	return &access, nil
}

// ListMembers returns every membership of the clinic
func (c *Client) ListMembers(ctx context.Context, clinicID int64) ([]rbac.Membership, error) {
	var resp api.MembersResponse
	if err := c.do(ctx, http.MethodGet, clinicID, clinicPath(clinicID, "/members"), nil, &resp); err != nil {
		return nil, err
	}
	members := make([]rbac.Membership, len(resp.Members))
	for i, m := range resp.Members {
		members[i] = rbac.Membership{
			ClinicID:  clinicID,
			UserID:    m.UserID,
			Role:      m.Role,
			UpdatedBy: m.UpdatedBy,
		}
	}
	return members, nil
}

// UpdateRole sets the role of userID
func (c *Client) UpdateRole(ctx context.Context, clinicID, userID int64, role permissions.Role) error {
	return c.do(ctx, http.MethodPut, clinicID, clinicPath(clinicID, "/users/%d/role", userID), api.RoleRequest{Role: role}, nil)
}

// DeleteGrants removes every explicit grant of userID
func (c *Client) DeleteGrants(ctx context.Context, clinicID, userID int64) error {
	return c.do(ctx, http.MethodDelete, clinicID, clinicPath(clinicID, "/users/%d/grants", userID), nil, nil)
}

// CreateGrants adds explicit grants to userID
func (c *Client) CreateGrants(ctx context.Context, clinicID, userID int64, grants []permissions.Permission) error {
	return c.do(ctx, http.MethodPost, clinicID, clinicPath(clinicID, "/users/%d/grants", userID), api.GrantsRequest{Grants: grants}, nil)
}

// GetTemplate returns the clinic's template for role, or its factory defaults
func (c *Client) GetTemplate(ctx context.Context, clinicID int64, role permissions.Role) (*rbac.RoleTemplate, error) {
	var tmpl rbac.RoleTemplate
	if err := c.do(ctx, http.MethodGet, clinicID, clinicPath(clinicID, "/templates/%s", url.PathEscape(string(role))), nil, &tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// UpsertTemplate replaces the clinic's template for role
func (c *Client) UpsertTemplate(ctx context.Context, clinicID int64, role permissions.Role, grants []permissions.Permission) error {
	return c.do(ctx, http.MethodPost, clinicID, clinicPath(clinicID, "/templates/%s", url.PathEscape(string(role))), api.TemplateRequest{Permissions: grants}, nil)
}

// Catalog returns the module catalog and the role defaults
func (c *Client) Catalog(ctx context.Context, clinicID int64) (*api.CatalogResponse, error) {
	var resp api.CatalogResponse
	if err := c.do(ctx, http.MethodGet, clinicID, "/v1/catalog", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MyPermissions returns the caller's resolved permissions in clinicID
func (c *Client) MyPermissions(ctx context.Context, clinicID int64) (*api.PermissionsResponse, error) {
	var resp api.PermissionsResponse
	if err := c.do(ctx, http.MethodGet, clinicID, "/v1/me/permissions", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SearchAudit queries the clinic's audit trail
func (c *Client) SearchAudit(ctx context.Context, filter audit.SearchFilter) ([]*audit.AuditEvent, error) {
	q := url.Values{}
	if filter.StartTime != nil {
		q.Set("since", filter.StartTime.UTC().Format(time.RFC3339))
	}
	for _, t := range filter.EventTypes {
		q.Add("type", string(t))
	}
	if filter.ResourceID != "" {
		q.Set("resource", filter.ResourceID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := clinicPath(filter.ClinicID, "/audit")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Events []*audit.AuditEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, filter.ClinicID, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

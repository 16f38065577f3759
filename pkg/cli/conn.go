package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/clinicaccess/pkg/client"
	"github.com/platinummonkey/clinicaccess/pkg/fetch"
	"github.com/platinummonkey/clinicaccess/pkg/observability"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/provider"
)

// connFlags are shared by every command that talks to the server
type connFlags struct {
	server   *string
	as       *int64
	clinic   *int64
	timeout  *time.Duration
	logLevel *string
}

func addConnFlags(fs *flag.FlagSet) *connFlags {
	return &connFlags{
		server:   fs.String("server", getEnv("CLINICACCESS_SERVER", "http://localhost:8080"), "Server URL"),
		as:       fs.Int64("as", getEnvInt64("CLINICACCESS_USER_ID", 0), "Acting user ID"),
		clinic:   fs.Int64("clinic", getEnvInt64("CLINICACCESS_CLINIC_ID", 0), "Clinic ID"),
		timeout:  fs.Duration("timeout", 30*time.Second, "Overall command timeout"),
		logLevel: fs.String("log-level", "error", "Log level (debug, info, warn, error)"),
	}
}

func (f *connFlags) validate() error {
	if *f.as <= 0 {
		return fmt.Errorf("-as is required")
	}
	if *f.clinic <= 0 {
		return fmt.Errorf("-clinic is required")
	}
	return nil
}

func (f *connFlags) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), *f.timeout)
}

func (f *connFlags) logger() *observability.Logger {
	return observability.NewLogger(observability.ParseLogLevel(*f.logLevel), os.Stderr)
}

func (f *connFlags) client() (*client.Client, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	return client.New(client.Config{BaseURL: *f.server, UserID: *f.as})
}

// actingSession resolves the caller's own permissions. Editors check them
// locally; the server enforces them again on every write.
type actingSession struct {
	client   *client.Client
	cache    *fetch.Cache
	provider *provider.Provider
}

func (f *connFlags) session(ctx context.Context) (*actingSession, error) {
	c, err := f.client()
	if err != nil {
		return nil, err
	}
	logger := f.logger()
	cache := fetch.New(c, fetch.WithLogger(logger))
	p := provider.New(cache, provider.WithLogger(logger))
	if err := p.Activate(ctx, provider.Session{UserID: *f.as, ClinicID: *f.clinic}); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to resolve permissions of user %d: %w", *f.as, err)
	}
	return &actingSession{client: c, cache: cache, provider: p}, nil
}

func (s *actingSession) Close() {
	s.provider.Close()
}

// parsePermissionList parses "clients:view,clients:edit"
func parsePermissionList(s string) ([]permissions.Permission, error) {
	var out []permissions.Permission
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := permissions.ParsePermission(part)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func parseModuleList(s string) ([]permissions.Module, error) {
	var out []permissions.Module
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m, err := permissions.ParseModule(part)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func formatPermissions(perms []permissions.Permission) string {
	if len(perms) == 0 {
		return "-"
	}
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

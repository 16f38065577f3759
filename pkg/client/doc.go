// Package client is an HTTP client for the permission API.
//
// Client implements rbac.Backend, so the fetch cache, the provider and the
// editors run unchanged against a remote server:
//
//	c, err := client.New(client.Config{BaseURL: "http://localhost:8080", UserID: 8})
//	cache := fetch.New(c)
//	p := provider.New(cache)
//	err = p.Activate(ctx, provider.Session{UserID: 8, ClinicID: 1})
package client

package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized marks authorization-class fetch failures (HTTP 401/403).
// Callers use errors.Is to distinguish them from transient failures.
var ErrUnauthorized = errors.New("unauthorized")

// Fetcher retrieves the profile of the user identified by the given token.
//
// Contract:
//   - Fetch must honor context cancellation.
//   - An authorization rejection wraps ErrUnauthorized; any other failure is
//     considered transient by callers.
type Fetcher interface {
	Fetch(ctx context.Context, token string) (*User, error)
}

// HTTPFetcher is the concrete Fetcher issuing GET /user/profile/ against the
// configured API origin.
type HTTPFetcher struct {
	origin string
	client *http.Client
}

func NewHTTPFetcher(origin string) *HTTPFetcher {
	return &HTTPFetcher{
		origin: strings.TrimRight(origin, "/"),
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, token string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.origin+"/user/profile/", nil)
	if err != nil {
		return nil, fmt.Errorf("building profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("profile request rejected (%d): %w", resp.StatusCode, ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("profile request failed: status %d", resp.StatusCode)
	}

	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return &u, nil
}

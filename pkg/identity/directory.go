package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrDirectoryUnavailable is returned once a lookup has exhausted its retry
// budget. Callers treat it as a recoverable skip: the user keeps prior or
// blank metadata.
var ErrDirectoryUnavailable = errors.New("directory unavailable")

// DirectoryConfig configures the people-directory client.
type DirectoryConfig struct {
	// BaseURL is the directory search endpoint.
	BaseURL string

	// Domain is the mail domain used to match directory entries to logins
	// (an entry matches login when its email is login@Domain).
	Domain string

	// MaxAttempts bounds retries per lookup. Default: 5.
	MaxAttempts int

	// RetryDelay is the fixed delay between attempts. Default: 500ms.
	RetryDelay time.Duration

	// RateLimit is the maximum lookups per second. Zero means unlimited.
	RateLimit float64

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Directory looks up display metadata (name, position, teams, photo) for
// logins against a people-directory search service.
type Directory struct {
	cfg     DirectoryConfig
	client  *http.Client
	limiter *rate.Limiter
}

// Profile is the directory metadata for one login.
type Profile struct {
	Name     string
	Position string
	Teams    []string
	PhotoURL string
}

// NewDirectory creates a directory client.
func NewDirectory(cfg DirectoryConfig) *Directory {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	d := &Directory{cfg: cfg, client: client}
	if cfg.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return d
}

// directoryResponse mirrors the search service's JSON shape.
type directoryResponse struct {
	Entries []struct {
		Fields struct {
			Email     []string `json:"email"`
			FullName  []string `json:"full_name"`
			Photo     []string `json:"photo"`
			Positions []string `json:"positions"`
		} `json:"fields"`
	} `json:"entries"`
}

// Lookup fetches the profile for login, retrying transient failures a
// bounded number of times with a fixed delay. A login absent from the
// directory returns (nil, nil); a persistently unreachable directory
// returns ErrDirectoryUnavailable.
func (d *Directory) Lookup(ctx context.Context, login string) (*Profile, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.cfg.RetryDelay):
			}
		}

		profile, err := d.fetch(ctx, login)
		if err == nil {
			return profile, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: lookup %s: %v", ErrDirectoryUnavailable, login, lastErr)
}

func (d *Directory) fetch(ctx context.Context, login string) (*Profile, error) {
	params := url.Values{}
	params.Set("query", login)
	params.Set("size", "100")
	params.Set("format", "JSON")
	params.Set("fields", "email,full_name,photo,positions")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build directory request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var body directoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}

	want := login + "@" + d.cfg.Domain
	for _, entry := range body.Entries {
		f := entry.Fields
		if len(f.Email) == 0 || f.Email[0] != want {
			continue
		}

		p := &Profile{}
		if len(f.FullName) > 0 {
			p.Name = f.FullName[0]
		}
		if len(f.Photo) > 0 {
			p.PhotoURL = f.Photo[0]
		}
		for _, pos := range f.Positions {
			// Positions arrive as "title | team"; representative roles are
			// noise, not team memberships.
			if strings.Contains(pos, "Staff Association Representative") {
				continue
			}
			values := strings.Split(pos, "|")
			if title := strings.TrimSpace(values[0]); p.Position == "" && title != "" {
				p.Position = title
			}
			if len(values) > 1 {
				if team := strings.TrimSpace(values[1]); team != "" {
					p.Teams = append(p.Teams, team)
				}
			}
		}
		return p, nil
	}

	return nil, nil
}

// Enrich applies a directory profile to a user in place. Empty profile
// fields never erase existing metadata.
func (u *User) Enrich(p *Profile) {
	if p == nil || p.Name == "" {
		return
	}
	u.Name = p.Name
	if p.Position != "" {
		u.Position = p.Position
	}
	if len(p.Teams) > 0 {
		u.Teams = p.Teams
	}
	if p.PhotoURL != "" {
		u.PhotoURL = p.PhotoURL
	}
}

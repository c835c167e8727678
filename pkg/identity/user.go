// Package identity models cluster users and enriches them with display
// metadata from a people-directory service.
//
// Enrichment is strictly optional: footprint aggregation keys on login
// strings alone, and a user whose directory lookup fails keeps prior or
// blank metadata. Nothing in this package may block aggregation.
package identity

import (
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// UnixUser is a login with its unix group memberships, resolved locally.
type UnixUser struct {
	Login string
	// Group is the primary group name.
	Group string
	// Groups is the comma-separated, sorted list of all group names.
	Groups string
}

// User is a cluster user with optional directory metadata.
type User struct {
	Login    string   `json:"login"`
	Group    string   `json:"-"`
	Groups   string   `json:"-"`
	Name     string   `json:"name"`
	Position string   `json:"position"`
	Teams    []string `json:"teams"`
	PhotoURL string   `json:"photo_url"`
	// UUID is a stable secondary identifier assigned on first sight.
	UUID    string `json:"uuid"`
	Sponsor string `json:"sponsor"`
}

// NewUser creates a user with a fresh UUID and no metadata.
func NewUser(login string) *User {
	return &User{
		Login: login,
		UUID:  uuid.New().String(),
	}
}

var (
	gidPattern    = regexp.MustCompile(`gid=(\S+)`)
	groupsPattern = regexp.MustCompile(`groups=(\S+)`)
	namePattern   = regexp.MustCompile(`\d+\(([^)]+)\)`)
)

// LookupUnixUser resolves a login's unix groups via id(1). Resolution is
// best-effort: an unknown login yields a UnixUser with empty groups.
func LookupUnixUser(login string) UnixUser {
	u := UnixUser{Login: login}

	out, err := exec.Command("id", login).Output()
	if err != nil {
		return u
	}
	text := string(out)

	if m := gidPattern.FindStringSubmatch(text); m != nil {
		if g := namePattern.FindStringSubmatch(m[1]); g != nil {
			u.Group = g[1]
		}
	}
	if m := groupsPattern.FindStringSubmatch(text); m != nil {
		seen := make(map[string]bool)
		var groups []string
		for _, g := range namePattern.FindAllStringSubmatch(m[1], -1) {
			if !seen[g[1]] {
				seen[g[1]] = true
				groups = append(groups, g[1])
			}
		}
		sort.Strings(groups)
		u.Groups = strings.Join(groups, ",")
	}

	return u
}

package identity

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// CustomUser is a hand-maintained metadata override for one login.
type CustomUser struct {
	Name     string   `json:"name"`
	Position string   `json:"position"`
	Teams    []string `json:"teams"`
	Sponsor  string   `json:"sponsor"`
	PhotoURL string   `json:"photo_url,omitempty"`
}

// LoadCustomUsers reads a JSON file of per-login overrides. A missing file
// is not an error and yields an empty map.
func LoadCustomUsers(path string) (map[string]CustomUser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]CustomUser{}, nil
		}
		return nil, fmt.Errorf("read custom users file: %w", err)
	}

	var users map[string]CustomUser
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("parse custom users file %s: %w", path, err)
	}
	return users, nil
}

// SaveCustomUsers writes the overrides back as indented JSON.
func SaveCustomUsers(path string, users map[string]CustomUser) error {
	data, err := json.MarshalIndent(users, "", "    ")
	if err != nil {
		return fmt.Errorf("encode custom users: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write custom users file: %w", err)
	}
	return nil
}

// ApplyOverride merges a custom-user record into u, warning when it
// disagrees with metadata already on record.
func (u *User) ApplyOverride(meta CustomUser, log *zap.Logger) {
	if meta.Name != "" {
		if u.Name != "" && u.Name != meta.Name {
			log.Warn("custom user metadata conflict",
				zap.String("login", u.Login),
				zap.String("field", "name"),
				zap.String("custom", meta.Name),
				zap.String("current", u.Name))
		}
		u.Name = meta.Name
	}
	if meta.Position != "" {
		if u.Position != "" && u.Position != meta.Position {
			log.Warn("custom user metadata conflict",
				zap.String("login", u.Login),
				zap.String("field", "position"),
				zap.String("custom", meta.Position),
				zap.String("current", u.Position))
		}
		u.Position = meta.Position
	}
	if len(meta.Teams) > 0 {
		if len(u.Teams) > 0 && !equalStrings(u.Teams, meta.Teams) {
			log.Warn("custom user metadata conflict",
				zap.String("login", u.Login),
				zap.String("field", "teams"),
				zap.Strings("custom", meta.Teams),
				zap.Strings("current", u.Teams))
		}
		u.Teams = meta.Teams
	}
	if meta.Sponsor != "" {
		if u.Sponsor != "" && u.Sponsor != meta.Sponsor {
			log.Warn("custom user metadata conflict",
				zap.String("login", u.Login),
				zap.String("field", "sponsor"),
				zap.String("custom", meta.Sponsor),
				zap.String("current", u.Sponsor))
		}
		u.Sponsor = meta.Sponsor
	}
	if meta.PhotoURL != "" {
		u.PhotoURL = meta.PhotoURL
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewUserAssignsUUID(t *testing.T) {
	a := NewUser("alice")
	b := NewUser("alice")
	assert.Equal(t, "alice", a.Login)
	assert.NotEmpty(t, a.UUID)
	assert.NotEqual(t, a.UUID, b.UUID)
}

func TestCustomUsersRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")

	// A missing file is an empty override set, not an error.
	users, err := LoadCustomUsers(path)
	require.NoError(t, err)
	assert.Empty(t, users)

	users["alice"] = CustomUser{
		Name:     "Alice Smith",
		Position: "Research Fellow",
		Teams:    []string{"Genomics"},
		Sponsor:  "EMBL",
	}
	require.NoError(t, SaveCustomUsers(path, users))

	got, err := LoadCustomUsers(path)
	require.NoError(t, err)
	require.Contains(t, got, "alice")
	assert.Equal(t, users["alice"], got["alice"])
}

func TestApplyOverride(t *testing.T) {
	u := NewUser("alice")
	u.Name = "A. Smith"
	u.Teams = []string{"Old Team"}

	u.ApplyOverride(CustomUser{
		Name:    "Alice Smith",
		Teams:   []string{"Genomics"},
		Sponsor: "EMBL",
	}, zap.NewNop())

	assert.Equal(t, "Alice Smith", u.Name)
	assert.Equal(t, []string{"Genomics"}, u.Teams)
	assert.Equal(t, "EMBL", u.Sponsor)

	// Empty override fields leave current metadata alone.
	u.ApplyOverride(CustomUser{}, zap.NewNop())
	assert.Equal(t, "Alice Smith", u.Name)
	assert.Equal(t, []string{"Genomics"}, u.Teams)
}

func TestDirectoryLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.URL.Query().Get("query"))
		_, _ = w.Write([]byte(`{
			"entries": [
				{"fields": {
					"email": ["someone.else@ebi.ac.uk"],
					"full_name": ["Someone Else"],
					"photo": [],
					"positions": []
				}},
				{"fields": {
					"email": ["alice@ebi.ac.uk"],
					"full_name": ["Alice Smith"],
					"photo": ["https://example.org/alice.jpg"],
					"positions": [
						"Research Fellow | Genomics",
						"Staff Association Representative | Council",
						"Visiting Scientist | Proteomics"
					]
				}}
			]
		}`))
	}))
	defer srv.Close()

	d := NewDirectory(DirectoryConfig{
		BaseURL: srv.URL,
		Domain:  "ebi.ac.uk",
	})

	p, err := d.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Alice Smith", p.Name)
	assert.Equal(t, "Research Fellow", p.Position)
	assert.Equal(t, []string{"Genomics", "Proteomics"}, p.Teams)
	assert.Equal(t, "https://example.org/alice.jpg", p.PhotoURL)
}

func TestDirectoryLookupUnknownLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"entries": []}`))
	}))
	defer srv.Close()

	d := NewDirectory(DirectoryConfig{BaseURL: srv.URL, Domain: "ebi.ac.uk"})
	p, err := d.Lookup(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDirectoryLookupUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewDirectory(DirectoryConfig{
		BaseURL:     srv.URL,
		Domain:      "ebi.ac.uk",
		MaxAttempts: 2,
		RetryDelay:  1,
	})
	_, err := d.Lookup(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
}

func TestEnrich(t *testing.T) {
	u := NewUser("alice")
	u.Name = "Old Name"
	u.Position = "Old Position"

	// A nameless profile is a non-match and changes nothing.
	u.Enrich(&Profile{Position: "New Position"})
	assert.Equal(t, "Old Name", u.Name)
	assert.Equal(t, "Old Position", u.Position)

	u.Enrich(&Profile{Name: "Alice Smith", Teams: []string{"Genomics"}})
	assert.Equal(t, "Alice Smith", u.Name)
	assert.Equal(t, "Old Position", u.Position, "empty fields never erase metadata")
	assert.Equal(t, []string{"Genomics"}, u.Teams)
}

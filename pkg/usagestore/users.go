package usagestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/3leaps/hpcmeter/pkg/identity"
)

// Users returns every user on record, keyed by login.
func (s *Store) Users(ctx context.Context) (map[string]*identity.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT login, name, uuid, teams, position, photo_url, sponsor FROM user")
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := make(map[string]*identity.User)
	for rows.Next() {
		var u identity.User
		var name, teams, position, photoURL, sponsor sql.NullString
		if err := rows.Scan(&u.Login, &name, &u.UUID, &teams, &position, &photoURL, &sponsor); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Name = name.String
		u.Position = position.String
		u.PhotoURL = photoURL.String
		u.Sponsor = sponsor.String
		if teams.String != "" {
			if err := json.Unmarshal([]byte(teams.String), &u.Teams); err != nil {
				return nil, fmt.Errorf("parse teams for user %s: %w", u.Login, err)
			}
		}
		users[u.Login] = &u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}
	return users, nil
}

// UpsertUsers merges users by login, keeping each user's UUID stable.
func (s *Store) UpsertUsers(ctx context.Context, users []*identity.User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO user (login, name, uuid, teams, position, photo_url, sponsor)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare user insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, u := range users {
		teams := u.Teams
		if teams == nil {
			teams = []string{}
		}
		encoded, err := json.Marshal(teams)
		if err != nil {
			return fmt.Errorf("encode teams for user %s: %w", u.Login, err)
		}
		if _, err := stmt.ExecContext(ctx, u.Login, u.Name, u.UUID, string(encoded), u.Position, u.PhotoURL, u.Sponsor); err != nil {
			return fmt.Errorf("insert user %s: %w", u.Login, err)
		}
	}
	return tx.Commit()
}

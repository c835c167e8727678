package jobstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/3leaps/hpcmeter/pkg/identity"
)

// UnixUsers returns every login known to the job store with its unix group
// memberships, keyed by login.
func (s *Store) UnixUsers(ctx context.Context) (map[string]identity.UnixUser, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT login, unix_group, unix_groups FROM user")
	if err != nil {
		return nil, fmt.Errorf("query unix users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := make(map[string]identity.UnixUser)
	for rows.Next() {
		var u identity.UnixUser
		var group, groups sql.NullString
		if err := rows.Scan(&u.Login, &group, &groups); err != nil {
			return nil, fmt.Errorf("scan unix user: %w", err)
		}
		u.Group = group.String
		u.Groups = groups.String
		users[u.Login] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan unix users: %w", err)
	}
	return users, nil
}

// UpsertUnixUsers merges unix users by login.
func (s *Store) UpsertUnixUsers(ctx context.Context, users []identity.UnixUser) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO user (login, unix_group, unix_groups) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare user insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, u := range users {
		if _, err := stmt.ExecContext(ctx, u.Login, u.Group, u.Groups); err != nil {
			return fmt.Errorf("insert user %s: %w", u.Login, err)
		}
	}
	return tx.Commit()
}

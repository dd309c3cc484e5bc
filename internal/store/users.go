package store

import (
	"context"
)

// User is a resolved identity. GuildAccess maps guild id to whether the user
// currently has access through that guild.
type User struct {
	ID          int64
	Username    string
	Avatar      *string
	UpdatedOn   int64
	GuildAccess map[int64]bool
}

// ResolveIdentity resolves an access token to a full user. It returns
// (nil, nil) when the token is unknown, so callers can distinguish an absent
// identity from a backend failure.
func (s *Store) ResolveIdentity(ctx context.Context, token string) (*User, error) {
	userID, ok, err := s.userIDFromToken(ctx, token)
	if err != nil || !ok {
		return nil, err
	}
	return s.userByID(ctx, userID)
}

func (s *Store) userIDFromToken(ctx context.Context, token string) (int64, bool, error) {
	rows, err := s.session.QueryPrepared(ctx,
		"SELECT user_id FROM access_tokens WHERE access_token = ?", token)
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return 0, false, rows.Err()
	}
	var userID int64
	if err := rows.Scan(&userID); err != nil {
		return 0, false, err
	}
	return userID, true, nil
}

func (s *Store) userByID(ctx context.Context, userID int64) (*User, error) {
	rows, err := s.session.QueryPrepared(ctx,
		"SELECT id, username, avatar, updated_on FROM users WHERE id = ?", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		// Token row without a user row; treat as an unknown identity.
		return nil, rows.Err()
	}

	user := &User{GuildAccess: make(map[int64]bool)}
	if err := rows.Scan(&user.ID, &user.Username, &user.Avatar, &user.UpdatedOn); err != nil {
		return nil, err
	}
	rows.Close()

	if err := s.loadGuildAccess(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) loadGuildAccess(ctx context.Context, user *User) error {
	rows, err := s.session.QueryPrepared(ctx,
		"SELECT guild_id, allowed FROM user_guilds WHERE user_id = ?", user.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var guildID int64
		var allowed bool
		if err := rows.Scan(&guildID, &allowed); err != nil {
			return err
		}
		user.GuildAccess[guildID] = allowed
	}
	return rows.Err()
}

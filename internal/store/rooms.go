package store

import (
	"context"

	"github.com/google/uuid"
)

// Room is the stored metadata for a broadcast room.
type Room struct {
	ID             uuid.UUID
	OwnerID        int64
	Active         bool
	ActivePlaylist *uuid.UUID
	Banner         *string
	GuildID        *int64
	InviteOnly     bool
	IsPublic       bool
	PlayingNow     *uuid.UUID
	Title          string
	Topic          *string
}

// ResolveRoom looks up a room by id. It returns (nil, nil) when no such room
// exists.
func (s *Store) ResolveRoom(ctx context.Context, roomID uuid.UUID) (*Room, error) {
	rows, err := s.session.QueryPrepared(ctx, `
		SELECT
			id,
			owner_id,
			active,
			active_playlist,
			banner,
			guild_id,
			invite_only,
			is_public,
			playing_now,
			title,
			topic
		FROM rooms
		WHERE id = ?`, roomID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	var (
		room           Room
		id             string
		activePlaylist *string
		playingNow     *string
	)
	if err := rows.Scan(
		&id,
		&room.OwnerID,
		&room.Active,
		&activePlaylist,
		&room.Banner,
		&room.GuildID,
		&room.InviteOnly,
		&room.IsPublic,
		&playingNow,
		&room.Title,
		&room.Topic,
	); err != nil {
		return nil, err
	}

	if room.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if room.ActivePlaylist, err = parseOptionalUUID(activePlaylist); err != nil {
		return nil, err
	}
	if room.PlayingNow, err = parseOptionalUUID(playingNow); err != nil {
		return nil, err
	}
	return &room, nil
}

func parseOptionalUUID(s *string) (*uuid.UUID, error) {
	if s == nil {
		return nil, nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

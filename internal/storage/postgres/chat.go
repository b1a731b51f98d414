package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/relay/internal/archive"
	"github.com/cory-johannsen/relay/internal/relay"
)

// ErrInvalidLimit is returned by Recent for a non-positive limit.
var ErrInvalidLimit = errors.New("limit must be > 0")

// ChatRepository stores chat lines in the player_chats table.
type ChatRepository struct {
	db *pgxpool.Pool
}

// NewChatRepository creates a ChatRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewChatRepository(db *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{db: db}
}

// InsertChat appends one chat line.
//
// Precondition: rec.RoomID and rec.ConnectionID must be non-empty.
func (r *ChatRepository) InsertChat(ctx context.Context, rec relay.ChatRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO player_chats
			(room_id, player_id, user_id, screen_name, message, x, y, z, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.RoomID, rec.ConnectionID, rec.UserID, rec.Username, rec.Message,
		rec.Position.X, rec.Position.Y, rec.Position.Z, rec.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting chat for room %s: %w", rec.RoomID, err)
	}
	return nil
}

// Recent returns up to limit chat lines for roomID, newest first.
//
// Precondition: limit must be > 0.
// Postcondition: Returns a non-nil slice (may be empty) or a non-nil error.
func (r *ChatRepository) Recent(ctx context.Context, roomID string, limit int) ([]archive.Entry, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, room_id, player_id, user_id, screen_name, message, x, y, z, timestamp, created_at
		FROM player_chats
		WHERE room_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing chats for room %s: %w", roomID, err)
	}
	defer rows.Close()

	out := make([]archive.Entry, 0, limit)
	for rows.Next() {
		var e archive.Entry
		if err := rows.Scan(
			&e.ID, &e.RoomID, &e.ConnectionID, &e.UserID, &e.Username, &e.Message,
			&e.Position.X, &e.Position.Y, &e.Position.Z, &e.Timestamp, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning chat row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat rows: %w", err)
	}
	return out, nil
}

package rooms

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a room does not exist.
var ErrNotFound = errors.New("room not found")

// Room is the metadata a live session needs to frame its coach.
type Room struct {
	ID             string    `json:"id"`
	Topic          string    `json:"topic"`
	CoachingOption string    `json:"coaching_option"`
	ExpertName     string    `json:"expert_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks the fields a room must be created with.
func (r Room) Validate() error {
	switch {
	case strings.TrimSpace(r.Topic) == "":
		return errors.New("topic is required")
	case strings.TrimSpace(r.CoachingOption) == "":
		return errors.New("coaching_option is required")
	case strings.TrimSpace(r.ExpertName) == "":
		return errors.New("expert_name is required")
	}
	return nil
}

// TranscriptRecord is one finished conversation entry.
type TranscriptRecord struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists rooms and their transcripts.
type Store interface {
	CreateRoom(ctx context.Context, room Room) (Room, error)
	GetRoom(ctx context.Context, id string) (Room, error)
	SaveTranscript(ctx context.Context, record TranscriptRecord) error
	Transcript(ctx context.Context, roomID string, limit int) ([]TranscriptRecord, error)
	Close() error
}

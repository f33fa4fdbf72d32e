package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists rooms and transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS discussion_rooms (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			coaching_option TEXT NOT NULL,
			expert_name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS room_transcripts (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL REFERENCES discussion_rooms(id) ON DELETE CASCADE,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_room_transcripts_room_created ON room_transcripts (room_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room Room) (Room, error) {
	if err := room.Validate(); err != nil {
		return Room{}, err
	}
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO discussion_rooms (id, topic, coaching_option, expert_name, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		room.ID, room.Topic, room.CoachingOption, room.ExpertName, room.CreatedAt,
	)
	if err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, id string) (Room, error) {
	var r Room
	err := s.pool.QueryRow(ctx,
		`SELECT id, topic, coaching_option, expert_name, created_at
		 FROM discussion_rooms WHERE id=$1`,
		id,
	).Scan(&r.ID, &r.Topic, &r.CoachingOption, &r.ExpertName, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) SaveTranscript(ctx context.Context, record TranscriptRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO room_transcripts (id, room_id, session_id, seq, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID,
		record.RoomID,
		record.SessionID,
		record.Seq,
		record.Role,
		record.Content,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) Transcript(ctx context.Context, roomID string, limit int) ([]TranscriptRecord, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, room_id, session_id, seq, role, content, created_at
		 FROM room_transcripts WHERE room_id=$1 ORDER BY created_at DESC, seq DESC LIMIT $2`,
		roomID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[TranscriptRecord])
	if err != nil {
		return nil, fmt.Errorf("scan transcript rows: %w", err)
	}

	// Newest rows were selected first; hand them back in speaking order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

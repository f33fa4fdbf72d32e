package rooms

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps rooms in process for local/dev use.
type InMemoryStore struct {
	mu          sync.RWMutex
	rooms       map[string]Room
	transcripts map[string][]TranscriptRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms:       make(map[string]Room),
		transcripts: make(map[string][]TranscriptRecord),
	}
}

func (s *InMemoryStore) CreateRoom(_ context.Context, room Room) (Room, error) {
	if err := room.Validate(); err != nil {
		return Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	s.rooms[room.ID] = room
	return room, nil
}

func (s *InMemoryStore) GetRoom(_ context.Context, id string) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}
	return room, nil
}

func (s *InMemoryStore) SaveTranscript(_ context.Context, record TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[record.RoomID]; !ok {
		return ErrNotFound
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.transcripts[record.RoomID] = append(s.transcripts[record.RoomID], record)
	return nil
}

// Transcript returns up to limit most recent records in chronological order.
func (s *InMemoryStore) Transcript(_ context.Context, roomID string, limit int) ([]TranscriptRecord, error) {
	s.mu.RLock()
	arr := append([]TranscriptRecord(nil), s.transcripts[roomID]...)
	s.mu.RUnlock()
	if len(arr) == 0 {
		return nil, nil
	}
	sort.SliceStable(arr, func(i, j int) bool {
		if !arr[i].CreatedAt.Equal(arr[j].CreatedAt) {
			return arr[i].CreatedAt.Before(arr[j].CreatedAt)
		}
		return arr[i].Seq < arr[j].Seq
	})
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	return arr[len(arr)-limit:], nil
}

func (s *InMemoryStore) Close() error { return nil }

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/ent0n29/discussroom/internal/audio"
	"github.com/ent0n29/discussroom/internal/conversation"
	"github.com/ent0n29/discussroom/internal/observability"
	"github.com/ent0n29/discussroom/internal/rooms"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Info is the bookkeeping kept for each live session.
type Info struct {
	ID             string    `json:"session_id"`
	RoomID         string    `json:"room_id"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Spec is what a Factory needs to build the conversation for a new session.
type Spec struct {
	ID       string
	Room     rooms.Room
	Device   audio.Device
	Observer conversation.Observer
}

// Factory builds the conversation session behind a live session.
type Factory func(spec Spec) (*conversation.Session, error)

// Live is one registered session: its conversation, the remote microphone
// fed by the client, and the subscribers watching its updates.
type Live struct {
	ID           string
	Room         rooms.Room
	Conversation *conversation.Session
	Microphone   *audio.RemoteMicrophone

	mu          sync.RWMutex
	subscribers map[uint64]func(conversation.Update)
	nextSub     uint64
}

// Subscribe registers fn for every update until the returned func is called.
// fn runs on the conversation goroutine and must not block.
func (l *Live) Subscribe(fn func(conversation.Update)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSub++
	id := l.nextSub
	l.subscribers[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subscribers, id)
	}
}

func (l *Live) broadcast(u conversation.Update) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, fn := range l.subscribers {
		fn(u)
	}
}

type entry struct {
	info Info
	live *Live
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	factory           Factory
	metrics           *observability.Metrics
	onExpire          func(Info)
}

func NewManager(inactivityTimeout time.Duration, factory Factory, metrics *observability.Metrics) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		factory:           factory,
		metrics:           metrics,
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create builds a conversation for room and registers it.
func (m *Manager) Create(room rooms.Room) (*Live, Info, error) {
	if m.factory == nil {
		return nil, Info{}, errors.New("session factory is not configured")
	}
	live := &Live{
		ID:          uuid.NewString(),
		Room:        room,
		Microphone:  audio.NewRemoteMicrophone(),
		subscribers: make(map[uint64]func(conversation.Update)),
	}
	conv, err := m.factory(Spec{ID: live.ID, Room: room, Device: live.Microphone, Observer: live.broadcast})
	if err != nil {
		return nil, Info{}, err
	}
	live.Conversation = conv

	now := time.Now().UTC()
	e := &entry{
		info: Info{ID: live.ID, RoomID: room.ID, Status: StatusActive, StartedAt: now, LastActivityAt: now},
		live: live,
	}
	m.mu.Lock()
	m.sessions[live.ID] = e
	m.mu.Unlock()
	m.metrics.SessionOpened()
	return live, e.info, nil
}

func (m *Manager) Get(sessionID string) (*Live, Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, Info{}, ErrNotFound
	}
	return e.live, e.info, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.info.LastActivityAt = time.Now().UTC()
	return nil
}

// End closes the conversation and marks the session ended. Ending an ended
// session returns its info without doing anything.
func (m *Manager) End(sessionID string) (Info, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Info{}, ErrNotFound
	}
	if e.info.Status == StatusEnded {
		info := e.info
		m.mu.Unlock()
		return info, nil
	}
	e.info.Status = StatusEnded
	e.info.LastActivityAt = time.Now().UTC()
	info := e.info
	m.mu.Unlock()

	m.metrics.SessionClosed("ended")
	return info, closeConversation(e.live)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.info.Status == StatusActive {
			count++
		}
	}
	return count
}

// CloseAll ends every active session, for shutdown.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	var lives []*Live
	for _, e := range m.sessions {
		if e.info.Status != StatusActive {
			continue
		}
		e.info.Status = StatusEnded
		lives = append(lives, e.live)
	}
	m.mu.Unlock()

	var err error
	for _, l := range lives {
		m.metrics.SessionClosed("shutdown")
		err = multierr.Append(err, closeConversation(l))
	}
	return err
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []entry

	m.mu.Lock()
	for _, e := range m.sessions {
		if e.info.Status != StatusActive {
			continue
		}
		if now.Sub(e.info.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		e.info.Status = StatusEnded
		e.info.LastActivityAt = now
		expired = append(expired, *e)
	}
	// Ended sessions are kept for one more timeout so clients can read the
	// final snapshot.
	for id, e := range m.sessions {
		if e.info.Status == StatusEnded && now.Sub(e.info.LastActivityAt) >= m.inactivityTimeout {
			delete(m.sessions, id)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		m.metrics.SessionClosed("expired")
		_ = closeConversation(e.live)
		if hook != nil {
			hook(e.info)
		}
	}
}

func closeConversation(l *Live) error {
	if l == nil || l.Conversation == nil {
		return nil
	}
	err := l.Conversation.Close()
	if errors.Is(err, conversation.ErrSessionClosed) {
		return nil
	}
	return err
}

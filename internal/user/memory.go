package user

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps accounts in process. Used when no database is configured.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[string]*User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return nil, ErrUsernameTaken
	}
	m.nextID++
	u.ID = m.nextID
	stored := *u
	m.users[u.Username] = &stored
	return u, nil
}

func (m *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *u
	return &out, nil
}

// SearchUsers matches case-insensitively, like the ILIKE query.
func (m *MemoryStore) SearchUsers(ctx context.Context, query string) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(query)
	var out []User
	for _, u := range m.users {
		if strings.Contains(strings.ToLower(u.Username), q) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if len(out) > searchLimit {
		out = out[:searchLimit]
	}
	return out, nil
}

package identity

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"integops/cmd/identity/ids"
)

// InMemoryStore is the dev/test Store used when no database is configured.
// It enforces username uniqueness on Save like the Postgres schema does.
type InMemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]Principal
	byUsername map[string]string // username -> id
	roles      map[string]Role   // name -> role
	now        func() time.Time
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:       make(map[string]Principal),
		byUsername: make(map[string]string),
		roles:      make(map[string]Role),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// FindByUsername returns the principal with exactly username.
func (s *InMemoryStore) FindByUsername(ctx context.Context, username string) (Principal, bool, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[username]
	if !ok {
		return Principal{}, false, nil
	}
	return s.byID[id].Clone(), true, nil
}

// FindByID returns the principal with id.
func (s *InMemoryStore) FindByID(ctx context.Context, id string) (Principal, bool, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byID[id]
	if !ok {
		return Principal{}, false, nil
	}
	return p.Clone(), true, nil
}

// ExistsByUsername reports whether username is taken.
func (s *InMemoryStore) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byUsername[username]
	return ok, nil
}

// ExistsByID reports whether id exists.
func (s *InMemoryStore) ExistsByID(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byID[id]
	return ok, nil
}

// Save inserts or replaces p.
func (s *InMemoryStore) Save(ctx context.Context, p Principal) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveLocked("identity.InMemoryStore.Save", p)
}

// SaveAll saves every principal or none.
func (s *InMemoryStore) SaveAll(ctx context.Context, ps []Principal) error {
	const op = "identity.InMemoryStore.SaveAll"

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch first so a conflict leaves the store untouched.
	seen := make(map[string]string, len(ps))
	for _, p := range ps {
		if strings.TrimSpace(p.Username) == "" {
			return invalid(op, "username is required")
		}
		if other, ok := seen[p.Username]; ok && (other == "" || other != p.ID) {
			return usernameConflict(op)
		}
		seen[p.Username] = p.ID
		if owner, ok := s.byUsername[p.Username]; ok && owner != p.ID {
			return usernameConflict(op)
		}
	}

	for _, p := range ps {
		if _, err := s.saveLocked(op, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStore) saveLocked(op string, p Principal) (Principal, error) {
	if strings.TrimSpace(p.Username) == "" {
		return Principal{}, invalid(op, "username is required")
	}

	if owner, ok := s.byUsername[p.Username]; ok && owner != p.ID {
		return Principal{}, usernameConflict(op)
	}

	if p.ID == "" {
		now := s.now()
		id, err := ids.New(now)
		if err != nil {
			return Principal{}, err
		}
		p.ID = id
		p.CreatedAt = now
	} else if prev, ok := s.byID[p.ID]; ok {
		// CreatedAt is immutable once stored.
		p.CreatedAt = prev.CreatedAt
		if prev.Username != p.Username {
			delete(s.byUsername, prev.Username)
		}
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}

	stored := p.Clone()
	if stored.Roles == nil {
		stored.Roles = RoleSet{}
	}
	s.byID[p.ID] = stored
	s.byUsername[p.Username] = p.ID
	return stored.Clone(), nil
}

// Delete removes p (by ID). Deleting a missing principal is a no-op.
func (s *InMemoryStore) Delete(ctx context.Context, p Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == "" {
		return errors.New("identity: delete: missing id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[p.ID]
	if !ok {
		return nil
	}
	delete(s.byID, p.ID)
	delete(s.byUsername, prev.Username)
	return nil
}

// FindAll returns a page ordered by CreatedAt, then ID.
func (s *InMemoryStore) FindAll(ctx context.Context, req PageRequest) (Page[Principal], error) {
	if err := ctx.Err(); err != nil {
		return Page[Principal]{}, err
	}
	req = req.Normalize()

	s.mu.RLock()
	all := make([]Principal, 0, len(s.byID))
	for _, p := range s.byID {
		all = append(all, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	out := Page[Principal]{Page: req.Page, Size: req.Size, Total: int64(len(all))}

	start := req.Offset()
	if start >= len(all) {
		return out, nil
	}
	end := start + req.Size
	if end > len(all) {
		end = len(all)
	}
	out.Items = all[start:end]
	return out, nil
}

// EnsureRoles returns the roles with the given names, creating missing ones.
func (s *InMemoryStore) EnsureRoles(ctx context.Context, names ...string) ([]Role, error) {
	const op = "identity.InMemoryStore.EnsureRoles"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Role, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, invalid(op, "role name is required")
		}
		r, ok := s.roles[name]
		if !ok {
			id, err := ids.New(s.now())
			if err != nil {
				return nil, err
			}
			r = Role{ID: id, Name: name}
			s.roles[name] = r
		}
		out = append(out, r)
	}
	return out, nil
}

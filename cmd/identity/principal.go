package identity

import (
	"sort"
	"time"
)

// Role is a named permission grouping. Principals reference roles; they do not own them.
type Role struct {
	ID   string
	Name string
}

func (r Role) key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}

// RoleSet is a set of role references keyed by role ID (name when the ID is empty).
//
// All methods use value receivers; a RoleSet is a map, so Add and Remove
// mutate the caller's set. Build sets with NewRoleSet or RoleSet{}: Add on a
// nil set panics like any nil map write.
type RoleSet map[string]Role

// NewRoleSet builds a set from roles; duplicates collapse.
func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r.key()] = r
	}
	return s
}

// Add inserts r and reports whether the set changed.
func (s RoleSet) Add(r Role) bool {
	k := r.key()
	if _, ok := s[k]; ok {
		return false
	}
	s[k] = r
	return true
}

// Remove deletes r and reports whether the set changed.
func (s RoleSet) Remove(r Role) bool {
	k := r.key()
	if _, ok := s[k]; !ok {
		return false
	}
	delete(s, k)
	return true
}

// Has reports whether r is a member.
func (s RoleSet) Has(r Role) bool {
	_, ok := s[r.key()]
	return ok
}

// HasName reports whether a role with the given name is a member.
func (s RoleSet) HasName(name string) bool {
	for _, r := range s {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Len returns the member count.
func (s RoleSet) Len() int { return len(s) }

// Slice returns members ordered by name, then ID.
func (s RoleSet) Slice() []Role {
	out := make([]Role, 0, len(s))
	for _, r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Clone returns an independent copy.
func (s RoleSet) Clone() RoleSet {
	if s == nil {
		return nil
	}
	out := make(RoleSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// AccountFlags carries account-state switches checked at authentication time.
type AccountFlags struct {
	Enabled            bool
	Locked             bool
	Expired            bool
	CredentialsExpired bool
}

// Active reports whether the account may authenticate.
func (f AccountFlags) Active() bool {
	return f.Enabled && !f.Locked && !f.Expired && !f.CredentialsExpired
}

// DefaultAccountFlags returns the flags assigned to newly created principals.
func DefaultAccountFlags() AccountFlags { return AccountFlags{Enabled: true} }

// Principal is the directory's identity record.
//
// Password holds the hasher output once the principal has been created through
// the Directory; it is a plaintext only on the input side of Create.
type Principal struct {
	ID       string
	Username string
	Password string

	DisplayName string
	Email       string

	Roles RoleSet
	Flags AccountFlags

	CreatedAt time.Time
}

// Clone returns a deep copy so cached and stored values never alias caller state.
func (p Principal) Clone() Principal {
	p.Roles = p.Roles.Clone()
	return p
}

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// PageRequest selects a zero-based page of principals ordered by creation time.
type PageRequest struct {
	Page int
	Size int
}

// Normalize clamps the request into the supported range.
func (r PageRequest) Normalize() PageRequest {
	if r.Page < 0 {
		r.Page = 0
	}
	if r.Size <= 0 {
		r.Size = defaultPageSize
	}
	if r.Size > maxPageSize {
		r.Size = maxPageSize
	}
	return r
}

// Offset returns the number of records skipped before this page.
func (r PageRequest) Offset() int { return r.Page * r.Size }

// Page is one window of a listing.
type Page[T any] struct {
	Items []T
	Page  int
	Size  int
	Total int64
}

// TotalPages returns the number of pages available at this page size.
func (p Page[T]) TotalPages() int {
	if p.Size <= 0 || p.Total <= 0 {
		return 0
	}
	return int((p.Total + int64(p.Size) - 1) / int64(p.Size))
}

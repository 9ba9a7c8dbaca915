package identity

import "context"

// Store is the durable principal persistence boundary consumed by the Directory.
//
// Contract:
//   - Find* report absence through the bool, never through an error.
//   - Save assigns ID and CreatedAt when the principal has no ID yet, and replaces
//     the stored role memberships with p.Roles.
//   - A duplicate username on Save surfaces as a ConflictError on "username".
//   - Returned principals are copies; callers may mutate them freely.
type Store interface {
	FindByUsername(ctx context.Context, username string) (Principal, bool, error)
	FindByID(ctx context.Context, id string) (Principal, bool, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByID(ctx context.Context, id string) (bool, error)
	Save(ctx context.Context, p Principal) (Principal, error)
	SaveAll(ctx context.Context, ps []Principal) error
	Delete(ctx context.Context, p Principal) error
	FindAll(ctx context.Context, req PageRequest) (Page[Principal], error)
}

// RoleStore is implemented by stores that also hold the role catalog.
// EnsureRoles creates missing roles by name and returns them with their IDs.
type RoleStore interface {
	EnsureRoles(ctx context.Context, names ...string) ([]Role, error)
}

// Hasher is the one-way credential transform injected into the Directory.
type Hasher interface {
	Hash(plain string) (string, error)
	Verify(encoded, plain string) (bool, error)
}

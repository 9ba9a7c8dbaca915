package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// protectedRoleCount is the role-set size that blocks RemoveRole.
// It is a literal count check; it does not look at which roles are held.
const protectedRoleCount = 2

// Directory is the single source of truth for principal lookup and mutation.
//
// ResolveByUsername is served through a PrincipalCache. Every mutation reads
// from the Store (never from the cache) and invalidates the affected usernames
// after writing.
//
// Check-then-write sequences (Create, Update) are not atomic against concurrent
// writers; the Store's own username uniqueness is the final guard.
type Directory struct {
	store   Store
	hasher  Hasher
	cache   *PrincipalCache
	log     *slog.Logger
	metrics *Metrics
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory) error

// WithCache installs a pre-built cache (e.g. with a custom size).
func WithCache(c *PrincipalCache) DirectoryOption {
	return func(d *Directory) error {
		if c == nil {
			return errors.New("identity: nil cache")
		}
		d.cache = c
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) DirectoryOption {
	return func(d *Directory) error {
		if log != nil {
			d.log = log
		}
		return nil
	}
}

// WithMetrics enables prometheus counters.
func WithMetrics(m *Metrics) DirectoryOption {
	return func(d *Directory) error {
		d.metrics = m
		return nil
	}
}

// NewDirectory wires a Directory over store with the injected hasher.
func NewDirectory(store Store, hasher Hasher, opts ...DirectoryOption) (*Directory, error) {
	if store == nil {
		return nil, errors.New("identity: nil store")
	}
	if hasher == nil {
		return nil, errors.New("identity: nil hasher")
	}

	d := &Directory{
		store:  store,
		hasher: hasher,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.cache == nil {
		c, err := NewPrincipalCache(defaultCacheSize)
		if err != nil {
			return nil, err
		}
		d.cache = c
	}
	return d, nil
}

// Cache exposes the username cache (used by tests and admin tooling).
func (d *Directory) Cache() *PrincipalCache { return d.cache }

// ResolveByUsername returns the principal with exactly this username.
// Results are cached until a mutation invalidates the username.
func (d *Directory) ResolveByUsername(ctx context.Context, username string) (Principal, error) {
	const op = "identity.ResolveByUsername"

	if p, ok := d.cache.Get(username); ok {
		d.metrics.cacheHit()
		return p, nil
	}
	d.metrics.cacheMiss()

	gen := d.cache.Generation()
	p, found, err := d.store.FindByUsername(ctx, username)
	if err != nil {
		return Principal{}, err
	}
	if !found {
		return Principal{}, notFound(op, "principal")
	}
	d.cache.PutIfCurrent(gen, p)
	return p, nil
}

// ExistsByUsername reports whether username is taken. Blank input is never taken.
func (d *Directory) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	if strings.TrimSpace(username) == "" {
		return false, nil
	}
	return d.store.ExistsByUsername(ctx, username)
}

// ResolveByID returns the principal with id.
func (d *Directory) ResolveByID(ctx context.Context, id string) (Principal, error) {
	const op = "identity.ResolveByID"

	p, found, err := d.store.FindByID(ctx, id)
	if err != nil {
		return Principal{}, err
	}
	if !found {
		return Principal{}, notFound(op, "principal")
	}
	return p, nil
}

// ExistsByID reports whether id exists. A blank id is reported as ErrNotFound,
// unlike ExistsByUsername which answers false.
func (d *Directory) ExistsByID(ctx context.Context, id string) (bool, error) {
	const op = "identity.ExistsByID"

	if strings.TrimSpace(id) == "" {
		return false, notFound(op, "principal")
	}
	return d.store.ExistsByID(ctx, id)
}

// Create registers p with the given roles. p.Password is the plaintext; the
// stored record carries only its hash. The role set is replaced by roles.
func (d *Directory) Create(ctx context.Context, p Principal, roles ...Role) (out Principal, err error) {
	const op = "identity.Create"
	defer func() { d.metrics.observe(op, err) }()

	if strings.TrimSpace(p.Username) == "" {
		return Principal{}, invalid(op, "username is required")
	}

	exists, err := d.ExistsByUsername(ctx, p.Username)
	if err != nil {
		return Principal{}, err
	}
	if exists {
		return Principal{}, usernameConflict(op)
	}

	hashed, err := d.hashCredential(op, p.Password)
	if err != nil {
		return Principal{}, err
	}

	p.ID = ""
	p.CreatedAt = time.Time{}
	p.Password = hashed
	p.Roles = NewRoleSet(roles...)
	if p.Flags == (AccountFlags{}) {
		p.Flags = DefaultAccountFlags()
	}

	out, err = d.store.Save(ctx, p)
	d.cache.Invalidate(p.Username)
	if err != nil {
		return Principal{}, err
	}

	d.log.Info("directory.principal.create", "principal_id", out.ID, "username", out.Username, "roles", out.Roles.Len())
	return out, nil
}

// CreateBatch persists already-prepared records as-is. No uniqueness check and
// no hashing happens here; callers own pre-validation.
func (d *Directory) CreateBatch(ctx context.Context, ps []Principal) (err error) {
	const op = "identity.CreateBatch"
	defer func() { d.metrics.observe(op, err) }()

	if len(ps) == 0 {
		return nil
	}

	// A record carrying an existing ID overwrites that principal, possibly
	// under a new username, so the stored usernames are invalidated as well.
	usernames := make([]string, 0, len(ps))
	for _, p := range ps {
		usernames = append(usernames, p.Username)
		if p.ID == "" {
			continue
		}
		cur, found, ferr := d.store.FindByID(ctx, p.ID)
		if ferr != nil {
			return ferr
		}
		if found && cur.Username != p.Username {
			usernames = append(usernames, cur.Username)
		}
	}

	err = d.store.SaveAll(ctx, ps)
	d.cache.Invalidate(usernames...)

	if err != nil {
		return err
	}
	d.log.Info("directory.principal.create_batch", "count", len(ps))
	return nil
}

// Delete removes the principal with id.
func (d *Directory) Delete(ctx context.Context, id string) (err error) {
	const op = "identity.Delete"
	defer func() { d.metrics.observe(op, err) }()

	p, err := d.ResolveByID(ctx, id)
	if err != nil {
		return err
	}

	err = d.store.Delete(ctx, p)
	d.cache.Invalidate(p.Username)
	if err != nil {
		return err
	}

	d.log.Info("directory.principal.delete", "principal_id", p.ID, "username", p.Username)
	return nil
}

// Update overlays the profile fields of patch onto the principal with id.
//
// The username is applied when non-blank (subject to uniqueness). ID,
// CreatedAt, Password, Flags and Roles are never taken from patch.
func (d *Directory) Update(ctx context.Context, id string, patch Principal) (out Principal, err error) {
	const op = "identity.Update"
	defer func() { d.metrics.observe(op, err) }()

	cur, err := d.ResolveByID(ctx, id)
	if err != nil {
		return Principal{}, err
	}
	oldUsername := cur.Username

	if strings.TrimSpace(patch.Username) != "" && patch.Username != cur.Username {
		exists, err := d.ExistsByUsername(ctx, patch.Username)
		if err != nil {
			return Principal{}, err
		}
		if exists {
			return Principal{}, usernameConflict(op)
		}
		cur.Username = patch.Username
	}
	cur.DisplayName = patch.DisplayName
	cur.Email = patch.Email

	out, err = d.store.Save(ctx, cur)
	d.cache.Invalidate(oldUsername, cur.Username)
	if err != nil {
		return Principal{}, err
	}

	d.log.Info("directory.principal.update", "principal_id", out.ID, "username", out.Username, "renamed", oldUsername != out.Username)
	return out, nil
}

// ChangePassword replaces the credential of the principal with id.
func (d *Directory) ChangePassword(ctx context.Context, id, newPlain string) (out Principal, err error) {
	const op = "identity.ChangePassword"
	defer func() { d.metrics.observe(op, err) }()

	cur, err := d.ResolveByID(ctx, id)
	if err != nil {
		return Principal{}, err
	}
	return d.storeCredential(ctx, op, cur, newPlain)
}

// ChangePasswordByUsername replaces the credential of the principal named username.
// A missing username is reported as ErrUsernameNotFound.
func (d *Directory) ChangePasswordByUsername(ctx context.Context, username, newPlain string) (out Principal, err error) {
	const op = "identity.ChangePasswordByUsername"
	defer func() { d.metrics.observe(op, err) }()

	exists, err := d.ExistsByUsername(ctx, username)
	if err != nil {
		return Principal{}, err
	}
	if !exists {
		return Principal{}, OpError{Op: op, Kind: ErrUsernameNotFound}
	}

	cur, found, err := d.store.FindByUsername(ctx, username)
	if err != nil {
		return Principal{}, err
	}
	if !found {
		// Deleted between the existence check and the read.
		return Principal{}, OpError{Op: op, Kind: ErrUsernameNotFound}
	}
	return d.storeCredential(ctx, op, cur, newPlain)
}

func (d *Directory) storeCredential(ctx context.Context, op string, cur Principal, newPlain string) (Principal, error) {
	hashed, err := d.hashCredential(op, newPlain)
	if err != nil {
		return Principal{}, err
	}
	cur.Password = hashed

	out, err := d.store.Save(ctx, cur)
	d.cache.Invalidate(cur.Username)
	if err != nil {
		return Principal{}, err
	}

	d.log.Info("directory.principal.password_change", "principal_id", out.ID, "username", out.Username)
	return out, nil
}

// AddRole adds role to the principal with id. Adding a held role is a no-op write.
func (d *Directory) AddRole(ctx context.Context, id string, role Role) (out Principal, err error) {
	const op = "identity.AddRole"
	defer func() { d.metrics.observe(op, err) }()

	cur, err := d.ResolveByID(ctx, id)
	if err != nil {
		return Principal{}, err
	}
	if cur.Roles == nil {
		cur.Roles = RoleSet{}
	}
	cur.Roles.Add(role)

	out, err = d.store.Save(ctx, cur)
	d.cache.Invalidate(cur.Username)
	if err != nil {
		return Principal{}, err
	}

	d.log.Info("directory.principal.role_add", "principal_id", out.ID, "role", role.Name, "roles", out.Roles.Len())
	return out, nil
}

// RemoveRole removes role from the principal with id.
// Principals holding exactly two roles are protected: removal fails with
// ErrProtectedRoles and nothing is written.
func (d *Directory) RemoveRole(ctx context.Context, id string, role Role) (out Principal, err error) {
	const op = "identity.RemoveRole"
	defer func() { d.metrics.observe(op, err) }()

	guard, found, err := d.store.FindByID(ctx, id)
	if err != nil {
		return Principal{}, err
	}
	if !found {
		return Principal{}, notFound(op, "principal")
	}
	if guard.Roles.Len() == protectedRoleCount {
		return Principal{}, OpError{Op: op, Kind: ErrProtectedRoles, Msg: fmt.Sprintf("principal holds %d roles", protectedRoleCount)}
	}

	cur, err := d.ResolveByID(ctx, id)
	if err != nil {
		return Principal{}, err
	}
	cur.Roles.Remove(role)

	out, err = d.store.Save(ctx, cur)
	d.cache.Invalidate(cur.Username)
	if err != nil {
		return Principal{}, err
	}

	d.log.Info("directory.principal.role_remove", "principal_id", out.ID, "role", role.Name, "roles", out.Roles.Len())
	return out, nil
}

// List returns one page of principals. Not cached.
func (d *Directory) List(ctx context.Context, req PageRequest) (Page[Principal], error) {
	return d.store.FindAll(ctx, req.Normalize())
}

// Authenticate checks a username/password pair through the cached lookup path.
//
// Unknown usernames and wrong passwords are both reported as
// ErrInvalidCredentials; inactive accounts as ErrNotActive.
func (d *Directory) Authenticate(ctx context.Context, username, plain string) (out Principal, err error) {
	const op = "identity.Authenticate"
	defer func() { d.metrics.observe(op, err) }()

	p, err := d.ResolveByUsername(ctx, username)
	if err != nil {
		if IsNotFound(err) {
			return Principal{}, OpError{Op: op, Kind: ErrInvalidCredentials}
		}
		return Principal{}, err
	}

	ok, err := d.hasher.Verify(p.Password, plain)
	if err != nil {
		return Principal{}, fmt.Errorf("%s: verify: %w", op, err)
	}
	if !ok {
		return Principal{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}
	if !p.Flags.Active() {
		return Principal{}, OpError{Op: op, Kind: ErrNotActive, Msg: "account disabled, locked or expired"}
	}
	return p, nil
}

func (d *Directory) hashCredential(op, plain string) (string, error) {
	if plain == "" {
		return "", invalid(op, "password is required")
	}
	hashed, err := d.hasher.Hash(plain)
	if err != nil {
		return "", fmt.Errorf("%s: hash: %w", op, err)
	}
	return hashed, nil
}

package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"integops/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store and RoleStore over PostgreSQL.
//
// Notes:
//   - The pgx pool is owned by the caller; this store must NOT close it.
//   - Schema/table identifiers are quoted via pgx.Identifier.
//   - Save writes the principal row and its role memberships in one transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "integops").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "integops",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the schema and tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, SchemaSQL(s.schema))
	return err
}

// SchemaSQL returns the DDL for the directory tables inside schema.
func SchemaSQL(schema string) string {
	principals := pgIdent(schema, "principals")
	roles := pgIdent(schema, "roles")
	members := pgIdent(schema, "principal_roles")

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id                  TEXT PRIMARY KEY,
  username            TEXT NOT NULL,
  password_hash       TEXT NOT NULL,
  display_name        TEXT NOT NULL DEFAULT '',
  email               TEXT NOT NULL DEFAULT '',
  enabled             BOOLEAN NOT NULL DEFAULT TRUE,
  locked              BOOLEAN NOT NULL DEFAULT FALSE,
  expired             BOOLEAN NOT NULL DEFAULT FALSE,
  credentials_expired BOOLEAN NOT NULL DEFAULT FALSE,
  created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_principals_username_nonempty CHECK (char_length(username) > 0),
  CONSTRAINT uq_principals_username UNIQUE (username)
);

CREATE TABLE IF NOT EXISTS %s (
  id   TEXT PRIMARY KEY,
  name TEXT NOT NULL,

  CONSTRAINT uq_roles_name UNIQUE (name)
);

CREATE TABLE IF NOT EXISTS %s (
  principal_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  role_id      TEXT NOT NULL REFERENCES %s(id),

  PRIMARY KEY (principal_id, role_id)
);
`,
		pgx.Identifier{schema}.Sanitize(),
		principals,
		roles,
		members, principals, roles,
	)
}

const principalColumns = `id, username, password_hash, display_name, email,
       enabled, locked, expired, credentials_expired, created_at`

// FindByUsername returns the principal with exactly username.
func (s *PostgresStore) FindByUsername(ctx context.Context, username string) (Principal, bool, error) {
	return s.findOne(ctx, "username", username)
}

// FindByID returns the principal with id.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (Principal, bool, error) {
	return s.findOne(ctx, "id", id)
}

func (s *PostgresStore) findOne(ctx context.Context, column, value string) (Principal, bool, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, false, err
	}

	principals := pgIdent(s.schema, "principals")

	row := s.pool.QueryRow(ctx,
		`SELECT `+principalColumns+`
		   FROM `+principals+`
		  WHERE `+pgx.Identifier{column}.Sanitize()+` = $1`,
		value,
	)
	p, err := scanPrincipal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, false, nil
		}
		return Principal{}, false, err
	}

	roles, err := s.loadRoles(ctx, []string{p.ID})
	if err != nil {
		return Principal{}, false, err
	}
	p.Roles = roles[p.ID]
	if p.Roles == nil {
		p.Roles = RoleSet{}
	}
	return p, true, nil
}

// ExistsByUsername reports whether username is taken.
func (s *PostgresStore) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, "username", username)
}

// ExistsByID reports whether id exists.
func (s *PostgresStore) ExistsByID(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, "id", id)
}

func (s *PostgresStore) exists(ctx context.Context, column, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	principals := pgIdent(s.schema, "principals")

	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+principals+` WHERE `+pgx.Identifier{column}.Sanitize()+` = $1)`,
		value,
	).Scan(&ok)
	return ok, err
}

// Save inserts or updates p and replaces its role memberships.
func (s *PostgresStore) Save(ctx context.Context, p Principal) (Principal, error) {
	const op = "identity.PostgresStore.Save"

	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	var out Principal
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = s.saveTx(ctx, tx, op, p)
		return err
	})
	if err != nil {
		return Principal{}, err
	}
	return out, nil
}

// SaveAll saves every principal in a single transaction.
func (s *PostgresStore) SaveAll(ctx context.Context, ps []Principal) error {
	const op = "identity.PostgresStore.SaveAll"

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ps) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, p := range ps {
			if _, err := s.saveTx(ctx, tx, op, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) saveTx(ctx context.Context, tx pgx.Tx, op string, p Principal) (Principal, error) {
	if strings.TrimSpace(p.Username) == "" {
		return Principal{}, invalid(op, "username is required")
	}

	roleIDs := make([]string, 0, p.Roles.Len())
	for _, r := range p.Roles.Slice() {
		if r.ID == "" {
			return Principal{}, invalid(op, "role without id: "+r.Name)
		}
		roleIDs = append(roleIDs, r.ID)
	}

	now := s.now()
	if p.ID == "" {
		id, err := ids.New(now)
		if err != nil {
			return Principal{}, err
		}
		p.ID = id
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	principals := pgIdent(s.schema, "principals")
	members := pgIdent(s.schema, "principal_roles")

	// created_at is excluded from the update set: it is immutable once stored.
	err := tx.QueryRow(ctx,
		`INSERT INTO `+principals+` (
		     id, username, password_hash, display_name, email,
		     enabled, locked, expired, credentials_expired, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		     username            = EXCLUDED.username,
		     password_hash       = EXCLUDED.password_hash,
		     display_name        = EXCLUDED.display_name,
		     email               = EXCLUDED.email,
		     enabled             = EXCLUDED.enabled,
		     locked              = EXCLUDED.locked,
		     expired             = EXCLUDED.expired,
		     credentials_expired = EXCLUDED.credentials_expired,
		     updated_at          = EXCLUDED.updated_at
		 RETURNING created_at`,
		p.ID,
		p.Username,
		p.Password,
		p.DisplayName,
		p.Email,
		p.Flags.Enabled,
		p.Flags.Locked,
		p.Flags.Expired,
		p.Flags.CredentialsExpired,
		p.CreatedAt,
		now,
	).Scan(&p.CreatedAt)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			if field == "username" {
				return Principal{}, usernameConflict(op)
			}
			return Principal{}, ConflictError{Op: op, Field: field}
		}
		return Principal{}, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM `+members+` WHERE principal_id = $1`, p.ID); err != nil {
		return Principal{}, err
	}
	if len(roleIDs) > 0 {
		_, err := tx.Exec(ctx,
			`INSERT INTO `+members+` (principal_id, role_id)
			 SELECT $1, unnest($2::text[])`,
			p.ID, roleIDs,
		)
		if err != nil {
			if pgIsForeignKeyViolation(err) {
				return Principal{}, notFound(op, "role")
			}
			return Principal{}, err
		}
	}

	out := p.Clone()
	if out.Roles == nil {
		out.Roles = RoleSet{}
	}
	return out, nil
}

// Delete removes p (by ID); memberships cascade.
func (s *PostgresStore) Delete(ctx context.Context, p Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == "" {
		return errors.New("identity: delete: missing id")
	}

	principals := pgIdent(s.schema, "principals")
	_, err := s.pool.Exec(ctx, `DELETE FROM `+principals+` WHERE id = $1`, p.ID)
	return err
}

// FindAll returns a page ordered by created_at, then id.
func (s *PostgresStore) FindAll(ctx context.Context, req PageRequest) (Page[Principal], error) {
	if err := ctx.Err(); err != nil {
		return Page[Principal]{}, err
	}
	req = req.Normalize()

	principals := pgIdent(s.schema, "principals")

	out := Page[Principal]{Page: req.Page, Size: req.Size}
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+principals).Scan(&out.Total); err != nil {
		return Page[Principal]{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+principalColumns+`
		   FROM `+principals+`
		  ORDER BY created_at ASC, id ASC
		  LIMIT $1 OFFSET $2`,
		req.Size, req.Offset(),
	)
	if err != nil {
		return Page[Principal]{}, err
	}
	defer rows.Close()

	var idList []string
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return Page[Principal]{}, err
		}
		out.Items = append(out.Items, p)
		idList = append(idList, p.ID)
	}
	if err := rows.Err(); err != nil {
		return Page[Principal]{}, err
	}

	if len(idList) == 0 {
		return out, nil
	}

	roles, err := s.loadRoles(ctx, idList)
	if err != nil {
		return Page[Principal]{}, err
	}
	for i := range out.Items {
		out.Items[i].Roles = roles[out.Items[i].ID]
		if out.Items[i].Roles == nil {
			out.Items[i].Roles = RoleSet{}
		}
	}
	return out, nil
}

// EnsureRoles returns the roles with the given names, creating missing ones.
func (s *PostgresStore) EnsureRoles(ctx context.Context, names ...string) ([]Role, error) {
	const op = "identity.PostgresStore.EnsureRoles"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	roles := pgIdent(s.schema, "roles")

	byName := make(map[string]Role, len(names))
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" {
				return invalid(op, "role name is required")
			}
			id, err := ids.New(s.now())
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO `+roles+` (id, name) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
				id, name,
			); err != nil {
				return err
			}

			var r Role
			if err := tx.QueryRow(ctx, `SELECT id, name FROM `+roles+` WHERE name = $1`, name).Scan(&r.ID, &r.Name); err != nil {
				return err
			}
			byName[name] = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Role, 0, len(names))
	for _, name := range names {
		out = append(out, byName[strings.TrimSpace(name)])
	}
	return out, nil
}

// ---- helpers ----

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) loadRoles(ctx context.Context, principalIDs []string) (map[string]RoleSet, error) {
	roles := pgIdent(s.schema, "roles")
	members := pgIdent(s.schema, "principal_roles")

	rows, err := s.pool.Query(ctx,
		`SELECT m.principal_id, r.id, r.name
		   FROM `+members+` m
		   JOIN `+roles+` r ON r.id = m.role_id
		  WHERE m.principal_id = ANY($1)`,
		principalIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]RoleSet, len(principalIDs))
	for rows.Next() {
		var (
			pid string
			r   Role
		)
		if err := rows.Scan(&pid, &r.ID, &r.Name); err != nil {
			return nil, err
		}
		set, ok := out[pid]
		if !ok {
			set = RoleSet{}
			out[pid] = set
		}
		set.Add(r)
	}
	return out, rows.Err()
}

func scanPrincipal(row pgx.Row) (Principal, error) {
	var p Principal
	err := row.Scan(
		&p.ID,
		&p.Username,
		&p.Password,
		&p.DisplayName,
		&p.Email,
		&p.Flags.Enabled,
		&p.Flags.Locked,
		&p.Flags.Expired,
		&p.Flags.CredentialsExpired,
		&p.CreatedAt,
	)
	return p, err
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503" // foreign_key_violation
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_principals_username" || strings.Contains(c, "username"):
		return "username", true
	case c == "uq_roles_name":
		return "role", true
	default:
		return "unique", true
	}
}

package postgres

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// CreatePolicy stores a new admission rule.
func (s *Store) CreatePolicy(ctx context.Context, p intel.Policy) (intel.Policy, error) {
	pattern, err := intel.NormalizePattern(p.Pattern)
	if err != nil {
		return intel.Policy{}, err
	}
	if !p.Type.Valid() {
		return intel.Policy{}, intel.Validationf("policy type must be BLACKLIST or WHITELIST")
	}
	id, err := s.newID("create policy")
	if err != nil {
		return intel.Policy{}, err
	}
	p.ID = id
	p.Pattern = pattern
	p.CreatedAt = s.clock.Now()
	_, err = s.pool.Exec(ctx, `INSERT INTO policies (id, pattern, type, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Pattern, string(p.Type), p.CreatedAt)
	if isUniqueViolation(err) {
		return intel.Policy{}, &intel.Error{Kind: intel.KindConflict, Detail: "policy already exists"}
	}
	if err != nil {
		return intel.Policy{}, dbErr("create policy", err)
	}
	return p, nil
}

// ListPolicies returns all rules, oldest first.
func (s *Store) ListPolicies(ctx context.Context) ([]intel.Policy, error) {
	rows, err := s.pool.Query(ctx, `SELECT id::text, pattern, type, created_at FROM policies ORDER BY created_at, id`)
	if err != nil {
		return nil, dbErr("list policies", err)
	}
	defer rows.Close()
	out := make([]intel.Policy, 0)
	for rows.Next() {
		var (
			p   intel.Policy
			typ string
		)
		if err := rows.Scan(&p.ID, &p.Pattern, &typ, &p.CreatedAt); err != nil {
			return nil, dbErr("scan policy", err)
		}
		p.Type = intel.PolicyType(typ)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list policies", err)
	}
	return out, nil
}

// DeletePolicy removes a rule.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return dbErr("delete policy", err)
	}
	if tag.RowsAffected() == 0 {
		return intel.NotFoundf("policy %s not found", id)
	}
	return nil
}

const categoryColumns = `c.id::text, c.name, c.description, c.is_system, c.created_at,
	(SELECT COUNT(*) FROM kb_items k WHERE k.category = c.name)`

func scanCategory(row pgx.Row) (intel.Category, error) {
	var c intel.Category
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.IsSystem, &c.CreatedAt, &c.Count)
	return c, err
}

// CreateCategory stores a new category with a unique name.
func (s *Store) CreateCategory(ctx context.Context, c intel.Category) (intel.Category, error) {
	name, err := intel.ValidateCategoryName(c.Name)
	if err != nil {
		return intel.Category{}, err
	}
	id, err := s.newID("create category")
	if err != nil {
		return intel.Category{}, err
	}
	c.ID = id
	c.Name = name
	c.CreatedAt = s.clock.Now()
	_, err = s.pool.Exec(ctx, `
INSERT INTO categories (id, name, description, is_system, created_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Name, c.Description, c.IsSystem, c.CreatedAt)
	if isUniqueViolation(err) {
		return intel.Category{}, intel.ErrDuplicateName
	}
	if err != nil {
		return intel.Category{}, dbErr("create category", err)
	}
	c.Count = 0
	return c, nil
}

// GetCategory fetches one category with its live count.
func (s *Store) GetCategory(ctx context.Context, id string) (intel.Category, error) {
	c, err := scanCategory(s.pool.QueryRow(ctx, `SELECT `+categoryColumns+` FROM categories c WHERE c.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return intel.Category{}, intel.NotFoundf("category %s not found", id)
	}
	if err != nil {
		return intel.Category{}, dbErr("get category", err)
	}
	return c, nil
}

// ListCategories returns categories ordered by name with counts.
func (s *Store) ListCategories(ctx context.Context) ([]intel.Category, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+categoryColumns+` FROM categories c ORDER BY c.name`)
	if err != nil {
		return nil, dbErr("list categories", err)
	}
	defer rows.Close()
	out := make([]intel.Category, 0)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, dbErr("scan category", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list categories", err)
	}
	return out, nil
}

// UpdateCategory edits a category and cascades a rename to KB rows in the
// same transaction. Touched rows are marked stale with a new revision.
func (s *Store) UpdateCategory(ctx context.Context, id, name, description string) (intel.Category, []string, error) {
	name, err := intel.ValidateCategoryName(name)
	if err != nil {
		return intel.Category{}, nil, err
	}
	var (
		out     intel.Category
		touched []string
	)
	err = s.inTx(ctx, "update category", func(tx pgx.Tx) error {
		var oldName string
		err := tx.QueryRow(ctx, `SELECT name FROM categories WHERE id = $1 FOR UPDATE`, id).Scan(&oldName)
		if errors.Is(err, pgx.ErrNoRows) {
			return intel.NotFoundf("category %s not found", id)
		}
		if err != nil {
			return dbErr("update category", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE categories SET name = $2, description = $3 WHERE id = $1`,
			id, name, description); err != nil {
			if isUniqueViolation(err) {
				return intel.ErrDuplicateName
			}
			return dbErr("update category", err)
		}
		if name != oldName {
			rows, err := tx.Query(ctx, `
UPDATE kb_items
SET category = $2, revision = revision + 1, vector_status = 'stale', vector_error = '',
	updated_at = GREATEST(updated_at, $3)
WHERE category = $1
RETURNING fqdn`, oldName, name, s.clock.Now())
			if err != nil {
				return dbErr("cascade rename", err)
			}
			for rows.Next() {
				var fqdn string
				if err := rows.Scan(&fqdn); err != nil {
					rows.Close()
					return dbErr("cascade rename", err)
				}
				touched = append(touched, fqdn)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return dbErr("cascade rename", err)
			}
		}
		c, err := scanCategory(tx.QueryRow(ctx, `SELECT `+categoryColumns+` FROM categories c WHERE c.id = $1`, id))
		if err != nil {
			return dbErr("update category", err)
		}
		out = c
		return nil
	})
	if err != nil {
		return intel.Category{}, nil, err
	}
	return out, touched, nil
}

// DeleteCategory removes an unused, non-system category.
func (s *Store) DeleteCategory(ctx context.Context, id string) error {
	return s.inTx(ctx, "delete category", func(tx pgx.Tx) error {
		var (
			name     string
			isSystem bool
		)
		err := tx.QueryRow(ctx, `SELECT name, is_system FROM categories WHERE id = $1 FOR UPDATE`, id).Scan(&name, &isSystem)
		if errors.Is(err, pgx.ErrNoRows) {
			return intel.NotFoundf("category %s not found", id)
		}
		if err != nil {
			return dbErr("delete category", err)
		}
		if isSystem {
			return intel.ErrProtected
		}
		var n int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM kb_items WHERE category = $1`, name).Scan(&n); err != nil {
			return dbErr("delete category", err)
		}
		if n > 0 {
			return intel.ErrInUse
		}
		if _, err := tx.Exec(ctx, `DELETE FROM categories WHERE id = $1`, id); err != nil {
			return dbErr("delete category", err)
		}
		return nil
	})
}

// CategoryStats returns the distribution of KB items across categories.
func (s *Store) CategoryStats(ctx context.Context) ([]intel.CategoryStat, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM kb_items`).Scan(&total); err != nil {
		return nil, dbErr("category stats", err)
	}
	rows, err := s.pool.Query(ctx, `
SELECT c.name, COUNT(k.fqdn)
FROM categories c LEFT JOIN kb_items k ON k.category = c.name
GROUP BY c.name
ORDER BY COUNT(k.fqdn) DESC, c.name`)
	if err != nil {
		return nil, dbErr("category stats", err)
	}
	defer rows.Close()
	out := make([]intel.CategoryStat, 0)
	for rows.Next() {
		var st intel.CategoryStat
		if err := rows.Scan(&st.Name, &st.Count); err != nil {
			return nil, dbErr("category stats", err)
		}
		if total > 0 {
			st.Percent = math.Round(float64(st.Count)*10000/float64(total)) / 100
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("category stats", err)
	}
	return out, nil
}

// categoryByNameShared locks the category row in share mode so a concurrent
// rename or delete waits for this transaction and sees the KB row it writes.
const categoryByNameShared = `SELECT name FROM categories WHERE lower(name) = lower($1) FOR SHARE`

// lockCategory returns the canonical name of the category matching label,
// or pgx.ErrNoRows once a concurrent rename or delete has moved it away.
func lockCategory(ctx context.Context, tx pgx.Tx, label string) (string, error) {
	var name string
	err := tx.QueryRow(ctx, categoryByNameShared, strings.TrimSpace(label)).Scan(&name)
	return name, err
}

// resolveCategory maps an analysis label onto an existing category name,
// creating the system fallback category on first use.
func (s *Store) resolveCategory(ctx context.Context, tx pgx.Tx, label string) (string, error) {
	name, err := lockCategory(ctx, tx, label)
	if err == nil {
		return name, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", dbErr("resolve category", err)
	}
	id, err := s.newID("create fallback category")
	if err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO categories (id, name, description, is_system, created_at)
VALUES ($1, $2, 'Analyses with no matching category', TRUE, $3)
ON CONFLICT DO NOTHING`, id, intel.UncategorizedName, s.clock.Now()); err != nil {
		return "", dbErr("create fallback category", err)
	}
	if name, err = lockCategory(ctx, tx, intel.UncategorizedName); err != nil {
		return "", dbErr("resolve category", err)
	}
	return name, nil
}

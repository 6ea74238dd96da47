package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ohler55/ojg/oj"
	_ "modernc.org/sqlite"
)

// StoredView is one persisted registry row. The specification is stored
// verbatim and re-parsed on load.
type StoredView struct {
	Name      string
	Spec      string
	Seq       uint64
	Principal string
	Roles     []string
}

// Store persists views in a SQLite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and if needed initialises) the view database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS views (
		name      TEXT PRIMARY KEY,
		spec      TEXT NOT NULL,
		seq       INTEGER NOT NULL,
		principal TEXT NOT NULL DEFAULT '',
		roles     JSON
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Load reads every persisted view in creation order.
func (s *Store) Load(ctx context.Context) ([]StoredView, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, spec, seq, principal, roles FROM views ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredView
	for rows.Next() {
		var (
			sv    StoredView
			roles sql.NullString
		)
		if err := rows.Scan(&sv.Name, &sv.Spec, &sv.Seq, &sv.Principal, &roles); err != nil {
			return nil, err
		}
		if roles.Valid && roles.String != "" {
			decoded, err := oj.ParseString(roles.String)
			if err != nil {
				return nil, fmt.Errorf("view %q: bad roles: %w", sv.Name, err)
			}
			if list, ok := decoded.([]any); ok {
				for _, r := range list {
					if s, ok := r.(string); ok {
						sv.Roles = append(sv.Roles, s)
					}
				}
			}
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

// Save inserts or replaces the view row.
func (s *Store) Save(ctx context.Context, v *View) error {
	roles := make([]any, len(v.Security.Roles))
	for i, r := range v.Security.Roles {
		roles[i] = r
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO views (name, spec, seq, principal, roles) VALUES (?, ?, ?, ?, ?)`,
		v.Name, v.Spec.Text, v.Seq, v.Security.Principal, oj.JSON(roles))
	return err
}

// Delete removes the view row.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM views WHERE name = ?", name)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

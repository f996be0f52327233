package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/uwepo/core/user"
)

const userCols = `id, name, username, email, roll_number, is_active, roles,
	semester, branch, section, password_hash, created_at, updated_at, last_login`

type userRepository struct {
	db *sqlx.DB
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository(db *sqlx.DB) *userRepository {
	return &userRepository{db: db}
}

func (repo *userRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers ...user.User) error {
	excluded := make([]string, 0, len(excludedUsers))
	for _, usr := range excludedUsers {
		excluded = append(excluded, usr.ID)
	}

	query := `SELECT username, email FROM "user" WHERE (username = $1 OR email = $2) AND NOT (id = ANY($3))`
	rows, err := repo.db.QueryContext(ctx, query, username, email, pqStringArray(excluded))
	if err != nil {
		return errors.Wrap(err, "checking uniqueness")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var uname, mail string
		if err = rows.Scan(&uname, &mail); err != nil {
			return errors.Wrap(err, "checking uniqueness")
		}
		if uname == username && username != "" {
			return user.ErrUsernameExists
		}
		if mail == email && email != "" {
			return user.ErrEmailExists
		}
	}
	return rows.Err()
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	roles, err := json.Marshal(usr.Roles)
	if err != nil {
		return user.User{}, errors.Wrap(err, "encoding roles")
	}
	query := `
		INSERT INTO "user"
		(id, name, username, email, roll_number, is_active, roles, semester, branch, section, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = repo.db.ExecContext(ctx, query,
		usr.ID, usr.Name, usr.Username, usr.Email, usr.RollNumber, usr.IsActive, roles,
		usr.Placement.Semester, usr.Placement.Branch, usr.Placement.Section,
		usr.PasswordHash, usr.CreatedAt, usr.UpdatedAt,
	)
	if err != nil {
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return usr, nil
}

func (repo *userRepository) GetUserByID(ctx context.Context, id string) (user.User, error) {
	return repo.getUser(ctx, `SELECT `+userCols+` FROM "user" WHERE id = $1`, id)
}

func (repo *userRepository) GetUserByUsernameOrEmail(ctx context.Context, username string) (user.User, error) {
	query := `SELECT ` + userCols + ` FROM "user" WHERE username = $1 OR email = $1`
	return repo.getUser(ctx, query, strings.ToLower(username))
}

func (repo *userRepository) FilterUsers(ctx context.Context, filter user.QueryFilter) ([]user.User, error) {
	query := `SELECT ` + userCols + ` FROM "user" WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + itoa(len(args))
	}

	if filter.RolePrefix != "" {
		query += ` AND EXISTS (SELECT 1 FROM jsonb_array_elements_text(roles) role WHERE role LIKE ` + arg(filter.RolePrefix+"%") + `)`
	}
	if filter.Semester != 0 {
		query += ` AND semester = ` + arg(filter.Semester)
	}
	if filter.Branch != "" {
		query += ` AND branch = ` + arg(filter.Branch)
	}
	if filter.Section != "" {
		query += ` AND section = ` + arg(filter.Section)
	}
	if filter.IsActive != nil {
		query += ` AND is_active = ` + arg(*filter.IsActive)
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		query += ` AND (name ILIKE ` + arg(pattern) + ` OR username ILIKE ` + arg(pattern) + ` OR email ILIKE ` + arg(pattern) + `)`
	}
	query += ` ORDER BY roll_number, name`

	rows, err := repo.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "filtering users")
	}
	defer func() { _ = rows.Close() }()

	var users []user.User
	for rows.Next() {
		usr, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, usr)
	}
	return users, rows.Err()
}

func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User) (user.User, error) {
	roles, err := json.Marshal(usr.Roles)
	if err != nil {
		return user.User{}, errors.Wrap(err, "encoding roles")
	}
	query := `
		UPDATE "user" SET
			name = $2, username = $3, email = $4, roll_number = $5, is_active = $6, roles = $7,
			semester = $8, branch = $9, section = $10, password_hash = $11, updated_at = $12, last_login = $13
		WHERE id = $1`
	res, err := repo.db.ExecContext(ctx, query,
		usr.ID, usr.Name, usr.Username, usr.Email, usr.RollNumber, usr.IsActive, roles,
		usr.Placement.Semester, usr.Placement.Branch, usr.Placement.Section,
		usr.PasswordHash, usr.UpdatedAt, nullTime(usr.LastLogin),
	)
	if err != nil {
		return user.User{}, errors.Wrap(err, "updating user")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return user.User{}, user.ErrNotFound
	}
	return usr, nil
}

func (repo *userRepository) getUser(ctx context.Context, query string, args ...interface{}) (user.User, error) {
	usr, err := scanUser(repo.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return user.User{}, user.ErrNotFound
	}
	if err != nil {
		return user.User{}, errors.Wrap(err, "querying user")
	}
	return usr, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (user.User, error) {
	var (
		usr       user.User
		roles     []byte
		lastLogin sql.NullTime
	)
	err := row.Scan(
		&usr.ID, &usr.Name, &usr.Username, &usr.Email, &usr.RollNumber, &usr.IsActive, &roles,
		&usr.Placement.Semester, &usr.Placement.Branch, &usr.Placement.Section,
		&usr.PasswordHash, &usr.CreatedAt, &usr.UpdatedAt, &lastLogin,
	)
	if err != nil {
		return user.User{}, err
	}
	if err = json.Unmarshal(roles, &usr.Roles); err != nil {
		return user.User{}, errors.Wrap(err, "decoding roles")
	}
	if lastLogin.Valid {
		usr.LastLogin = lastLogin.Time
	}
	return usr, nil
}

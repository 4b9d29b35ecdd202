// Package sqlxrepos implements the repositories on Postgres.
package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/masomo/campus/core"
	"github.com/masomo/campus/core/pagination"
	"github.com/masomo/campus/core/user"
)

const userColumns = `id, name, username, email, avatar, is_active, roles, password_hash, created_at, updated_at, last_login`

type userRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Username     null.String    `db:"username"`
	Email        null.String    `db:"email"`
	Avatar       null.String    `db:"avatar"`
	IsActive     bool           `db:"is_active"`
	Roles        pq.StringArray `db:"roles"`
	PasswordHash []byte         `db:"password_hash"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	LastLogin    null.Time      `db:"last_login"`
}

func toUserRow(usr user.User) userRow {
	roles := usr.Roles
	if roles == nil {
		roles = []string{}
	}
	return userRow{
		ID:           usr.ID,
		Name:         usr.Name,
		Username:     null.NewString(usr.Username, usr.Username != ""),
		Email:        null.NewString(usr.Email, usr.Email != ""),
		Avatar:       null.NewString(usr.Avatar, usr.Avatar != ""),
		IsActive:     usr.IsActive,
		Roles:        roles,
		PasswordHash: usr.PasswordHash,
		CreatedAt:    usr.CreatedAt.UTC(),
		UpdatedAt:    usr.UpdatedAt.UTC(),
		LastLogin:    null.NewTime(usr.LastLogin.UTC(), !usr.LastLogin.IsZero()),
	}
}

func (row userRow) toUser() user.User {
	usr := user.User{
		ID:           row.ID,
		Name:         row.Name,
		Username:     row.Username.String,
		Email:        row.Email.String,
		Avatar:       row.Avatar.String,
		IsActive:     row.IsActive,
		Roles:        []string(row.Roles),
		PasswordHash: row.PasswordHash,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
	if row.LastLogin.Valid {
		usr.LastLogin = row.LastLogin.Time.UTC()
	}
	return usr
}

type userRepository struct {
	db *sqlx.DB
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *sqlx.DB) user.Repository {
	return &userRepository{db: db}
}

// trapNoRowsErr maps psql "no rows" err to user.ErrNotFound
func (repo *userRepository) trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return user.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (repo *userRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers ...user.User) error {
	ids := make([]string, 0, len(excludedUsers))
	for _, u := range excludedUsers {
		ids = append(ids, u.ID)
	}

	var match userRow
	err := repo.db.GetContext(ctx, &match,
		`SELECT `+userColumns+` FROM "user"
		WHERE (username = $1 OR email = $2) AND NOT (id = ANY($3::uuid[]))
		LIMIT 1`,
		null.NewString(username, username != ""), null.NewString(email, email != ""), pq.Array(ids),
	)
	switch {
	case err == sql.ErrNoRows:
		return nil
	case err != nil:
		return errors.Wrap(err, "checking user uniqueness")
	case username != "" && match.Username.String == username:
		return user.ErrUsernameExists
	default:
		return user.ErrEmailExists
	}
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	usr.ID = uuid.New().String()
	row := toUserRow(usr)
	_, err := repo.db.NamedExecContext(ctx,
		`INSERT INTO "user" (`+userColumns+`)
		VALUES (:id, :name, :username, :email, :avatar, :is_active, :roles, :password_hash, :created_at, :updated_at, :last_login)`,
		row,
	)
	if err != nil {
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return row.toUser(), nil
}

// userWhere builds the WHERE clause matching filter.
func userWhere(filter user.QueryFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	// users with Name, Username or Email matching the search keyword
	if filter.Search != "" {
		p := arg("%" + filter.Search + "%")
		conds = append(conds, fmt.Sprintf("(name ILIKE %[1]s OR username ILIKE %[1]s OR email ILIKE %[1]s)", p))
	}
	// users with any role that starts with any of the provided roles
	if len(filter.Roles) > 0 {
		patterns := make([]string, 0, len(filter.Roles))
		for _, role := range filter.Roles {
			patterns = append(patterns, role+"%")
		}
		conds = append(conds, fmt.Sprintf("EXISTS (SELECT 1 FROM unnest(roles) r WHERE r LIKE ANY(%s))", arg(pq.Array(patterns))))
	}
	if filter.IsActive != nil {
		conds = append(conds, "is_active = "+arg(*filter.IsActive))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (repo *userRepository) CountUsers(ctx context.Context, filter user.QueryFilter) (int, error) {
	where, args := userWhere(filter)
	var count int
	if err := repo.db.GetContext(ctx, &count, `SELECT count(*) FROM "user"`+where, args...); err != nil {
		return 0, errors.Wrap(err, "counting users")
	}
	return count, nil
}

func (repo *userRepository) QueryUsers(ctx context.Context, filter user.QueryFilter, req pagination.Request) ([]user.User, error) {
	where, args := userWhere(filter)

	column, ok := user.SortFields[req.SortBy]
	if !ok {
		column = user.SortFields[user.DefaultSortField]
	}
	orderings := []core.DBOrdering{
		{Field: column, Ascending: req.Ascending()},
		{Field: "id", Ascending: req.Ascending()},
	}
	orderList := make([]string, 0, len(orderings))
	for _, ord := range orderings {
		orderList = append(orderList, ord.String())
	}

	args = append(args, req.Take(), req.Skip())
	q := fmt.Sprintf(`SELECT %s FROM "user"%s ORDER BY %s LIMIT $%d OFFSET $%d`,
		userColumns, where, strings.Join(orderList, ", "), len(args)-1, len(args))

	var rows []userRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying users")
	}
	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toUser())
	}
	return users, nil
}

func (repo *userRepository) GetUser(ctx context.Context, filter user.GetFilter) (user.User, error) {
	var (
		cond string
		arg  interface{}
	)
	switch {
	case filter.ID != "":
		if _, err := uuid.Parse(filter.ID); err != nil {
			return user.User{}, user.ErrNotFound
		}
		cond, arg = "id = $1", filter.ID
	case filter.Username != "":
		cond, arg = "username = $1", filter.Username
	case filter.Email != "":
		cond, arg = "email = $1", filter.Email
	case filter.UsernameOrEmail != "":
		cond, arg = "(username = $1 OR email = $1)", filter.UsernameOrEmail
	default:
		return user.User{}, user.ErrNotFound
	}

	var row userRow
	if err := repo.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM "user" WHERE `+cond+` LIMIT 1`, arg); err != nil {
		return user.User{}, repo.trapNoRowsErr(err, "finding user")
	}
	return row.toUser(), nil
}

func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User) (user.User, error) {
	row := toUserRow(usr)
	res, err := repo.db.NamedExecContext(ctx,
		`UPDATE "user" SET
			name = :name, username = :username, email = :email, avatar = :avatar, is_active = :is_active,
			roles = :roles, password_hash = :password_hash, updated_at = :updated_at, last_login = :last_login
		WHERE id = :id`,
		row,
	)
	if err != nil {
		return user.User{}, errors.Wrap(err, "updating user")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return user.User{}, user.ErrNotFound
	}
	return row.toUser(), nil
}

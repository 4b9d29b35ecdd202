package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/masomo/campus/core/pagination"
	"github.com/masomo/campus/core/user"
)

type userRepository struct {
	db *DB
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *DB) user.Repository {
	return &userRepository{db: db}
}

// must be called with the lock held
func (repo *userRepository) filter(filter user.QueryFilter) []user.User {
	search := strings.ToLower(filter.Search)
	users := make([]user.User, 0, len(repo.db.users))
	for _, u := range repo.db.users {
		if search != "" &&
			!strings.Contains(strings.ToLower(u.Name), search) &&
			!strings.Contains(strings.ToLower(u.Username), search) &&
			!strings.Contains(strings.ToLower(u.Email), search) {
			continue
		}
		if len(filter.Roles) > 0 && !hasAnyRolePrefix(*u, filter.Roles) {
			continue
		}
		if filter.IsActive != nil && u.IsActive != *filter.IsActive {
			continue
		}
		users = append(users, *u)
	}
	return users
}

func (repo *userRepository) CheckUsernameUniqueness(_ context.Context, username, email string, excludedUsers ...user.User) error {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	excluded := make(map[string]struct{}, len(excludedUsers))
	for _, u := range excludedUsers {
		excluded[u.ID] = struct{}{}
	}

	for _, usr := range repo.db.users {
		if _, ok := excluded[usr.ID]; ok {
			continue
		}
		if username != "" && usr.Username == username {
			return user.ErrUsernameExists
		}
		if email != "" && usr.Email == email {
			return user.ErrEmailExists
		}
	}
	return nil
}

func (repo *userRepository) CreateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	usr.ID = uuid.New().String()
	repo.db.users[usr.ID] = &usr
	return usr, nil
}

func (repo *userRepository) CountUsers(_ context.Context, filter user.QueryFilter) (int, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()
	return len(repo.filter(filter)), nil
}

func (repo *userRepository) QueryUsers(_ context.Context, filter user.QueryFilter, req pagination.Request) ([]user.User, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	users := repo.filter(filter)
	less := userLess(req.SortBy)
	sort.SliceStable(users, func(i, j int) bool {
		if req.Ascending() {
			return less(users[i], users[j])
		}
		return less(users[j], users[i])
	})

	start := req.Skip()
	if start > len(users) {
		start = len(users)
	}
	end := start + req.Take()
	if end > len(users) {
		end = len(users)
	}
	return users[start:end], nil
}

func (repo *userRepository) GetUser(_ context.Context, filter user.GetFilter) (user.User, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if filter.ID != "" {
		if usr, ok := repo.db.users[filter.ID]; ok {
			return *usr, nil
		}
		return user.User{}, user.ErrNotFound
	}
	for _, usr := range repo.db.users {
		switch {
		case filter.Username != "":
			if usr.Username == filter.Username {
				return *usr, nil
			}
		case filter.Email != "":
			if usr.Email == filter.Email {
				return *usr, nil
			}
		case filter.UsernameOrEmail != "":
			if usr.Username == filter.UsernameOrEmail || usr.Email == filter.UsernameOrEmail {
				return *usr, nil
			}
		}
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) UpdateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.users[usr.ID]; !ok {
		return user.User{}, user.ErrNotFound
	}
	repo.db.users[usr.ID] = &usr
	return usr, nil
}

func hasAnyRolePrefix(usr user.User, roles []string) bool {
	for _, role := range roles {
		if usr.RoleStartsWith(role) {
			return true
		}
	}
	return false
}

func userLess(sortBy string) func(a, b user.User) bool {
	var key func(a, b user.User) int
	switch sortBy {
	case "name":
		key = func(a, b user.User) int { return strings.Compare(a.Name, b.Name) }
	case "username":
		key = func(a, b user.User) int { return strings.Compare(a.Username, b.Username) }
	case "email":
		key = func(a, b user.User) int { return strings.Compare(a.Email, b.Email) }
	case "lastLogin":
		key = func(a, b user.User) int { return a.LastLogin.Compare(b.LastLogin) }
	default:
		key = func(a, b user.User) int { return a.CreatedAt.Compare(b.CreatedAt) }
	}
	return func(a, b user.User) bool {
		if c := key(a, b); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	}
}

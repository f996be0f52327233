package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/uwepo/core/user"
)

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		ID:        uuid.New().String(),
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		IsActive:  isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("createUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("createUser() failed: %v", err)
	}
	return usr
}

// CreateStudent creates an active student placed in the given class.
func CreateStudent(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd, rollNumber string,
	placement user.ClassPlacement,
) user.User {
	t.Helper()

	now := time.Now().UTC()
	usr := user.User{
		ID:         uuid.New().String(),
		Name:       name,
		Username:   uname,
		Email:      email,
		RollNumber: rollNumber,
		Roles:      []string{user.RoleStudent},
		Placement:  placement,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("createStudent() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("createStudent() failed: %v", err)
	}
	return usr
}

package user

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Roles
const (
	RoleAdmin   = "admin:"
	RoleFaculty = "faculty:"
	RoleStudent = "student:"
)

var AllRoles = []string{RoleAdmin, RoleFaculty, RoleStudent}

// ClassPlacement locates a student in the timetable: roster snapshots are
// taken by matching placements.
type ClassPlacement struct {
	Semester int    `json:"semester"`
	Branch   string `json:"branch"`
	Section  string `json:"section"`
}

func (p ClassPlacement) IsZero() bool {
	return p.Semester == 0 && p.Branch == "" && p.Section == ""
}

type User struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Username     string         `json:"username"`
	Email        string         `json:"email"`
	RollNumber   string         `json:"roll_number,omitempty"` // students only
	IsActive     bool           `json:"is_active"`
	Roles        []string       `json:"roles"`
	Placement    ClassPlacement `json:"placement"`
	PasswordHash []byte         `json:"-"`
	CreatedAt    time.Time      `json:"created_at"` // UTC
	UpdatedAt    time.Time      `json:"updated_at"` // UTC
	LastLogin    time.Time      `json:"last_login"` // UTC
}

func (u *User) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u *User) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(pwd))
}

func (u *User) RoleStartsWith(prefix string) bool {
	for _, role := range u.Roles {
		if strings.HasPrefix(role, prefix) {
			return true
		}
	}
	return false
}

func (u *User) IsAdmin() bool {
	return u.RoleStartsWith(RoleAdmin)
}

func (u *User) IsFaculty() bool {
	return u.RoleStartsWith(RoleFaculty)
}

func (u *User) IsStudent() bool {
	return u.RoleStartsWith(RoleStudent)
}

// NewUser contains information needed to create a new User.
type NewUser struct {
	Name       string         `json:"name" validate:"required"`
	Username   string         `json:"username" validate:"required_without=Email,omitempty,alphanum_"`
	Email      string         `json:"email" validate:"required_without=Username,omitempty,email"`
	RollNumber string         `json:"roll_number"`
	Password   string         `json:"password" validate:"required"`
	Roles      []string       `json:"roles" validate:"omitempty,allroles"`
	Placement  ClassPlacement `json:"placement"`
}

func (nu *NewUser) Clean() {
	nu.Name = strings.TrimSpace(nu.Name)
	nu.Username = strings.ToLower(strings.TrimSpace(nu.Username))
	nu.Email = strings.ToLower(strings.TrimSpace(nu.Email))
	nu.RollNumber = strings.TrimSpace(nu.RollNumber)
}

// QueryFilter applies an AND operation on set fields.
type QueryFilter struct {
	RolePrefix string
	Semester   int
	Branch     string
	Section    string
	IsActive   *bool
	Search     string // case-insensitive match on Name, Username or Email
}

package inmemdb

import (
	"sync"

	"github.com/trezcool/uwepo/core"
	"github.com/trezcool/uwepo/core/attendance"
	"github.com/trezcool/uwepo/core/user"
)

// DB is an in-process store backing all repositories in test mode.
type DB struct {
	mu        sync.RWMutex
	users     map[string]*user.User
	sessions  map[string]*attendance.Session
	records   map[string]*attendance.AttendanceRecord
	templates map[string]core.FaceSample
}

func NewDB() *DB {
	return &DB{
		users:     make(map[string]*user.User),
		sessions:  make(map[string]*attendance.Session),
		records:   make(map[string]*attendance.AttendanceRecord),
		templates: make(map[string]core.FaceSample),
	}
}

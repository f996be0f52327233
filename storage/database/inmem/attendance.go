package inmemdb

import (
	"context"
	"sort"

	"github.com/trezcool/uwepo/core/attendance"
)

type attendanceRepository struct {
	db *DB
}

var _ attendance.Repository = (*attendanceRepository)(nil)

func NewAttendanceRepository(db *DB) *attendanceRepository {
	return &attendanceRepository{db: db}
}

func (repo *attendanceRepository) SaveSession(_ context.Context, sess attendance.Session) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	repo.db.sessions[sess.ID] = &sess
	return nil
}

func (repo *attendanceRepository) SaveRecord(_ context.Context, rec attendance.AttendanceRecord) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	repo.db.records[rec.ID] = &rec
	return nil
}

func (repo *attendanceRepository) GetSession(_ context.Context, id string) (attendance.Session, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()
	if sess, ok := repo.db.sessions[id]; ok {
		return *sess, nil
	}
	return attendance.Session{}, attendance.ErrSessionNotFound
}

func (repo *attendanceRepository) GetRecord(_ context.Context, id string) (attendance.AttendanceRecord, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()
	if rec, ok := repo.db.records[id]; ok {
		return *rec, nil
	}
	return attendance.AttendanceRecord{}, attendance.ErrRecordNotFound
}

func (repo *attendanceRepository) GetSessionRecords(_ context.Context, sessionID string) ([]attendance.AttendanceRecord, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	var records []attendance.AttendanceRecord
	for _, rec := range repo.db.records {
		if rec.SessionID == sessionID {
			records = append(records, *rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].RollNumber != records[j].RollNumber {
			return records[i].RollNumber < records[j].RollNumber
		}
		return records[i].StudentID < records[j].StudentID
	})
	return records, nil
}

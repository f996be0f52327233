package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/uwepo/core/attendance"
)

const (
	sessionCols = `id, faculty_id, course, date, wifi_ssid, recognized_ips, geofence,
	late_threshold_secs, state, started_at, ended_at, total_students, stats`
	recordCols = `id, session_id, student_id, student_name, roll_number, status,
	verification, marked_at, manual_override, created_at`
)

type attendanceRepository struct {
	db *sqlx.DB
}

var _ attendance.Repository = (*attendanceRepository)(nil)

func NewAttendanceRepository(db *sqlx.DB) *attendanceRepository {
	return &attendanceRepository{db: db}
}

// SaveSession upserts; sessions are written at activation, on step progress
// and at completion.
func (repo *attendanceRepository) SaveSession(ctx context.Context, sess attendance.Session) error {
	course, err := json.Marshal(sess.Course)
	if err != nil {
		return errors.Wrap(err, "encoding course")
	}
	ips, err := json.Marshal(sess.RecognizedIPs)
	if err != nil {
		return errors.Wrap(err, "encoding recognized ips")
	}
	fence, err := json.Marshal(sess.Geofence)
	if err != nil {
		return errors.Wrap(err, "encoding geofence")
	}
	stats, err := json.Marshal(sess.Stats)
	if err != nil {
		return errors.Wrap(err, "encoding stats")
	}

	query := `
		INSERT INTO attendance_session
		(id, faculty_id, course, date, wifi_ssid, recognized_ips, geofence, late_threshold_secs, state, started_at, ended_at, total_students, stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			recognized_ips = EXCLUDED.recognized_ips,
			state = EXCLUDED.state,
			ended_at = EXCLUDED.ended_at,
			stats = EXCLUDED.stats`
	_, err = repo.db.ExecContext(ctx, query,
		sess.ID, sess.FacultyID, course, sess.Date, sess.WifiSSID, ips, fence,
		int64(sess.LateThreshold/time.Second), sess.State, sess.StartedAt,
		nullTime(sess.EndedAt), sess.TotalStudents, stats,
	)
	return errors.Wrap(err, "saving session")
}

func (repo *attendanceRepository) SaveRecord(ctx context.Context, rec attendance.AttendanceRecord) error {
	verification, err := json.Marshal(rec.Verify)
	if err != nil {
		return errors.Wrap(err, "encoding verification")
	}
	var override []byte
	if rec.Override != nil {
		if override, err = json.Marshal(rec.Override); err != nil {
			return errors.Wrap(err, "encoding override")
		}
	}

	query := `
		INSERT INTO attendance_record
		(id, session_id, student_id, student_name, roll_number, status, verification, marked_at, manual_override, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			verification = EXCLUDED.verification,
			marked_at = EXCLUDED.marked_at,
			manual_override = EXCLUDED.manual_override`
	_, err = repo.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.StudentID, rec.StudentName, rec.RollNumber,
		rec.Status, verification, nullTime(rec.MarkedAt), override, rec.CreatedAt,
	)
	return errors.Wrap(err, "saving record")
}

func (repo *attendanceRepository) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	query := `SELECT ` + sessionCols + ` FROM attendance_session WHERE id = $1`
	sess, err := scanSession(repo.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return attendance.Session{}, attendance.ErrSessionNotFound
	}
	if err != nil {
		return attendance.Session{}, errors.Wrap(err, "querying session")
	}
	return sess, nil
}

func (repo *attendanceRepository) GetRecord(ctx context.Context, id string) (attendance.AttendanceRecord, error) {
	query := `SELECT ` + recordCols + ` FROM attendance_record WHERE id = $1`
	rec, err := scanRecord(repo.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return attendance.AttendanceRecord{}, attendance.ErrRecordNotFound
	}
	if err != nil {
		return attendance.AttendanceRecord{}, errors.Wrap(err, "querying record")
	}
	return rec, nil
}

func (repo *attendanceRepository) GetSessionRecords(ctx context.Context, sessionID string) ([]attendance.AttendanceRecord, error) {
	query := `SELECT ` + recordCols + ` FROM attendance_record WHERE session_id = $1 ORDER BY roll_number, student_id`
	rows, err := repo.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "querying session records")
	}
	defer func() { _ = rows.Close() }()

	var records []attendance.AttendanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning record")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanSession(row rowScanner) (attendance.Session, error) {
	var (
		sess          attendance.Session
		course        []byte
		ips           []byte
		fence         []byte
		stats         []byte
		thresholdSecs int64
		endedAt       sql.NullTime
	)
	err := row.Scan(
		&sess.ID, &sess.FacultyID, &course, &sess.Date, &sess.WifiSSID, &ips, &fence,
		&thresholdSecs, &sess.State, &sess.StartedAt, &endedAt, &sess.TotalStudents, &stats,
	)
	if err != nil {
		return attendance.Session{}, err
	}
	if err = json.Unmarshal(course, &sess.Course); err != nil {
		return attendance.Session{}, errors.Wrap(err, "decoding course")
	}
	if err = json.Unmarshal(ips, &sess.RecognizedIPs); err != nil {
		return attendance.Session{}, errors.Wrap(err, "decoding recognized ips")
	}
	if err = json.Unmarshal(fence, &sess.Geofence); err != nil {
		return attendance.Session{}, errors.Wrap(err, "decoding geofence")
	}
	if err = json.Unmarshal(stats, &sess.Stats); err != nil {
		return attendance.Session{}, errors.Wrap(err, "decoding stats")
	}
	sess.LateThreshold = time.Duration(thresholdSecs) * time.Second
	if endedAt.Valid {
		sess.EndedAt = endedAt.Time
	}
	return sess, nil
}

func scanRecord(row rowScanner) (attendance.AttendanceRecord, error) {
	var (
		rec          attendance.AttendanceRecord
		verification []byte
		override     []byte
		markedAt     sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.StudentID, &rec.StudentName, &rec.RollNumber,
		&rec.Status, &verification, &markedAt, &override, &rec.CreatedAt,
	)
	if err != nil {
		return attendance.AttendanceRecord{}, err
	}
	if err = json.Unmarshal(verification, &rec.Verify); err != nil {
		return attendance.AttendanceRecord{}, errors.Wrap(err, "decoding verification")
	}
	if len(override) > 0 {
		rec.Override = new(attendance.Override)
		if err = json.Unmarshal(override, rec.Override); err != nil {
			return attendance.AttendanceRecord{}, errors.Wrap(err, "decoding override")
		}
	}
	if markedAt.Valid {
		rec.MarkedAt = markedAt.Time
	}
	return rec, nil
}

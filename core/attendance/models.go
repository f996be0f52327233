package attendance

import "time"

type SessionState string

const (
	SessionPending   SessionState = "pending" // reserved, unused by the activation flow
	SessionActive    SessionState = "active"
	SessionCompleted SessionState = "completed"
)

type Status string

const (
	StatusAbsent  Status = "absent"
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusExcused Status = "excused"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAbsent, StatusPresent, StatusLate, StatusExcused:
		return true
	}
	return false
}

// Marked reports whether the status counts as attended.
func (s Status) Marked() bool {
	return s == StatusPresent || s == StatusLate
}

// Geofence is the circular region students must be physically inside.
type Geofence struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
	Radius    float64 `json:"radius" validate:"omitempty,gt=0"` // meters; 0 means the configured default
}

// CourseContext ties a session to a timetable slot and locates the eligible
// roster.
type CourseContext struct {
	SubjectID   string `json:"subject_id" validate:"required"`
	SubjectName string `json:"subject_name"`
	Room        string `json:"room"`
	Semester    int    `json:"semester" validate:"required,gt=0"`
	Branch      string `json:"branch" validate:"required"`
	Section     string `json:"section" validate:"required"`
}

// Session is one class period's attendance-taking window, owned by one
// faculty member.
type Session struct {
	ID            string        `json:"id"`
	FacultyID     string        `json:"faculty_id"`
	Course        CourseContext `json:"course"`
	Date          time.Time     `json:"date"`
	WifiSSID      string        `json:"wifi_ssid"`
	RecognizedIPs []string      `json:"recognized_ips,omitempty"` // appended by successful wifi checks, display/audit only
	Geofence      Geofence      `json:"geofence"`
	LateThreshold time.Duration `json:"late_threshold"`
	State         SessionState  `json:"state"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at,omitempty"` // zero until completion
	TotalStudents int           `json:"total_students"`
	Stats         Stats         `json:"stats"`
}

// NewSession contains information needed to activate a Session.
type NewSession struct {
	Course               CourseContext `json:"course" validate:"required"`
	WifiSSID             string        `json:"wifi_ssid" validate:"omitempty,alphanum_"`
	Geofence             Geofence      `json:"geofence" validate:"required"`
	LateThresholdMinutes int           `json:"late_threshold_minutes" validate:"omitempty,gte=0"`
}

// Evidence payloads recorded with each verification step.
type (
	WifiEvidence struct {
		SSID       string    `json:"ssid"`
		IPAddress  string    `json:"ip_address"`
		VerifiedAt time.Time `json:"verified_at"`
	}

	LocationEvidence struct {
		Latitude   float64   `json:"latitude"`
		Longitude  float64   `json:"longitude"`
		Accuracy   float64   `json:"accuracy,omitempty"`
		Distance   float64   `json:"distance"` // meters from the geofence center
		VerifiedAt time.Time `json:"verified_at"`
	}

	FaceEvidence struct {
		Confidence      float64   `json:"confidence"`
		FirstEnrollment bool      `json:"first_enrollment,omitempty"`
		VerifiedAt      time.Time `json:"verified_at"`
	}
)

// VerificationState tracks the ordered three-factor gate. The flags may only
// become true in order: wifi, then location, then face.
type VerificationState struct {
	WifiOK     bool              `json:"wifi_ok"`
	Wifi       *WifiEvidence     `json:"wifi,omitempty"`
	LocationOK bool              `json:"location_ok"`
	Location   *LocationEvidence `json:"location,omitempty"`
	FaceOK     bool              `json:"face_ok"`
	Face       *FaceEvidence     `json:"face,omitempty"`
}

// Override annotates a status that was forced rather than derived from the
// verification pipeline.
type Override struct {
	AppliedBy string    `json:"applied_by"`
	Reason    string    `json:"reason"`
	AppliedAt time.Time `json:"applied_at"`
}

// AttendanceRecord is one session×student record, created at activation.
type AttendanceRecord struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	StudentID   string            `json:"student_id"`
	StudentName string            `json:"student_name"`
	RollNumber  string            `json:"roll_number,omitempty"`
	Status      Status            `json:"status"`
	Verify      VerificationState `json:"verification"`
	MarkedAt    time.Time         `json:"marked_at,omitempty"` // set once, by the pipeline
	Override    *Override         `json:"manual_override,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type Step string

const (
	StepWifi     Step = "wifi"
	StepLocation Step = "location"
	StepFace     Step = "face"
)

// StepResult is the outcome of one verification submission. A policy
// rejection (mismatched SSID, outside fence, face below threshold) comes back
// with Accepted=false and the diagnostic fields filled in; it is not an error.
type StepResult struct {
	Step     Step   `json:"step"`
	Accepted bool   `json:"accepted"`
	Marked   bool   `json:"marked,omitempty"` // final mark happened during this step
	Status   Status `json:"status,omitempty"`

	// diagnostics
	ExpectedSSID    string  `json:"expected_ssid,omitempty"`
	ObservedSSID    string  `json:"observed_ssid,omitempty"`
	Distance        float64 `json:"distance,omitempty"`
	AllowedRadius   float64 `json:"allowed_radius,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`
	FirstEnrollment bool    `json:"first_enrollment,omitempty"`
	MinutesElapsed  int     `json:"minutes_elapsed,omitempty"`
}

type FinalStatistics struct {
	Total           int `json:"total"`
	Present         int `json:"present"`
	Absent          int `json:"absent"`
	Late            int `json:"late"`
	Excused         int `json:"excused"`
	DurationMinutes int `json:"duration_minutes"`
}

// LiveStatus is a read-only snapshot of a session and all its records.
type LiveStatus struct {
	SessionID     string             `json:"session_id"`
	State         SessionState       `json:"state"`
	Stats         Stats              `json:"stats"`
	RecognizedIPs []string           `json:"recognized_ips,omitempty"`
	Students      []AttendanceRecord `json:"students"`
}

// JoinableSession is an active session a student may verify against,
// annotated with the student's own progress.
type JoinableSession struct {
	SessionID     string            `json:"session_id"`
	SubjectName   string            `json:"subject_name"`
	SubjectCode   string            `json:"subject_code,omitempty"`
	Room          string            `json:"room,omitempty"`
	WifiSSID      string            `json:"wifi_ssid"`
	Geofence      Geofence          `json:"geofence"`
	StartedAt     time.Time         `json:"started_at"`
	StudentStatus Status            `json:"student_status"`
	HasMarked     bool              `json:"has_marked"`
	Verify        VerificationState `json:"verification"`
}

// clone returns a deep copy safe to hand outside the session lock.
func (r AttendanceRecord) clone() AttendanceRecord {
	if r.Verify.Wifi != nil {
		w := *r.Verify.Wifi
		r.Verify.Wifi = &w
	}
	if r.Verify.Location != nil {
		l := *r.Verify.Location
		r.Verify.Location = &l
	}
	if r.Verify.Face != nil {
		f := *r.Verify.Face
		r.Verify.Face = &f
	}
	if r.Override != nil {
		o := *r.Override
		r.Override = &o
	}
	return r
}

func (s Session) clone() Session {
	s.RecognizedIPs = append([]string(nil), s.RecognizedIPs...)
	return s
}

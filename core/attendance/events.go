package attendance

import "time"

// Broadcast event payloads. These are what subscribed observers see; field
// names follow the wire vocabulary the dashboard and student apps consume.
type (
	SessionActivePayload struct {
		SessionID   string    `json:"sessionId"`
		FacultyID   string    `json:"facultyId"`
		FacultyName string    `json:"facultyName"`
		SubjectName string    `json:"subjectName"`
		Room        string    `json:"room,omitempty"`
		WifiSSID    string    `json:"wifiSSID"`
		Geofence    Geofence  `json:"geofence"`
		StartedAt   time.Time `json:"startTime"`
	}

	// StepProgressPayload announces one verification step reached, with its
	// evidence.
	StepProgressPayload struct {
		SessionID   string    `json:"sessionId"`
		StudentID   string    `json:"studentId"`
		StudentName string    `json:"studentName"`
		RollNumber  string    `json:"rollNumber,omitempty"`
		Step        Step      `json:"step"`
		IPAddress   string    `json:"ipAddress,omitempty"`
		Distance    float64   `json:"distance,omitempty"`
		Confidence  float64   `json:"confidence,omitempty"`
		VerifiedAt  time.Time `json:"verifiedAt"`
	}

	// StepRejectedPayload carries the diagnostic data of a policy rejection
	// so the client can present actionable guidance.
	StepRejectedPayload struct {
		SessionID     string  `json:"sessionId"`
		StudentID     string  `json:"studentId"`
		Step          Step    `json:"step"`
		Message       string  `json:"message"`
		Distance      float64 `json:"distance,omitempty"`
		AllowedRadius float64 `json:"maxAllowedDistance,omitempty"`
		Confidence    float64 `json:"confidence,omitempty"`
	}

	RecordedPayload struct {
		SessionID   string    `json:"sessionId"`
		StudentID   string    `json:"studentId"`
		StudentName string    `json:"studentName"`
		RollNumber  string    `json:"rollNumber,omitempty"`
		Status      Status    `json:"status"`
		MarkedAt    time.Time `json:"markedAt"`
	}

	MarkedSuccessPayload struct {
		Status         Status    `json:"status"`
		SubjectName    string    `json:"subject,omitempty"`
		MarkedAt       time.Time `json:"markedAt"`
		Message        string    `json:"message"`
		Late           bool      `json:"late"`
		MinutesElapsed int       `json:"minutesLate"`
	}

	SessionClosedPayload struct {
		SessionID  string          `json:"sessionId"`
		EndedAt    time.Time       `json:"endTime"`
		Message    string          `json:"message"`
		Statistics FinalStatistics `json:"statistics"`
	}

	OverriddenPayload struct {
		SessionID string    `json:"sessionId"`
		RecordID  string    `json:"recordId"`
		StudentID string    `json:"studentId"`
		NewStatus Status    `json:"newStatus"`
		Reason    string    `json:"reason"`
		AppliedBy string    `json:"appliedBy"`
		AppliedAt time.Time `json:"overriddenAt"`
	}
)

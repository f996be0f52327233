package core

// Broadcast topics. Observers subscribe to topics by name: the faculty
// dashboard (and peers) watch the session topic, each student watches their
// own user topic.

func SessionTopic(sessionID string) string { return "session_" + sessionID }
func UserTopic(userID string) string       { return "user_" + userID }

// Event names, as seen on the wire by connected observers.
const (
	EventSessionActive    = "attendanceSessionActive"
	EventWifiConnected    = "studentWifiConnected"
	EventLocationVerified = "studentLocationVerified"
	EventLocationFailed   = "locationVerificationFailed"
	EventFaceVerified     = "studentFaceVerified"
	EventFaceFailed       = "faceVerificationFailed"
	EventRecorded         = "attendanceRecorded"
	EventMarkedSuccess    = "attendanceMarkedSuccess"
	EventSessionClosed    = "sessionClosed"
	EventOverridden       = "attendanceOverridden"
	EventManuallyUpdated  = "attendanceManuallyUpdated"
)

// Broadcaster publishes events to all observers subscribed to a topic.
// Delivery is best-effort/at-most-once and must not block the caller: the
// attendance record store remains the system of record, and observers that
// miss an event can always re-fetch current state.
type Broadcaster interface {
	Publish(topic, event string, payload interface{})
}

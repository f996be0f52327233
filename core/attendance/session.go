package attendance

import (
	"sort"
	"sync"
	"time"

	"github.com/trezcool/uwepo/core"
)

// nowFunc is swapped in tests to control the clock.
var nowFunc = time.Now

// session is the live state machine for one attendance session. It
// exclusively owns the session's records and counters: every state
// transition (flag set, finalize, counter update) is serialized through mu.
// Distinct sessions never share a lock.
type session struct {
	mu      sync.Mutex
	data    Session
	records map[string]*AttendanceRecord // keyed by student id
	byRecID map[string]string            // record id -> student id
}

func newSession(data Session, records []AttendanceRecord) *session {
	s := &session{
		data:    data,
		records: make(map[string]*AttendanceRecord, len(records)),
		byRecID: make(map[string]string, len(records)),
	}
	for i := range records {
		rec := records[i]
		s.records[rec.StudentID] = &rec
		s.byRecID[rec.ID] = rec.StudentID
	}
	return s
}

func (s *session) id() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ID
}

func (s *session) facultyID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.FacultyID
}

// record returns the student's record or ErrRecordNotFound. Callers must
// hold mu.
func (s *session) record(studentID string) (*AttendanceRecord, error) {
	rec, ok := s.records[studentID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (s *session) submitWifi(studentID, observedSSID, observedIP string) (StepResult, AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := StepResult{Step: StepWifi}
	if s.data.State != SessionActive {
		return res, AttendanceRecord{}, ErrSessionNotActive
	}
	rec, err := s.record(studentID)
	if err != nil {
		return res, AttendanceRecord{}, err
	}
	if rec.Status.Marked() {
		return res, AttendanceRecord{}, ErrAlreadyMarked
	}

	if observedSSID != s.data.WifiSSID {
		// mismatch is an expected outcome, not an error; no state change
		res.ExpectedSSID = s.data.WifiSSID
		res.ObservedSSID = observedSSID
		return res, rec.clone(), nil
	}

	now := nowFunc().UTC()
	rec.Verify.WifiOK = true
	rec.Verify.Wifi = &WifiEvidence{SSID: observedSSID, IPAddress: observedIP, VerifiedAt: now}
	s.registerIP(observedIP)

	res.Accepted = true
	return res, rec.clone(), nil
}

// registerIP appends the address to the session's recognized list, used for
// later display/audit only. Callers must hold mu.
func (s *session) registerIP(ip string) {
	if ip == "" {
		return
	}
	for _, known := range s.data.RecognizedIPs {
		if known == ip {
			return
		}
	}
	s.data.RecognizedIPs = append(s.data.RecognizedIPs, ip)
}

func (s *session) submitLocation(studentID string, lat, lon, accuracy float64) (StepResult, AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := StepResult{Step: StepLocation}
	if s.data.State != SessionActive {
		return res, AttendanceRecord{}, ErrSessionNotActive
	}
	rec, err := s.record(studentID)
	if err != nil {
		return res, AttendanceRecord{}, err
	}
	if rec.Status.Marked() {
		return res, AttendanceRecord{}, ErrAlreadyMarked
	}
	if !rec.Verify.WifiOK {
		return res, AttendanceRecord{}, ErrPrecedingStepIncomplete
	}

	fence := s.data.Geofence
	distance, err := core.DistanceMeters(lat, lon, fence.Latitude, fence.Longitude)
	if err != nil {
		return res, AttendanceRecord{}, err
	}
	res.Distance = distance
	res.AllowedRadius = fence.Radius

	if distance > fence.Radius {
		// outside the fence: rejected-but-expected, diagnostics attached
		return res, rec.clone(), nil
	}

	now := nowFunc().UTC()
	rec.Verify.LocationOK = true
	rec.Verify.Location = &LocationEvidence{
		Latitude:   lat,
		Longitude:  lon,
		Accuracy:   accuracy,
		Distance:   distance,
		VerifiedAt: now,
	}

	res.Accepted = true
	return res, rec.clone(), nil
}

// current returns a deep copy of the session data.
func (s *session) current() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.clone()
}

// hasRecord reports whether the record id belongs to this session.
func (s *session) hasRecord(recordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byRecID[recordID]
	return ok
}

// faceGate checks the face step's preconditions without mutating anything.
// The face-match capability is a bounded external call, so the service
// releases the lock while it runs and re-validates via applyFaceMatch after.
func (s *session) faceGate(studentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.State != SessionActive {
		return ErrSessionNotActive
	}
	rec, err := s.record(studentID)
	if err != nil {
		return err
	}
	if rec.Status.Marked() {
		return ErrAlreadyMarked
	}
	if !rec.Verify.LocationOK {
		return ErrPrecedingStepIncomplete
	}
	return nil
}

// applyFaceMatch re-validates the gate and applies the match outcome. When
// the match succeeds, the record is finalized in the same critical section,
// so a completing session can never interleave between flag set and counter
// update.
func (s *session) applyFaceMatch(studentID string, match core.MatchResult) (StepResult, AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := StepResult{Step: StepFace, Confidence: match.Confidence, FirstEnrollment: match.FirstEnrollment}
	if s.data.State != SessionActive {
		return res, AttendanceRecord{}, ErrSessionNotActive
	}
	rec, err := s.record(studentID)
	if err != nil {
		return res, AttendanceRecord{}, err
	}
	if rec.Status.Marked() {
		return res, AttendanceRecord{}, ErrAlreadyMarked
	}
	if !rec.Verify.LocationOK {
		return res, AttendanceRecord{}, ErrPrecedingStepIncomplete
	}

	if !match.Matched {
		// below threshold: rejected-but-expected, no state change
		return res, rec.clone(), nil
	}

	now := nowFunc().UTC()
	rec.Verify.FaceOK = true
	rec.Verify.Face = &FaceEvidence{
		Confidence:      match.Confidence,
		FirstEnrollment: match.FirstEnrollment,
		VerifiedAt:      now,
	}
	res.Accepted = true

	if err = s.markIfComplete(rec, now, &res); err != nil {
		return res, AttendanceRecord{}, err
	}
	return res, rec.clone(), nil
}

// markIfComplete transitions the record away from Absent once all three
// flags hold, applying exactly one compensating counter pair. Calling it
// again for a marked record fails with ErrAlreadyMarked so no transition is
// ever double counted. Callers must hold mu.
func (s *session) markIfComplete(rec *AttendanceRecord, now time.Time, res *StepResult) error {
	if !(rec.Verify.WifiOK && rec.Verify.LocationOK && rec.Verify.FaceOK) {
		return nil
	}
	if rec.Status != StatusAbsent {
		return ErrAlreadyMarked
	}

	elapsed := now.Sub(s.data.StartedAt)
	newStatus := StatusPresent
	if elapsed > s.data.LateThreshold {
		newStatus = StatusLate
	}
	if err := s.data.Stats.move(rec.Status, newStatus); err != nil {
		return err
	}
	rec.Status = newStatus
	rec.MarkedAt = now

	res.Marked = true
	res.Status = newStatus
	res.MinutesElapsed = int(elapsed.Minutes())
	return nil
}

// complete freezes the session and recomputes the counters from the records
// themselves. Terminal: any in-flight or later verification fails with
// ErrSessionNotActive.
func (s *session) complete() (FinalStatistics, Session, []AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.State != SessionActive {
		return FinalStatistics{}, Session{}, nil, ErrSessionNotActive
	}

	now := nowFunc().UTC()
	s.data.State = SessionCompleted
	s.data.EndedAt = now
	s.data.Stats = recount(s.records)

	fin := FinalStatistics{
		Total:           s.data.TotalStudents,
		Present:         s.data.Stats.Present,
		Absent:          s.data.Stats.Absent,
		Late:            s.data.Stats.Late,
		Excused:         s.data.Stats.Excused,
		DurationMinutes: int(now.Sub(s.data.StartedAt).Minutes()),
	}
	return fin, s.data.clone(), s.cloneRecords(), nil
}

// override forces a record's status, bypassing the pipeline. Valid while
// Active or Completed; counters are adjusted by the signed delta between old
// and new status in the same critical section.
func (s *session) override(recordID string, newStatus Status, actorID, reason string) (AttendanceRecord, Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	studentID, ok := s.byRecID[recordID]
	if !ok {
		return AttendanceRecord{}, Session{}, ErrRecordNotFound
	}
	rec := s.records[studentID]

	if err := s.data.Stats.move(rec.Status, newStatus); err != nil {
		return AttendanceRecord{}, Session{}, err
	}
	rec.Status = newStatus
	rec.Override = &Override{AppliedBy: actorID, Reason: reason, AppliedAt: nowFunc().UTC()}

	return rec.clone(), s.data.clone(), nil
}

// snapshot returns a read-only view of the session and all records, sorted
// by roll number. No broadcast side effect.
func (s *session) snapshot() LiveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return LiveStatus{
		SessionID:     s.data.ID,
		State:         s.data.State,
		Stats:         s.data.Stats,
		RecognizedIPs: append([]string(nil), s.data.RecognizedIPs...),
		Students:      s.cloneRecords(),
	}
}

// joinableFor returns the student's view of this session, if they are on the
// roster.
func (s *session) joinableFor(studentID string) (JoinableSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[studentID]
	if !ok || s.data.State != SessionActive {
		return JoinableSession{}, false
	}
	clone := rec.clone()
	return JoinableSession{
		SessionID:     s.data.ID,
		SubjectName:   s.data.Course.SubjectName,
		SubjectCode:   s.data.Course.SubjectID,
		Room:          s.data.Course.Room,
		WifiSSID:      s.data.WifiSSID,
		Geofence:      s.data.Geofence,
		StartedAt:     s.data.StartedAt,
		StudentStatus: clone.Status,
		HasMarked:     clone.Status.Marked(),
		Verify:        clone.Verify,
	}, true
}

// cloneRecords deep-copies all records sorted by roll number. Callers must
// hold mu.
func (s *session) cloneRecords() []AttendanceRecord {
	records := make([]AttendanceRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec.clone())
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].RollNumber != records[j].RollNumber {
			return records[i].RollNumber < records[j].RollNumber
		}
		return records[i].StudentID < records[j].StudentID
	})
	return records
}

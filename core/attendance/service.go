package attendance

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/uwepo/core"
	"github.com/trezcool/uwepo/core/user"
)

var (
	// precondition violations; callers are expected to branch on these
	ErrSessionNotFound         = errors.New("session not found")
	ErrSessionNotActive        = errors.New("session is not active")
	ErrDuplicateActiveSession  = errors.New("faculty already has an active session")
	ErrRecordNotFound          = errors.New("attendance record not found")
	ErrPrecedingStepIncomplete = errors.New("preceding verification step incomplete")
	ErrAlreadyMarked           = errors.New("attendance already marked")
	ErrNotSessionOwner         = errors.New("not the session owner")
	ErrInvalidStatus           = errors.New("invalid attendance status")
)

type (
	// Repository persists sessions and records. The live registry remains
	// the system of record while a session is active; the repository takes
	// over once it completes.
	Repository interface {
		SaveSession(ctx context.Context, sess Session) error
		SaveRecord(ctx context.Context, rec AttendanceRecord) error
		GetSession(ctx context.Context, id string) (Session, error)
		GetRecord(ctx context.Context, id string) (AttendanceRecord, error)
		GetSessionRecords(ctx context.Context, sessionID string) ([]AttendanceRecord, error)
	}

	ServiceInterface interface {
		ActivateSession(ctx context.Context, faculty user.User, ns NewSession) (Session, error)
		SubmitWifi(ctx context.Context, sessionID, studentID, observedSSID, observedIP string) (StepResult, error)
		SubmitLocation(ctx context.Context, sessionID, studentID string, lat, lon, accuracy float64) (StepResult, error)
		SubmitFace(ctx context.Context, sessionID, studentID string, sample core.FaceSample) (StepResult, error)
		CompleteSession(ctx context.Context, sessionID string, actor user.User) (FinalStatistics, error)
		ManualOverride(ctx context.Context, recordID string, newStatus Status, actor user.User, reason string) (AttendanceRecord, error)
		GetLiveStatus(ctx context.Context, sessionID string) (LiveStatus, error)
		ActiveSessionsFor(ctx context.Context, student user.User) ([]JoinableSession, error)
	}

	Service struct {
		repo     Repository
		usrSvc   user.ServiceInterface
		matcher  core.FaceMatcher
		bc       core.Broadcaster
		mailSvc  core.EmailService
		conf     *core.Config
		log      core.Logger
		validate *validator.Validate
		reg      *registry
	}
)

var _ ServiceInterface = (*Service)(nil)

func NewService(
	repo Repository,
	usrSvc user.ServiceInterface,
	matcher core.FaceMatcher,
	bc core.Broadcaster,
	mailSvc core.EmailService,
	conf *core.Config,
	log core.Logger,
	validate *validator.Validate,
) *Service {
	return &Service{
		repo:     repo,
		usrSvc:   usrSvc,
		matcher:  matcher,
		bc:       bc,
		mailSvc:  mailSvc,
		conf:     conf,
		log:      log,
		validate: validate,
		reg:      newRegistry(),
	}
}

// ActivateSession snapshots the class roster, creates an Absent record per
// student and registers the session as the faculty's single active one.
func (svc *Service) ActivateSession(ctx context.Context, faculty user.User, ns NewSession) (Session, error) {
	if err := svc.validate.Struct(ns); err != nil {
		return Session{}, err
	}

	now := nowFunc().UTC()
	ssid := strings.TrimSpace(ns.WifiSSID)
	if ssid == "" {
		ssid = defaultSSID(faculty.Name, now)
	}
	fence := ns.Geofence
	if fence.Radius == 0 {
		fence.Radius = svc.conf.Attendance.DefaultGeofenceRadius
	}
	late := svc.conf.Attendance.LateThreshold
	if ns.LateThresholdMinutes > 0 {
		late = time.Duration(ns.LateThresholdMinutes) * time.Minute
	}

	roster, err := svc.usrSvc.Students(ctx, user.ClassPlacement{
		Semester: ns.Course.Semester,
		Branch:   ns.Course.Branch,
		Section:  ns.Course.Section,
	})
	if err != nil {
		return Session{}, errors.Wrap(err, "snapshotting roster")
	}

	data := Session{
		ID:            uuid.New().String(),
		FacultyID:     faculty.ID,
		Course:        ns.Course,
		Date:          now,
		WifiSSID:      ssid,
		Geofence:      fence,
		LateThreshold: late,
		State:         SessionActive,
		StartedAt:     now,
		TotalStudents: len(roster),
		Stats:         Stats{Absent: len(roster)},
	}
	records := make([]AttendanceRecord, 0, len(roster))
	for _, st := range roster {
		records = append(records, AttendanceRecord{
			ID:          uuid.New().String(),
			SessionID:   data.ID,
			StudentID:   st.ID,
			StudentName: st.Name,
			RollNumber:  st.RollNumber,
			Status:      StatusAbsent,
			CreatedAt:   now,
		})
	}

	live := newSession(data, records)
	if err = svc.reg.add(live); err != nil {
		return Session{}, err
	}
	if err = svc.persistSession(ctx, data, records); err != nil {
		svc.reg.remove(data.ID)
		return Session{}, errors.Wrap(err, "persisting session")
	}

	svc.bc.Publish(core.SessionTopic(data.ID), core.EventSessionActive, SessionActivePayload{
		SessionID:   data.ID,
		FacultyID:   faculty.ID,
		FacultyName: faculty.Name,
		SubjectName: data.Course.SubjectName,
		Room:        data.Course.Room,
		WifiSSID:    data.WifiSSID,
		Geofence:    data.Geofence,
		StartedAt:   data.StartedAt,
	})
	return data.clone(), nil
}

// SubmitWifi is the first verification step.
func (svc *Service) SubmitWifi(ctx context.Context, sessionID, studentID, observedSSID, observedIP string) (StepResult, error) {
	s, err := svc.live(ctx, sessionID)
	if err != nil {
		return StepResult{Step: StepWifi}, err
	}
	res, rec, err := s.submitWifi(studentID, observedSSID, observedIP)
	if err != nil {
		return res, err
	}
	if !res.Accepted {
		return res, nil
	}

	svc.saveProgress(ctx, s, rec)
	svc.bc.Publish(core.SessionTopic(sessionID), core.EventWifiConnected, StepProgressPayload{
		SessionID:   sessionID,
		StudentID:   studentID,
		StudentName: rec.StudentName,
		RollNumber:  rec.RollNumber,
		Step:        StepWifi,
		IPAddress:   observedIP,
		VerifiedAt:  rec.Verify.Wifi.VerifiedAt,
	})
	return res, nil
}

// SubmitLocation is the second verification step; it requires a passed wifi
// check.
func (svc *Service) SubmitLocation(ctx context.Context, sessionID, studentID string, lat, lon, accuracy float64) (StepResult, error) {
	s, err := svc.live(ctx, sessionID)
	if err != nil {
		return StepResult{Step: StepLocation}, err
	}
	res, rec, err := s.submitLocation(studentID, lat, lon, accuracy)
	if err != nil {
		return res, err
	}
	if !res.Accepted {
		svc.bc.Publish(core.UserTopic(studentID), core.EventLocationFailed, StepRejectedPayload{
			SessionID:     sessionID,
			StudentID:     studentID,
			Step:          StepLocation,
			Message:       fmt.Sprintf("you are %.0fm away from the classroom (max %.0fm)", res.Distance, res.AllowedRadius),
			Distance:      res.Distance,
			AllowedRadius: res.AllowedRadius,
		})
		return res, nil
	}

	svc.saveProgress(ctx, s, rec)
	svc.bc.Publish(core.SessionTopic(sessionID), core.EventLocationVerified, StepProgressPayload{
		SessionID:   sessionID,
		StudentID:   studentID,
		StudentName: rec.StudentName,
		RollNumber:  rec.RollNumber,
		Step:        StepLocation,
		Distance:    res.Distance,
		VerifiedAt:  rec.Verify.Location.VerifiedAt,
	})
	return res, nil
}

// SubmitFace is the third verification step. The matcher runs outside the
// session lock; the gate is re-validated when its verdict is applied, so a
// session completed mid-match wins.
func (svc *Service) SubmitFace(ctx context.Context, sessionID, studentID string, sample core.FaceSample) (StepResult, error) {
	s, err := svc.live(ctx, sessionID)
	if err != nil {
		return StepResult{Step: StepFace}, err
	}
	if err = s.faceGate(studentID); err != nil {
		return StepResult{Step: StepFace}, err
	}

	match, err := svc.matchFace(ctx, studentID, sample)
	if err != nil {
		return StepResult{Step: StepFace}, errors.Wrap(err, "matching face")
	}

	res, rec, err := s.applyFaceMatch(studentID, match)
	if err != nil {
		return res, err
	}
	if !res.Accepted {
		svc.bc.Publish(core.UserTopic(studentID), core.EventFaceFailed, StepRejectedPayload{
			SessionID:  sessionID,
			StudentID:  studentID,
			Step:       StepFace,
			Message:    "face does not match the enrolled template",
			Confidence: res.Confidence,
		})
		return res, nil
	}

	svc.saveProgress(ctx, s, rec)
	svc.bc.Publish(core.SessionTopic(sessionID), core.EventFaceVerified, StepProgressPayload{
		SessionID:   sessionID,
		StudentID:   studentID,
		StudentName: rec.StudentName,
		RollNumber:  rec.RollNumber,
		Step:        StepFace,
		Confidence:  res.Confidence,
		VerifiedAt:  rec.Verify.Face.VerifiedAt,
	})
	if res.Marked {
		svc.bc.Publish(core.SessionTopic(sessionID), core.EventRecorded, RecordedPayload{
			SessionID:   sessionID,
			StudentID:   studentID,
			StudentName: rec.StudentName,
			RollNumber:  rec.RollNumber,
			Status:      rec.Status,
			MarkedAt:    rec.MarkedAt,
		})
		svc.bc.Publish(core.UserTopic(studentID), core.EventMarkedSuccess, MarkedSuccessPayload{
			Status:         rec.Status,
			SubjectName:    s.current().Course.SubjectName,
			MarkedAt:       rec.MarkedAt,
			Message:        "attendance marked successfully",
			Late:           rec.Status == StatusLate,
			MinutesElapsed: res.MinutesElapsed,
		})
	}
	return res, nil
}

// matchFace calls the matcher, retrying once on infrastructure failure.
func (svc *Service) matchFace(ctx context.Context, studentID string, sample core.FaceSample) (core.MatchResult, error) {
	match, err := svc.matcher.Match(ctx, studentID, sample)
	if err == nil || ctx.Err() != nil {
		return match, err
	}
	svc.log.Warn("face match failed, retrying", "student", studentID, "error", err)
	return svc.matcher.Match(ctx, studentID, sample)
}

// CompleteSession freezes the session, releases the faculty's active slot
// and hands the final state to the repository.
func (svc *Service) CompleteSession(ctx context.Context, sessionID string, actor user.User) (FinalStatistics, error) {
	s, err := svc.live(ctx, sessionID)
	if err != nil {
		return FinalStatistics{}, err
	}
	if s.facultyID() != actor.ID && !actor.IsAdmin() {
		return FinalStatistics{}, ErrNotSessionOwner
	}

	fin, data, records, err := s.complete()
	if err != nil {
		return FinalStatistics{}, err
	}
	svc.reg.remove(sessionID)

	if err = svc.persistSession(ctx, data, records); err != nil {
		// final state is lost if this never lands; loud but non-fatal,
		// the completed session already left the registry
		svc.log.Error("persisting completed session", "session", sessionID, "error", err)
	}

	svc.bc.Publish(core.SessionTopic(sessionID), core.EventSessionClosed, SessionClosedPayload{
		SessionID:  sessionID,
		EndedAt:    data.EndedAt,
		Message:    "attendance session has ended",
		Statistics: fin,
	})
	svc.sendSummary(ctx, data, fin)
	return fin, nil
}

// ManualOverride forces a record's status, working on both live and
// completed sessions. Only the owning faculty or an admin may apply it.
func (svc *Service) ManualOverride(ctx context.Context, recordID string, newStatus Status, actor user.User, reason string) (AttendanceRecord, error) {
	if !newStatus.Valid() {
		return AttendanceRecord{}, core.NewValidationError(ErrInvalidStatus,
			core.FieldError{Field: "status", Error: fmt.Sprintf("%q is not a known status", newStatus)})
	}

	for _, s := range svc.reg.list() {
		if !s.hasRecord(recordID) {
			continue
		}
		if s.facultyID() != actor.ID && !actor.IsAdmin() {
			return AttendanceRecord{}, ErrNotSessionOwner
		}
		rec, data, err := s.override(recordID, newStatus, actor.ID, reason)
		if err != nil {
			return AttendanceRecord{}, err
		}
		svc.persistOverride(ctx, data, rec)
		svc.publishOverride(rec, actor, reason)
		return rec, nil
	}

	// not live: the record store is the system of record
	rec, err := svc.repo.GetRecord(ctx, recordID)
	if err != nil {
		return AttendanceRecord{}, err
	}
	sess, err := svc.repo.GetSession(ctx, rec.SessionID)
	if err != nil {
		return AttendanceRecord{}, err
	}
	if sess.FacultyID != actor.ID && !actor.IsAdmin() {
		return AttendanceRecord{}, ErrNotSessionOwner
	}

	if err = sess.Stats.move(rec.Status, newStatus); err != nil {
		return AttendanceRecord{}, err
	}
	rec.Status = newStatus
	rec.Override = &Override{AppliedBy: actor.ID, Reason: reason, AppliedAt: nowFunc().UTC()}

	svc.persistOverride(ctx, sess, rec)
	svc.publishOverride(rec, actor, reason)
	return rec, nil
}

// GetLiveStatus snapshots a session and all its records; completed sessions
// come back from the repository.
func (svc *Service) GetLiveStatus(ctx context.Context, sessionID string) (LiveStatus, error) {
	if s, ok := svc.reg.get(sessionID); ok {
		return s.snapshot(), nil
	}

	sess, err := svc.repo.GetSession(ctx, sessionID)
	if err != nil {
		return LiveStatus{}, err
	}
	records, err := svc.repo.GetSessionRecords(ctx, sessionID)
	if err != nil {
		return LiveStatus{}, err
	}
	return LiveStatus{
		SessionID:     sess.ID,
		State:         sess.State,
		Stats:         sess.Stats,
		RecognizedIPs: sess.RecognizedIPs,
		Students:      records,
	}, nil
}

// ActiveSessionsFor lists live sessions the student is on the roster of.
func (svc *Service) ActiveSessionsFor(_ context.Context, student user.User) ([]JoinableSession, error) {
	var out []JoinableSession
	for _, s := range svc.reg.list() {
		if js, ok := s.joinableFor(student.ID); ok {
			out = append(out, js)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// live resolves a session that must currently be active. A session known to
// the repository but absent from the registry already completed.
func (svc *Service) live(ctx context.Context, sessionID string) (*session, error) {
	if s, ok := svc.reg.get(sessionID); ok {
		return s, nil
	}
	if _, err := svc.repo.GetSession(ctx, sessionID); err == nil {
		return nil, ErrSessionNotActive
	}
	return nil, ErrSessionNotFound
}

func (svc *Service) persistSession(ctx context.Context, sess Session, records []AttendanceRecord) error {
	if err := withRetry(func() error { return svc.repo.SaveSession(ctx, sess) }); err != nil {
		return err
	}
	for _, rec := range records {
		rec := rec
		if err := withRetry(func() error { return svc.repo.SaveRecord(ctx, rec) }); err != nil {
			return err
		}
	}
	return nil
}

// saveProgress writes through a step's outcome. The live session stays
// authoritative, so a write failure is logged and healed by the full persist
// at completion.
func (svc *Service) saveProgress(ctx context.Context, s *session, rec AttendanceRecord) {
	if err := withRetry(func() error { return svc.repo.SaveRecord(ctx, rec) }); err != nil {
		svc.log.Error("saving record progress", "record", rec.ID, "error", err)
	}
	if err := withRetry(func() error { return svc.repo.SaveSession(ctx, s.current()) }); err != nil {
		svc.log.Error("saving session progress", "session", s.id(), "error", err)
	}
}

func (svc *Service) persistOverride(ctx context.Context, sess Session, rec AttendanceRecord) {
	if err := withRetry(func() error { return svc.repo.SaveRecord(ctx, rec) }); err != nil {
		svc.log.Error("saving overridden record", "record", rec.ID, "error", err)
	}
	if err := withRetry(func() error { return svc.repo.SaveSession(ctx, sess) }); err != nil {
		svc.log.Error("saving session counters", "session", sess.ID, "error", err)
	}
}

func (svc *Service) publishOverride(rec AttendanceRecord, actor user.User, reason string) {
	payload := OverriddenPayload{
		SessionID: rec.SessionID,
		RecordID:  rec.ID,
		StudentID: rec.StudentID,
		NewStatus: rec.Status,
		Reason:    reason,
		AppliedBy: actor.ID,
		AppliedAt: rec.Override.AppliedAt,
	}
	svc.bc.Publish(core.SessionTopic(rec.SessionID), core.EventOverridden, payload)
	svc.bc.Publish(core.UserTopic(rec.StudentID), core.EventManuallyUpdated, payload)
}

// sendSummary emails the owning faculty the final statistics. Best effort.
func (svc *Service) sendSummary(ctx context.Context, sess Session, fin FinalStatistics) {
	faculty, err := svc.usrSvc.GetByID(ctx, sess.FacultyID)
	if err != nil || faculty.Email == "" {
		return
	}
	msg := &core.EmailMessage{
		To:           []mail.Address{{Name: faculty.Name, Address: faculty.Email}},
		Subject:      fmt.Sprintf("Attendance summary: %s (%s)", sess.Course.SubjectName, sess.Date.Format("02 Jan 2006")),
		TemplateName: "session-summary",
		TemplateData: struct {
			Subject    string
			Room       string
			Date       string
			Statistics FinalStatistics
		}{sess.Course.SubjectName, sess.Course.Room, sess.Date.Format("Monday, 02 Jan 2006"), fin},
	}
	svc.mailSvc.SendMessages(msg)
}

// withRetry runs fn, retrying once on failure. Meant for transient
// infrastructure errors only.
func withRetry(fn func() error) error {
	if err := fn(); err != nil {
		return fn()
	}
	return nil
}

// defaultSSID derives the classroom network name from the faculty's first
// name and the activation time, e.g. ATTEND_ALICE_1756702800.
func defaultSSID(facultyName string, now time.Time) string {
	first := facultyName
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	first = strings.ToUpper(core.CleanString(first))
	if first == "" {
		first = "CLASS"
	}
	return fmt.Sprintf("ATTEND_%s_%d", first, now.Unix())
}

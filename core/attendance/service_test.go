package attendance

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	validator "github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/uwepo/core"
	"github.com/trezcool/uwepo/core/user"
)

var (
	validateOnce sync.Once
	testValidate *validator.Validate
)

func testValidator() *validator.Validate {
	validateOnce.Do(func() {
		enLocale := en.New()
		uni := ut.New(enLocale, enLocale)
		translator, _ := uni.GetTranslator("en")
		testValidate = validator.New()
		core.InitValidators(testValidate, translator)
	})
	return testValidate
}

type testEnv struct {
	svc      *Service
	repo     *fakeRepo
	bc       *captureBroadcaster
	mail     *stubMail
	matcher  *stubMatcher
	faculty  user.User
	students []user.User
}

func newTestEnv(nStudents int) *testEnv {
	faculty := user.User{
		ID:    "fac1",
		Name:  "Alice Mwangi",
		Email: "alice@test.test",
		Roles: []string{user.RoleFaculty},
	}
	students := make([]user.User, 0, nStudents)
	rolls := []string{"CS001", "CS002", "CS003", "CS004", "CS005"}
	for i := 0; i < nStudents; i++ {
		roll := ""
		if i < len(rolls) {
			roll = rolls[i]
		}
		students = append(students, user.User{
			ID:         "stu" + string(rune('1'+i)),
			Name:       "Student " + string(rune('A'+i)),
			RollNumber: roll,
			IsActive:   true,
			Roles:      []string{user.RoleStudent},
		})
	}

	conf := &core.Config{}
	conf.Attendance.LateThreshold = 15 * time.Minute
	conf.Attendance.DefaultGeofenceRadius = 50
	conf.Attendance.FaceMatchThreshold = 0.6

	env := &testEnv{
		repo:     newFakeRepo(),
		bc:       &captureBroadcaster{},
		mail:     &stubMail{},
		matcher:  &stubMatcher{},
		faculty:  faculty,
		students: students,
	}
	env.svc = NewService(
		env.repo,
		&stubUserService{students: students, faculty: []user.User{faculty}},
		env.matcher,
		env.bc,
		env.mail,
		conf,
		nopLogger{},
		testValidator(),
	)
	return env
}

func (env *testEnv) activate(t *testing.T, ns NewSession) Session {
	t.Helper()
	sess, err := env.svc.ActivateSession(context.Background(), env.faculty, ns)
	if err != nil {
		t.Fatalf("ActivateSession() error = %v", err)
	}
	return sess
}

func classSession() NewSession {
	return NewSession{
		Course:   CourseContext{SubjectID: "CS301", SubjectName: "Distributed Systems", Room: "B12", Semester: 5, Branch: "CS", Section: "A"},
		WifiSSID: "ATTEND_ALICE_1",
		Geofence: Geofence{Latitude: 0, Longitude: 0, Radius: 50},
	}
}

// Three students, 50m fence, 15min late threshold: one walks the pipeline
// promptly, one fights through rejections and ends up late, one never shows.
func TestAttendanceScenario(t *testing.T) {
	defer func() { nowFunc = time.Now }()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return start }

	env := newTestEnv(3)
	ctx := context.Background()
	sess := env.activate(t, classSession())

	if sess.State != SessionActive || sess.TotalStudents != 3 {
		t.Fatalf("activated session = %+v", sess)
	}
	if sess.Stats != (Stats{Absent: 3}) {
		t.Fatalf("initial stats = %+v", sess.Stats)
	}

	// stu1 at T+5min: clean run, Present
	nowFunc = func() time.Time { return start.Add(5 * time.Minute) }
	if _, err := env.svc.SubmitWifi(ctx, sess.ID, "stu1", "ATTEND_ALICE_1", "10.0.0.11"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.SubmitLocation(ctx, sess.ID, "stu1", degAt40m, 0, 8); err != nil {
		t.Fatal(err)
	}
	res, err := env.svc.SubmitFace(ctx, sess.ID, "stu1", core.FaceSample{0.1, 0.2})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Marked || res.Status != StatusPresent {
		t.Errorf("stu1 result = %+v, want marked Present", res)
	}

	// stu2 fumbles: wrong network, then 80m away, then succeeds at T+20min
	res, err = env.svc.SubmitWifi(ctx, sess.ID, "stu2", "LIBRARY_WIFI", "10.0.0.12")
	if err != nil || res.Accepted {
		t.Fatalf("stu2 wrong SSID = %+v, %v", res, err)
	}
	if _, err = env.svc.SubmitWifi(ctx, sess.ID, "stu2", "ATTEND_ALICE_1", "10.0.0.12"); err != nil {
		t.Fatal(err)
	}
	res, err = env.svc.SubmitLocation(ctx, sess.ID, "stu2", degAt80m, 0, 8)
	if err != nil || res.Accepted {
		t.Fatalf("stu2 at 80m = %+v, %v", res, err)
	}
	if res.Distance < 75 || res.Distance > 85 || res.AllowedRadius != 50 {
		t.Errorf("distance diagnostics = %.1fm / %.1fm", res.Distance, res.AllowedRadius)
	}

	nowFunc = func() time.Time { return start.Add(20 * time.Minute) }
	if _, err = env.svc.SubmitLocation(ctx, sess.ID, "stu2", degAt40m, 0, 8); err != nil {
		t.Fatal(err)
	}
	res, err = env.svc.SubmitFace(ctx, sess.ID, "stu2", core.FaceSample{0.3, 0.4})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Marked || res.Status != StatusLate {
		t.Errorf("stu2 result = %+v, want marked Late", res)
	}

	// wrap up; stu3 never arrived
	fin, err := env.svc.CompleteSession(ctx, sess.ID, env.faculty)
	if err != nil {
		t.Fatal(err)
	}
	want := FinalStatistics{Total: 3, Present: 1, Late: 1, Absent: 1, DurationMinutes: 20}
	if fin != want {
		t.Errorf("final stats = %+v, want %+v", fin, want)
	}

	// live eviction: further submissions fail but status stays readable
	if _, err = env.svc.SubmitWifi(ctx, sess.ID, "stu3", "ATTEND_ALICE_1", ""); err != ErrSessionNotActive {
		t.Errorf("SubmitWifi() after close error = %v, want ErrSessionNotActive", err)
	}
	status, err := env.svc.GetLiveStatus(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != SessionCompleted || len(status.Students) != 3 {
		t.Errorf("status = %+v", status)
	}

	// the dashboard saw the whole story on the session topic
	topic := core.SessionTopic(sess.ID)
	for _, event := range []string{
		core.EventSessionActive, core.EventWifiConnected, core.EventLocationVerified,
		core.EventFaceVerified, core.EventRecorded, core.EventSessionClosed,
	} {
		found := false
		for _, evt := range env.bc.eventsFor(topic) {
			if evt.Event == event {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("event %q never published on %q", event, topic)
		}
	}
	// rejections went to the student alone
	if n := env.bc.count(core.EventLocationFailed); n != 1 {
		t.Errorf("locationVerificationFailed published %d times, want 1", n)
	}
	if evts := env.bc.eventsFor(core.UserTopic("stu2")); len(evts) == 0 {
		t.Error("stu2 got no private events")
	}

	// owning faculty got the summary email
	if len(env.mail.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(env.mail.sent))
	}
	if msg := env.mail.sent[0]; msg.To[0].Address != "alice@test.test" || !strings.Contains(msg.Subject, "Distributed Systems") {
		t.Errorf("summary email = %q to %v", msg.Subject, msg.To)
	}
}

func TestActivateSessionDefaults(t *testing.T) {
	env := newTestEnv(2)
	sess := env.activate(t, NewSession{
		Course:   CourseContext{SubjectID: "CS301", SubjectName: "Distributed Systems", Semester: 5, Branch: "CS", Section: "A"},
		Geofence: Geofence{Latitude: -1.2921, Longitude: 36.8219},
	})

	if !strings.HasPrefix(sess.WifiSSID, "ATTEND_ALICE_") {
		t.Errorf("default SSID = %q", sess.WifiSSID)
	}
	if sess.Geofence.Radius != 50 {
		t.Errorf("default radius = %v, want 50", sess.Geofence.Radius)
	}
	if sess.LateThreshold != 15*time.Minute {
		t.Errorf("default late threshold = %v", sess.LateThreshold)
	}

	// activation persisted the session and one record per student
	if _, err := env.repo.GetSession(context.Background(), sess.ID); err != nil {
		t.Errorf("session not persisted: %v", err)
	}
	records, _ := env.repo.GetSessionRecords(context.Background(), sess.ID)
	if len(records) != 2 {
		t.Errorf("persisted %d records, want 2", len(records))
	}
}

func TestActivateSessionValidation(t *testing.T) {
	env := newTestEnv(1)
	_, err := env.svc.ActivateSession(context.Background(), env.faculty, NewSession{
		Course:   CourseContext{SubjectID: "CS301", Semester: 5},
		Geofence: Geofence{Latitude: 123, Longitude: 36.8},
	})
	if err == nil {
		t.Fatal("ActivateSession() accepted latitude 123")
	}
}

func TestOneActiveSessionPerFaculty(t *testing.T) {
	env := newTestEnv(1)
	env.activate(t, classSession())

	if _, err := env.svc.ActivateSession(context.Background(), env.faculty, classSession()); err != ErrDuplicateActiveSession {
		t.Fatalf("second ActivateSession() error = %v, want ErrDuplicateActiveSession", err)
	}

	// concurrent activations admit exactly one
	env2 := newTestEnv(1)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env2.svc.ActivateSession(context.Background(), env2.faculty, classSession()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("admitted %d activations, want 1", wins)
	}
}

func TestActivateRollbackOnPersistFailure(t *testing.T) {
	env := newTestEnv(1)
	env.repo.failNext(10) // beyond the single retry

	if _, err := env.svc.ActivateSession(context.Background(), env.faculty, classSession()); err == nil {
		t.Fatal("ActivateSession() succeeded with storage down")
	}
	// slot released, a later activation works
	env.repo.failNext(0)
	env.activate(t, classSession())
}

func TestSubmitUnknownSession(t *testing.T) {
	env := newTestEnv(1)
	if _, err := env.svc.SubmitWifi(context.Background(), "nope", "stu1", "X", ""); err != ErrSessionNotFound {
		t.Errorf("SubmitWifi() error = %v, want ErrSessionNotFound", err)
	}
}

func TestCompleteSessionOwnership(t *testing.T) {
	env := newTestEnv(1)
	ctx := context.Background()
	sess := env.activate(t, classSession())

	intruder := user.User{ID: "fac2", Roles: []string{user.RoleFaculty}}
	if _, err := env.svc.CompleteSession(ctx, sess.ID, intruder); err != ErrNotSessionOwner {
		t.Fatalf("CompleteSession() by non-owner error = %v, want ErrNotSessionOwner", err)
	}

	// an admin may close any session
	admin := user.User{ID: "adm1", Roles: []string{user.RoleAdmin}}
	if _, err := env.svc.CompleteSession(ctx, sess.ID, admin); err != nil {
		t.Fatalf("CompleteSession() by admin error = %v", err)
	}
}

func TestManualOverrideLiveAndCompleted(t *testing.T) {
	env := newTestEnv(2)
	ctx := context.Background()
	sess := env.activate(t, classSession())

	records, _ := env.repo.GetSessionRecords(ctx, sess.ID)
	var rec1, rec2 AttendanceRecord
	for _, rec := range records {
		switch rec.StudentID {
		case "stu1":
			rec1 = rec
		case "stu2":
			rec2 = rec
		}
	}

	// live path
	got, err := env.svc.ManualOverride(ctx, rec1.ID, StatusPresent, env.faculty, "device issues")
	if err != nil {
		t.Fatalf("ManualOverride() error = %v", err)
	}
	if got.Status != StatusPresent || got.Override == nil || got.Override.Reason != "device issues" {
		t.Errorf("overridden record = %+v", got)
	}
	status, _ := env.svc.GetLiveStatus(ctx, sess.ID)
	if status.Stats != (Stats{Present: 1, Absent: 1}) {
		t.Errorf("live stats = %+v", status.Stats)
	}

	// completed path goes through the repository
	if _, err = env.svc.CompleteSession(ctx, sess.ID, env.faculty); err != nil {
		t.Fatal(err)
	}
	if _, err = env.svc.ManualOverride(ctx, rec2.ID, StatusExcused, env.faculty, "medical leave"); err != nil {
		t.Fatalf("ManualOverride() after completion error = %v", err)
	}
	saved, _ := env.repo.GetRecord(ctx, rec2.ID)
	if saved.Status != StatusExcused || saved.Override == nil {
		t.Errorf("persisted record = %+v", saved)
	}
	savedSess, _ := env.repo.GetSession(ctx, sess.ID)
	if savedSess.Stats != (Stats{Present: 1, Excused: 1}) {
		t.Errorf("persisted stats = %+v", savedSess.Stats)
	}

	if n := env.bc.count(core.EventOverridden); n != 2 {
		t.Errorf("attendanceOverridden published %d times, want 2", n)
	}
	if n := env.bc.count(core.EventManuallyUpdated); n != 2 {
		t.Errorf("attendanceManuallyUpdated published %d times, want 2", n)
	}
}

func TestManualOverrideAuthorization(t *testing.T) {
	env := newTestEnv(1)
	ctx := context.Background()
	sess := env.activate(t, classSession())
	records, _ := env.repo.GetSessionRecords(ctx, sess.ID)

	intruder := user.User{ID: "fac2", Roles: []string{user.RoleFaculty}}
	if _, err := env.svc.ManualOverride(ctx, records[0].ID, StatusPresent, intruder, "nope"); err != ErrNotSessionOwner {
		t.Errorf("ManualOverride() by non-owner error = %v, want ErrNotSessionOwner", err)
	}

	var vErr *core.ValidationError
	if _, err := env.svc.ManualOverride(ctx, records[0].ID, Status("vanished"), env.faculty, ""); !errors.As(err, &vErr) {
		t.Errorf("ManualOverride() with bad status error = %v, want ValidationError", err)
	}
}

func TestSubmitFaceMatcherRetry(t *testing.T) {
	env := newTestEnv(1)
	ctx := context.Background()
	sess := env.activate(t, classSession())

	if _, err := env.svc.SubmitWifi(ctx, sess.ID, "stu1", "ATTEND_ALICE_1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.SubmitLocation(ctx, sess.ID, "stu1", 0, 0, 5); err != nil {
		t.Fatal(err)
	}

	calls := 0
	env.matcher.fn = func(context.Context, string, core.FaceSample) (core.MatchResult, error) {
		calls++
		if calls == 1 {
			return core.MatchResult{}, errors.New("matcher unavailable")
		}
		return core.MatchResult{Matched: true, Confidence: 0.8}, nil
	}

	res, err := env.svc.SubmitFace(ctx, sess.ID, "stu1", core.FaceSample{0.5})
	if err != nil {
		t.Fatalf("SubmitFace() error = %v", err)
	}
	if !res.Marked || calls != 2 {
		t.Errorf("result = %+v after %d calls", res, calls)
	}
}

func TestSubmitFaceMatcherDown(t *testing.T) {
	env := newTestEnv(1)
	ctx := context.Background()
	sess := env.activate(t, classSession())

	if _, err := env.svc.SubmitWifi(ctx, sess.ID, "stu1", "ATTEND_ALICE_1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.SubmitLocation(ctx, sess.ID, "stu1", 0, 0, 5); err != nil {
		t.Fatal(err)
	}

	env.matcher.fn = func(context.Context, string, core.FaceSample) (core.MatchResult, error) {
		return core.MatchResult{}, errors.New("matcher unavailable")
	}
	if _, err := env.svc.SubmitFace(ctx, sess.ID, "stu1", core.FaceSample{0.5}); err == nil {
		t.Fatal("SubmitFace() swallowed a matcher failure")
	}

	// the record is untouched and the step can be retried
	env.matcher.fn = nil
	if res, err := env.svc.SubmitFace(ctx, sess.ID, "stu1", core.FaceSample{0.5}); err != nil || !res.Marked {
		t.Errorf("retry = %+v, %v", res, err)
	}
}

func TestSubmitFaceContextCanceled(t *testing.T) {
	env := newTestEnv(1)
	ctx := context.Background()
	sess := env.activate(t, classSession())

	if _, err := env.svc.SubmitWifi(ctx, sess.ID, "stu1", "ATTEND_ALICE_1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.SubmitLocation(ctx, sess.ID, "stu1", 0, 0, 5); err != nil {
		t.Fatal(err)
	}

	calls := 0
	canceled, cancel := context.WithCancel(ctx)
	env.matcher.fn = func(c context.Context, _ string, _ core.FaceSample) (core.MatchResult, error) {
		calls++
		cancel()
		return core.MatchResult{}, c.Err()
	}
	if _, err := env.svc.SubmitFace(canceled, sess.ID, "stu1", core.FaceSample{0.5}); err == nil {
		t.Fatal("SubmitFace() ignored cancellation")
	}
	if calls != 1 {
		t.Errorf("matcher called %d times after cancellation, want 1", calls)
	}
}

func TestFirstEnrollmentAccepted(t *testing.T) {
	env := newTestEnv(1)
	ctx := context.Background()
	sess := env.activate(t, classSession())

	if _, err := env.svc.SubmitWifi(ctx, sess.ID, "stu1", "ATTEND_ALICE_1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.SubmitLocation(ctx, sess.ID, "stu1", 0, 0, 5); err != nil {
		t.Fatal(err)
	}

	env.matcher.fn = func(context.Context, string, core.FaceSample) (core.MatchResult, error) {
		return core.MatchResult{Matched: true, Confidence: 1, FirstEnrollment: true}, nil
	}
	res, err := env.svc.SubmitFace(ctx, sess.ID, "stu1", core.FaceSample{0.5})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Marked || !res.FirstEnrollment {
		t.Errorf("result = %+v, want marked with first enrollment flag", res)
	}
}

func TestActiveSessionsFor(t *testing.T) {
	env := newTestEnv(2)
	ctx := context.Background()
	sess := env.activate(t, classSession())

	list, err := env.svc.ActiveSessionsFor(ctx, env.students[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].SessionID != sess.ID {
		t.Fatalf("list = %+v", list)
	}

	outsider := user.User{ID: "stu9", Roles: []string{user.RoleStudent}}
	if list, _ = env.svc.ActiveSessionsFor(ctx, outsider); len(list) != 0 {
		t.Errorf("outsider sees %d sessions", len(list))
	}

	if _, err = env.svc.CompleteSession(ctx, sess.ID, env.faculty); err != nil {
		t.Fatal(err)
	}
	if list, _ = env.svc.ActiveSessionsFor(ctx, env.students[0]); len(list) != 0 {
		t.Errorf("completed session still listed: %+v", list)
	}
}

func TestSaveRetryHealsTransientFailure(t *testing.T) {
	env := newTestEnv(1)
	ctx := context.Background()
	sess := env.activate(t, classSession())

	env.repo.failNext(1) // first save fails, retry lands
	if _, err := env.svc.SubmitWifi(ctx, sess.ID, "stu1", "ATTEND_ALICE_1", "10.0.0.9"); err != nil {
		t.Fatal(err)
	}

	records, _ := env.repo.GetSessionRecords(ctx, sess.ID)
	if len(records) != 1 || !records[0].Verify.WifiOK {
		t.Errorf("persisted records = %+v", records)
	}
}

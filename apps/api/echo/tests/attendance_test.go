package tests

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/uwepo/core/attendance"
	"github.com/trezcool/uwepo/core/user"
	testutil "github.com/trezcool/uwepo/tests"
)

var classPlacement = user.ClassPlacement{Semester: 4, Branch: "CS", Section: "A"}

func newSessionBody(t *testing.T) []byte {
	return marchallObj(t, attendance.NewSession{
		Course: attendance.CourseContext{
			SubjectID:   "CS401",
			SubjectName: "Distributed Systems",
			Room:        "B-204",
			Semester:    classPlacement.Semester,
			Branch:      classPlacement.Branch,
			Section:     classPlacement.Section,
		},
		WifiSSID:             "ATTEND_CLASS_1",
		Geofence:             attendance.Geofence{Latitude: 0, Longitude: 0, Radius: 50},
		LateThresholdMinutes: 15,
	})
}

func TestAttendanceSessionFlow(t *testing.T) {
	app := setup(t)

	faculty := testutil.CreateUser(t, usrRepo, "Alice Mwangi", "alice", "alice@test.cd", "passwd", []string{user.RoleFaculty}, true)
	stu1 := testutil.CreateStudent(t, usrRepo, "Imani Njeri", "imani", "imani@test.cd", "passwd", "CS-001", classPlacement)
	stu2 := testutil.CreateStudent(t, usrRepo, "Baraka Otieno", "baraka", "baraka@test.cd", "passwd", "CS-002", classPlacement)

	facToken := getToken(t, faculty)
	stu1Token := getToken(t, stu1)

	// activate
	req, rec := newAuthRequest(http.MethodPost, "/v1/attendance/sessions", facToken, newSessionBody(t))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sess attendance.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, faculty.ID, sess.FacultyID)
	assert.Equal(t, "ATTEND_CLASS_1", sess.WifiSSID)
	assert.Equal(t, attendance.SessionActive, sess.State)
	assert.Equal(t, 2, sess.TotalStudents)
	assert.Equal(t, 2, sess.Stats.Absent)

	// one active session per faculty
	req, rec = newAuthRequest(http.MethodPost, "/v1/attendance/sessions", facToken, newSessionBody(t))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{
		wantCode: http.StatusConflict,
		wantData: marchallObj(t, httpErr{Error: attendance.ErrDuplicateActiveSession.Error()}),
	}, rec)

	// student sees the session as joinable
	req, rec = newAuthRequest(http.MethodGet, "/v1/attendance/sessions/active", stu1Token)
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var joinable []attendance.JoinableSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &joinable))
	require.Len(t, joinable, 1)
	assert.Equal(t, sess.ID, joinable[0].SessionID)
	assert.Equal(t, attendance.StatusAbsent, joinable[0].StudentStatus)

	base := "/v1/attendance/sessions/" + sess.ID

	// wrong network is rejected with diagnostics, not an error
	req, rec = newAuthRequest(http.MethodPost, base+"/wifi", stu1Token, []byte(`{"ssid": "CAFE_WIFI"}`))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var res attendance.StepResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Accepted)
	assert.Equal(t, "ATTEND_CLASS_1", res.ExpectedSSID)
	assert.Equal(t, "CAFE_WIFI", res.ObservedSSID)

	// location before wifi passes is a precondition violation
	req, rec = newAuthRequest(http.MethodPost, base+"/location", stu1Token, []byte(`{"latitude": 0, "longitude": 0}`))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{
		wantCode: http.StatusConflict,
		wantData: marchallObj(t, httpErr{Error: attendance.ErrPrecedingStepIncomplete.Error()}),
	}, rec)

	// correct network
	req, rec = newAuthRequest(http.MethodPost, base+"/wifi", stu1Token, []byte(`{"ssid": "ATTEND_CLASS_1", "ip_address": "10.0.0.7"}`))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Accepted)

	// bogus coordinates are caught by validation
	req, rec = newAuthRequest(http.MethodPost, base+"/location", stu1Token, []byte(`{"latitude": 123, "longitude": 0}`))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{
		wantCode: http.StatusBadRequest,
		wantData: marchallObj(t, map[string]string{"latitude": "latitude must be between -90 and 90"}),
	}, rec)

	// inside the fence
	req, rec = newAuthRequest(http.MethodPost, base+"/location", stu1Token, []byte(`{"latitude": 0, "longitude": 0, "accuracy": 5}`))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Accepted)

	// face match marks attendance; first sample enrolls
	req, rec = newAuthRequest(http.MethodPost, base+"/face", stu1Token, []byte(`{"descriptor": [0.1, 0.2, 0.3]}`))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Accepted)
	assert.True(t, res.Marked)
	assert.True(t, res.FirstEnrollment)
	assert.Equal(t, attendance.StatusPresent, res.Status)

	// faculty live view
	req, rec = newAuthRequest(http.MethodGet, base, facToken)
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var live attendance.LiveStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &live))
	assert.Equal(t, 1, live.Stats.Present)
	assert.Equal(t, 1, live.Stats.Absent)
	require.Len(t, live.Students, 2)

	// excuse the absentee
	var absentRecID string
	for _, r := range live.Students {
		if r.StudentID == stu2.ID {
			absentRecID = r.ID
		}
	}
	require.NotEmpty(t, absentRecID)

	req, rec = newAuthRequest(http.MethodPatch, "/v1/attendance/records/"+absentRecID, facToken, []byte(`{"status": "excused", "reason": "medical leave"}`))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var overridden attendance.AttendanceRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overridden))
	assert.Equal(t, attendance.StatusExcused, overridden.Status)
	require.NotNil(t, overridden.Override)
	assert.Equal(t, faculty.ID, overridden.Override.AppliedBy)

	// complete
	req, rec = newAuthRequest(http.MethodPost, base+"/complete", facToken)
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var fin attendance.FinalStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fin))
	assert.Equal(t, 2, fin.Total)
	assert.Equal(t, 1, fin.Present)
	assert.Equal(t, 1, fin.Excused)
	assert.Equal(t, 0, fin.Absent)
	assert.Equal(t, 0, fin.Late)

	// completion is terminal: late submissions are refused
	req, rec = newAuthRequest(http.MethodPost, base+"/wifi", stu1Token, []byte(`{"ssid": "ATTEND_CLASS_1"}`))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{
		wantCode: http.StatusConflict,
		wantData: marchallObj(t, httpErr{Error: attendance.ErrSessionNotActive.Error()}),
	}, rec)

	// but overrides on the completed session still work
	req, rec = newAuthRequest(http.MethodPatch, "/v1/attendance/records/"+absentRecID, facToken, []byte(`{"status": "absent", "reason": "correction"}`))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAttendanceAuthz(t *testing.T) {
	app := setup(t)

	faculty := testutil.CreateUser(t, usrRepo, "Alice Mwangi", "alice", "alice@test.cd", "passwd", []string{user.RoleFaculty}, true)
	stu := testutil.CreateStudent(t, usrRepo, "Imani Njeri", "imani", "imani@test.cd", "passwd", "CS-001", classPlacement)

	facToken := getToken(t, faculty)
	stuToken := getToken(t, stu)

	forbidden := marchallObj(t, httpErr{Error: "permission denied"})

	tests := []httpTest{
		{name: "activate: no token", method: http.MethodPost, path: "/v1/attendance/sessions",
			wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "activate: students may not", method: http.MethodPost, path: "/v1/attendance/sessions",
			token: stuToken, body: newSessionBody(t), wantCode: http.StatusForbidden, wantData: forbidden},
		{name: "wifi check: faculty may not", method: http.MethodPost, path: "/v1/attendance/sessions/lol/wifi",
			token: facToken, body: []byte(`{"ssid": "x"}`), wantCode: http.StatusForbidden, wantData: forbidden},
		{name: "active list: faculty may not", method: http.MethodGet, path: "/v1/attendance/sessions/active",
			token: facToken, wantCode: http.StatusForbidden, wantData: forbidden},
		{name: "unknown session", method: http.MethodPost, path: "/v1/attendance/sessions/lol/wifi",
			token: stuToken, body: []byte(`{"ssid": "x"}`), wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: attendance.ErrSessionNotFound.Error()})},
		{name: "unknown record", method: http.MethodPatch, path: "/v1/attendance/records/lol",
			token: facToken, body: []byte(`{"status": "excused", "reason": "x"}`), wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: attendance.ErrRecordNotFound.Error()})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func TestAttendanceOwnership(t *testing.T) {
	app := setup(t)

	owner := testutil.CreateUser(t, usrRepo, "Alice Mwangi", "alice", "alice@test.cd", "passwd", []string{user.RoleFaculty}, true)
	intruder := testutil.CreateUser(t, usrRepo, "Bob Kamau", "bob", "bob@test.cd", "passwd", []string{user.RoleFaculty}, true)
	testutil.CreateStudent(t, usrRepo, "Imani Njeri", "imani", "imani@test.cd", "passwd", "CS-001", classPlacement)

	req, rec := newAuthRequest(http.MethodPost, "/v1/attendance/sessions", getToken(t, owner), newSessionBody(t))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sess attendance.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))

	path := fmt.Sprintf("/v1/attendance/sessions/%s/complete", sess.ID)
	req, rec = newAuthRequest(http.MethodPost, path, getToken(t, intruder))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{
		wantCode: http.StatusForbidden,
		wantData: marchallObj(t, httpErr{Error: attendance.ErrNotSessionOwner.Error()}),
	}, rec)

	req, rec = newAuthRequest(http.MethodPost, path, getToken(t, owner))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

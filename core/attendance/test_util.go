package attendance

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/uwepo/core"
	"github.com/trezcool/uwepo/core/user"
)

// fakeRepo is an in-memory Repository; failSaves makes the next N save
// calls fail, to exercise the retry path.
type fakeRepo struct {
	mu        sync.Mutex
	sessions  map[string]Session
	records   map[string]AttendanceRecord
	failSaves int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: make(map[string]Session),
		records:  make(map[string]AttendanceRecord),
	}
}

func (r *fakeRepo) failNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSaves = n
}

func (r *fakeRepo) saveErr() error {
	if r.failSaves > 0 {
		r.failSaves--
		return errors.New("storage unavailable")
	}
	return nil
}

func (r *fakeRepo) SaveSession(_ context.Context, sess Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.saveErr(); err != nil {
		return err
	}
	r.sessions[sess.ID] = sess
	return nil
}

func (r *fakeRepo) SaveRecord(_ context.Context, rec AttendanceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.saveErr(); err != nil {
		return err
	}
	r.records[rec.ID] = rec
	return nil
}

func (r *fakeRepo) GetSession(_ context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (r *fakeRepo) GetRecord(_ context.Context, id string) (AttendanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return AttendanceRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (r *fakeRepo) GetSessionRecords(_ context.Context, sessionID string) ([]AttendanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AttendanceRecord
	for _, rec := range r.records {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type capturedEvent struct {
	Topic   string
	Event   string
	Payload interface{}
}

// captureBroadcaster records published events for assertions.
type captureBroadcaster struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (b *captureBroadcaster) Publish(topic, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, capturedEvent{topic, event, payload})
}

func (b *captureBroadcaster) eventsFor(topic string) []capturedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []capturedEvent
	for _, evt := range b.events {
		if evt.Topic == topic {
			out = append(out, evt)
		}
	}
	return out
}

func (b *captureBroadcaster) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, evt := range b.events {
		if evt.Event == event {
			n++
		}
	}
	return n
}

// stubMatcher delegates to fn, accepting everything with full confidence by
// default.
type stubMatcher struct {
	fn func(ctx context.Context, studentID string, sample core.FaceSample) (core.MatchResult, error)
}

func (m *stubMatcher) Match(ctx context.Context, studentID string, sample core.FaceSample) (core.MatchResult, error) {
	if m.fn != nil {
		return m.fn(ctx, studentID, sample)
	}
	return core.MatchResult{Matched: true, Confidence: 1}, nil
}

type stubMail struct {
	mu   sync.Mutex
	sent []*core.EmailMessage
}

func (m *stubMail) SendMessages(messages ...*core.EmailMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, messages...)
}

// stubUserService serves a fixed roster; the rest of the interface is
// unused by attendance tests.
type stubUserService struct {
	user.ServiceInterface
	students []user.User
	faculty  []user.User
}

func (svc *stubUserService) Students(context.Context, user.ClassPlacement) ([]user.User, error) {
	return svc.students, nil
}

func (svc *stubUserService) GetByID(_ context.Context, id string) (user.User, error) {
	for _, usr := range append(svc.faculty, svc.students...) {
		if usr.ID == id {
			return usr, nil
		}
	}
	return user.User{}, user.ErrNotFound
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

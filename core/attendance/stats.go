package attendance

import "github.com/pkg/errors"

// Stats holds a session's per-status counters. The buckets are mutated as a
// single logically-atomic unit: every status transition applies exactly one
// compensating pair (decrement old, increment new) under the owning session's
// lock, so Present+Absent+Late+Excused always equals the roster size and no
// bucket ever goes negative.
//
// The verification pipeline only ever produces Present and Late; Excused can
// only be reached through a manual override.
type Stats struct {
	Present int `json:"present"`
	Absent  int `json:"absent"`
	Late    int `json:"late"`
	Excused int `json:"excused"`
}

func (s Stats) Total() int {
	return s.Present + s.Absent + s.Late + s.Excused
}

func (s *Stats) bucket(status Status) *int {
	switch status {
	case StatusPresent:
		return &s.Present
	case StatusAbsent:
		return &s.Absent
	case StatusLate:
		return &s.Late
	case StatusExcused:
		return &s.Excused
	}
	return nil
}

// move applies the compensating pair for a record transitioning from one
// status to another. A no-op transition is rejected by callers upfront; a
// transition that would drive a bucket negative indicates counter drift and
// is refused.
func (s *Stats) move(from, to Status) error {
	if from == to {
		return nil
	}
	src, dst := s.bucket(from), s.bucket(to)
	if src == nil || dst == nil {
		return errors.Errorf("stats: unknown status transition %q -> %q", from, to)
	}
	if *src <= 0 {
		return errors.Errorf("stats: %q bucket would go negative", from)
	}
	*src--
	*dst++
	return nil
}

// recount rebuilds counters from the records themselves. Run at session
// completion so persisted counters always match the records.
func recount(records map[string]*AttendanceRecord) Stats {
	var s Stats
	for _, rec := range records {
		if b := s.bucket(rec.Status); b != nil {
			*b++
		}
	}
	return s
}

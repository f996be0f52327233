package attendance

import "testing"

func TestStatsMove(t *testing.T) {
	tests := []struct {
		name    string
		start   Stats
		from    Status
		to      Status
		want    Stats
		wantErr bool
	}{
		{name: "absent to present", start: Stats{Absent: 3}, from: StatusAbsent, to: StatusPresent, want: Stats{Absent: 2, Present: 1}},
		{name: "absent to late", start: Stats{Absent: 1}, from: StatusAbsent, to: StatusLate, want: Stats{Late: 1}},
		{name: "present to excused", start: Stats{Present: 2, Absent: 1}, from: StatusPresent, to: StatusExcused, want: Stats{Present: 1, Absent: 1, Excused: 1}},
		{name: "no-op same status", start: Stats{Present: 1}, from: StatusPresent, to: StatusPresent, want: Stats{Present: 1}},
		{name: "refuses negative counter", start: Stats{Present: 1}, from: StatusAbsent, to: StatusPresent, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := tt.start
			total := stats.Total()
			err := stats.move(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("move() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if stats != tt.start {
					t.Errorf("move() mutated stats on failure: %+v", stats)
				}
				return
			}
			if stats != tt.want {
				t.Errorf("move() = %+v, want %+v", stats, tt.want)
			}
			if stats.Total() != total {
				t.Errorf("move() changed total: %d -> %d", total, stats.Total())
			}
		})
	}
}

func TestRecount(t *testing.T) {
	records := map[string]*AttendanceRecord{
		"a": {Status: StatusPresent},
		"b": {Status: StatusPresent},
		"c": {Status: StatusLate},
		"d": {Status: StatusAbsent},
		"e": {Status: StatusExcused},
	}
	want := Stats{Present: 2, Late: 1, Absent: 1, Excused: 1}
	if got := recount(records); got != want {
		t.Errorf("recount() = %+v, want %+v", got, want)
	}
	if got := recount(nil); got.Total() != 0 {
		t.Errorf("recount(nil) = %+v, want zero", got)
	}
}

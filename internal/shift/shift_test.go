package shift

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var (
	noonRotation = Definition{StartTime: NewClock(12, 0, 0), Count: 3}
	tenRotation  = Definition{StartTime: NewClock(10, 0, 0), Count: 3}
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestIntervalsFrom(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		def  Definition
		want []Interval
	}{
		{
			name: "noon rotation before start of day",
			t:    at("2021-02-14T05:00:00Z"),
			def:  noonRotation,
			want: []Interval{
				NewInterval(at("2021-02-13T12:00:00Z"), at("2021-02-13T20:00:00Z"), 0),
				NewInterval(at("2021-02-13T20:00:00Z"), at("2021-02-14T04:00:00Z"), 1),
				NewInterval(at("2021-02-14T04:00:00Z"), at("2021-02-14T12:00:00Z"), 2),
			},
		},
		{
			name: "ten rotation",
			t:    at("2021-02-14T07:00:00Z"),
			def:  tenRotation,
			want: []Interval{
				NewInterval(at("2021-02-13T10:00:00Z"), at("2021-02-13T18:00:00Z"), 0),
				NewInterval(at("2021-02-13T18:00:00Z"), at("2021-02-14T02:00:00Z"), 1),
				NewInterval(at("2021-02-14T02:00:00Z"), at("2021-02-14T10:00:00Z"), 2),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IntervalsFrom(tt.t, tt.def)
			if len(got) != len(tt.want) {
				t.Fatalf("len: got %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("interval %d: got %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMatchingInterval(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		def  Definition
		want Interval
	}{
		{"noon rotation early morning", at("2021-02-14T05:00:00Z"), noonRotation,
			NewInterval(at("2021-02-14T04:00:00Z"), at("2021-02-14T12:00:00Z"), 2)},
		{"ten rotation early morning", at("2021-02-14T05:00:00Z"), tenRotation,
			NewInterval(at("2021-02-14T02:00:00Z"), at("2021-02-14T10:00:00Z"), 2)},
		{"ten rotation evening", at("2021-02-13T19:00:00Z"), tenRotation,
			NewInterval(at("2021-02-13T18:00:00Z"), at("2021-02-14T02:00:00Z"), 1)},
		{"ten rotation after midnight", at("2021-02-18T00:37:00Z"), tenRotation,
			NewInterval(at("2021-02-17T18:00:00Z"), at("2021-02-18T02:00:00Z"), 1)},
		{"ten rotation third shift", at("2021-02-18T02:37:00Z"), tenRotation,
			NewInterval(at("2021-02-18T02:00:00Z"), at("2021-02-18T10:00:00Z"), 2)},
		{"start minute later than instant minute", at("2021-02-18T10:15:00Z"), Definition{StartTime: NewClock(10, 30, 0), Count: 2},
			NewInterval(at("2021-02-17T22:30:00Z"), at("2021-02-18T10:30:00Z"), 1)},
		{"start with seconds before the start second", at("2021-02-14T06:00:10Z"), Definition{StartTime: NewClock(6, 0, 30), Count: 3},
			NewInterval(at("2021-02-13T22:00:30Z"), at("2021-02-14T06:00:30Z"), 2)},
		{"start with seconds after the start second", at("2021-02-14T06:00:40Z"), Definition{StartTime: NewClock(6, 0, 30), Count: 3},
			NewInterval(at("2021-02-14T06:00:30Z"), at("2021-02-14T14:00:30Z"), 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchingInterval(tt.t, tt.def)
			if err != nil {
				t.Fatalf("MatchingInterval: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

// Boundary instants are contained by two intervals; the earlier one in scan
// order wins.
func TestMatchingIntervalBoundaryTie(t *testing.T) {
	boundary := at("2021-02-13T20:00:00Z")

	intervals := IntervalsFrom(boundary, noonRotation)
	if !intervals[0].Contains(boundary) || !intervals[1].Contains(boundary) {
		t.Fatalf("expected boundary to be contained by intervals 0 and 1: %+v", intervals)
	}

	got, err := MatchingInterval(boundary, noonRotation)
	if err != nil {
		t.Fatalf("MatchingInterval: %v", err)
	}
	if got.Position != 0 {
		t.Errorf("position: got %d, want 0", got.Position)
	}
	if !got.End.Equal(boundary) {
		t.Errorf("end: got %v, want %v", got.End, boundary)
	}
}

func TestIntervalsCoverDay(t *testing.T) {
	base := at("2021-06-01T00:00:00Z")
	for _, count := range []int{1, 2, 3, 4, 6, 8, 12, 24} {
		for h := 0; h < 24; h += 5 {
			for _, sec := range []int{0, 30} {
				def := Definition{StartTime: NewClock(h, 15, sec), Count: count}
				for probe := 0; probe < 96; probe += 7 {
					ts := base.Add(time.Duration(probe) * 15 * time.Minute)
					got := IntervalsFrom(ts, def)
					if len(got) != count {
						t.Fatalf("count %d: got %d intervals", count, len(got))
					}
					if span := got[count-1].End.Sub(got[0].Start); span != 24*time.Hour {
						t.Errorf("count %d start %s: span got %v, want 24h", count, def.StartTime, span)
					}
					for i := 1; i < count; i++ {
						if !got[i].Start.Equal(got[i-1].End) {
							t.Errorf("count %d: gap between %d and %d", count, i-1, i)
						}
						if got[i].Duration() != got[0].Duration() {
							t.Errorf("count %d: unequal shift %d", count, i)
						}
					}
					m, err := MatchingInterval(ts, def)
					if err != nil {
						t.Fatalf("count %d start %s probe %v: %v", count, def.StartTime, ts, err)
					}
					if !m.Contains(ts) {
						t.Errorf("matching interval %+v does not contain %v", m, ts)
					}
				}
			}
		}
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		def     Definition
		wantErr bool
	}{
		{Definition{StartTime: NewClock(6, 0, 0), Count: 3}, false},
		{Definition{StartTime: NewClock(6, 0, 0), Count: 0}, true},
		{Definition{StartTime: NewClock(6, 0, 0), Count: 7}, true},
		{Definition{StartTime: Clock(25 * time.Hour), Count: 2}, true},
	}
	for _, tt := range tests {
		err := tt.def.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v): got err %v, wantErr %v", tt.def, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidDefinition) {
			t.Errorf("expected ErrInvalidDefinition, got %v", err)
		}
	}
}

func TestFromIntervals(t *testing.T) {
	intervals := IntervalsFrom(at("2021-02-14T05:00:00Z"), noonRotation)

	if got, ok := FromIntervals(1, intervals); !ok || got.Position != 1 {
		t.Errorf("position 1: got %+v %v", got, ok)
	}
	if got, ok := FromIntervals(5, intervals); !ok || got.Position != 2 {
		t.Errorf("position 5: got %+v %v, want fallback to 2", got, ok)
	}
	if _, ok := FromIntervals(0, nil); ok {
		t.Error("expected no interval from empty list")
	}
}

func TestDefinitionFromRange(t *testing.T) {
	def := DefinitionFromRange(at("2021-02-13T12:00:00Z"), at("2021-02-13T20:00:00Z"))
	if def.Count != 3 {
		t.Errorf("count: got %d, want 3", def.Count)
	}
	if def.StartTime != NewClock(12, 0, 0) {
		t.Errorf("start: got %s, want 12:00:00", def.StartTime)
	}
}

func TestIntervalAnchor(t *testing.T) {
	i := NewInterval(at("2021-02-13T20:00:00Z"), at("2021-02-14T04:00:00Z"), 1)
	got := i.Anchor(at("2021-03-01T09:30:00Z"))
	want := NewInterval(at("2021-03-01T20:00:00Z"), at("2021-03-02T04:00:00Z"), 1)
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{"12:00", NewClock(12, 0, 0), false},
		{"06:30:15", NewClock(6, 30, 15), false},
		{"24:00", 0, true},
		{"noon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q): err %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseClock(%q): got %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestIntervalJSON(t *testing.T) {
	data, err := json.Marshal(Range(at("2021-02-14T04:00:00Z"), at("2021-02-14T12:00:00Z")))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":null,"start":"2021-02-14T04:00:00Z","end":"2021-02-14T12:00:00Z"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}

	var back Interval
	if err := json.Unmarshal([]byte(`{"id":2,"start":"2021-02-14T04:00:00Z","end":"2021-02-14T12:00:00Z"}`), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Position != 2 {
		t.Errorf("position: got %d, want 2", back.Position)
	}
}

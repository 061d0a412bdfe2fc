package schedule

import (
	"testing"
	"time"
)

// Mon 2024-03-04.
var monday = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		wantOK bool
		want   Config
	}{
		{
			name:   "daily",
			raw:    `{"enabled":true,"frequency":"daily","time":"14:30"}`,
			wantOK: true,
			want:   Config{Enabled: true, Frequency: Daily, Time: "14:30"},
		},
		{
			name:   "weekly with day",
			raw:    `{"enabled":true,"frequency":"weekly","time":"09:00","day_of_week":2}`,
			wantOK: true,
			want:   Config{Enabled: true, Frequency: Weekly, Time: "09:00", DayOfWeek: 2},
		},
		{name: "disabled", raw: `{"enabled":false,"frequency":"daily","time":"14:30"}`},
		{name: "unknown frequency", raw: `{"enabled":true,"frequency":"hourly"}`},
		{name: "empty", raw: ``},
		{name: "malformed", raw: `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Parse([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("Parse ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Fatalf("Parse = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		now  time.Time
		want time.Time
	}{
		{
			name: "daily later today",
			cfg:  Config{Frequency: Daily, Time: "14:30"},
			now:  monday,
			want: time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC),
		},
		{
			name: "daily already passed rolls to tomorrow",
			cfg:  Config{Frequency: Daily, Time: "09:00"},
			now:  monday,
			want: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "daily within tolerance returns past occurrence",
			cfg:  Config{Frequency: Daily, Time: "10:00"},
			now:  monday.Add(30 * time.Second),
			want: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "invalid time defaults to midnight",
			cfg:  Config{Frequency: Daily, Time: "not-a-time"},
			now:  monday,
			want: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "out of range hour defaults to midnight",
			cfg:  Config{Frequency: Daily, Time: "25:99"},
			now:  monday,
			want: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly later this week",
			cfg:  Config{Frequency: Weekly, Time: "09:00", DayOfWeek: 3},
			now:  monday,
			want: time.Date(2024, 3, 7, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly earlier this week rolls over",
			cfg:  Config{Frequency: Weekly, Time: "09:00", DayOfWeek: 0},
			now:  monday,
			want: time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly same day within tolerance",
			cfg:  Config{Frequency: Weekly, Time: "10:00", DayOfWeek: 0},
			now:  monday.Add(10 * time.Second),
			want: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly sunday uses monday-first numbering",
			cfg:  Config{Frequency: Weekly, Time: "09:00", DayOfWeek: 6},
			now:  monday,
			want: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "monthly later this month",
			cfg:  Config{Frequency: Monthly, Time: "09:00", DayOfMonth: 15},
			now:  monday,
			want: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "monthly already passed rolls to next month",
			cfg:  Config{Frequency: Monthly, Time: "09:00", DayOfMonth: 1},
			now:  monday,
			want: time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "monthly december rolls to january",
			cfg:  Config{Frequency: Monthly, Time: "09:00", DayOfMonth: 1},
			now:  time.Date(2024, 12, 20, 10, 0, 0, 0, time.UTC),
			want: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "monthly day 31 clamps to short month",
			cfg:  Config{Frequency: Monthly, Time: "09:00", DayOfMonth: 31},
			now:  time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC),
			want: time.Date(2024, 4, 30, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "monthly same day within tolerance",
			cfg:  Config{Frequency: Monthly, Time: "10:00", DayOfMonth: 4},
			now:  monday.Add(45 * time.Second),
			want: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "monthly missing day defaults to first",
			cfg:  Config{Frequency: Monthly, Time: "09:00"},
			now:  monday,
			want: time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Next(tt.cfg, tt.now)
			if !ok {
				t.Fatal("Next ok = false, want true")
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDue(t *testing.T) {
	t.Parallel()

	cfg := Config{Frequency: Daily, Time: "10:00"}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{name: "exactly on time", now: monday, want: true},
		{name: "just inside tolerance", now: monday.Add(59 * time.Second), want: true},
		{name: "past tolerance", now: monday.Add(61 * time.Second), want: false},
		{name: "before occurrence", now: monday.Add(-time.Minute), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Due(cfg, tt.now, time.Minute); got != tt.want {
				t.Fatalf("Due(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

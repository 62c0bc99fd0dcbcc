package ledger

import (
	"errors"
	"testing"
	"time"

	"docflow/api/internal/apperr"
	"docflow/api/internal/store"
)

func TestInWindowWrapsPastMidnight(t *testing.T) {
	w := store.TimeWindow{StartMinute: 22 * 60, EndMinute: 6 * 60}
	day := time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		hour, minute int
		want         bool
	}{
		{23, 30, true},
		{0, 0, true},
		{5, 59, true},
		{6, 0, false},
		{12, 0, false},
		{21, 59, false},
		{22, 0, true},
	}
	for _, tc := range cases {
		at := day.Add(time.Duration(tc.hour)*time.Hour + time.Duration(tc.minute)*time.Minute)
		if got := inWindow(w, at); got != tc.want {
			t.Fatalf("inWindow(%02d:%02d) = %v, want %v", tc.hour, tc.minute, got, tc.want)
		}
	}
}

func TestInWindowFullDayAndZeroTime(t *testing.T) {
	w := store.TimeWindow{StartMinute: 0, EndMinute: 0, Days: []time.Weekday{time.Saturday}}
	saturday := time.Date(2026, 10, 17, 3, 0, 0, 0, time.UTC)
	if !inWindow(w, saturday) {
		t.Fatalf("start == end should cover the whole day")
	}
	if inWindow(w, saturday.AddDate(0, 0, 1)) {
		t.Fatalf("sunday is outside the allowed days")
	}
	if inWindow(w, time.Time{}) {
		t.Fatalf("zero time must not match")
	}
}

func TestInWindowUsesFixedLocation(t *testing.T) {
	w := store.TimeWindow{StartMinute: 9 * 60, EndMinute: 10 * 60, Location: "UTC"}
	plusTwo := time.FixedZone("plus-two", 2*60*60)
	at := time.Date(2026, 10, 12, 11, 30, 0, 0, plusTwo)
	if !inWindow(w, at) {
		t.Fatalf("11:30+02:00 is 09:30 UTC and should match")
	}
}

func TestIPAllowed(t *testing.T) {
	list := []string{"10.0.0.0/8", "2001:db8::/32", "192.168.1.7"}
	allowed := []string{"10.200.1.1", "2001:db8::1", "192.168.1.7", "::ffff:10.0.0.1"}
	for _, ip := range allowed {
		if !ipAllowed(list, ip) {
			t.Fatalf("expected %s allowed", ip)
		}
	}
	denied := []string{"11.0.0.1", "192.168.1.8", "", "garbage"}
	for _, ip := range denied {
		if ipAllowed(list, ip) {
			t.Fatalf("expected %q denied", ip)
		}
	}
}

func TestValidateConditions(t *testing.T) {
	valid := &store.Conditions{
		IPAllowList: []string{"10.0.0.0/8", "::1"},
		TimeWindow:  &store.TimeWindow{StartMinute: 60, EndMinute: 120, Days: []time.Weekday{time.Monday}},
		Devices:     []string{"laptop-1"},
	}
	if err := validateConditions(valid); err != nil {
		t.Fatalf("validateConditions(valid) error = %v", err)
	}
	if err := validateConditions(nil); err != nil {
		t.Fatalf("validateConditions(nil) error = %v", err)
	}

	invalid := []*store.Conditions{
		{IPAllowList: []string{"10.0.0.0/33"}},
		{TimeWindow: &store.TimeWindow{StartMinute: -1, EndMinute: 10}},
		{TimeWindow: &store.TimeWindow{StartMinute: 0, EndMinute: 1440}},
		{TimeWindow: &store.TimeWindow{StartMinute: 0, EndMinute: 10, Days: []time.Weekday{7}}},
		{TimeWindow: &store.TimeWindow{StartMinute: 0, EndMinute: 10, Location: "Mars/Olympus_Mons"}},
		{Devices: []string{" "}},
	}
	for i, c := range invalid {
		if err := validateConditions(c); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

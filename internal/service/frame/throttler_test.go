package frame

import (
	"testing"
	"time"
)

func TestThrottler_Spacing(t *testing.T) {
	th := NewThrottler(1500 * time.Millisecond)
	base := time.Unix(1700000000, 0)

	arrivals := []int{0, 400, 900, 1600, 1700, 3300}
	var accepted []int
	releases := make(map[int]int)

	for _, ms := range arrivals {
		ms := ms
		f := New([]byte{1}, FormatJPEG, 1, 1, base, func() { releases[ms]++ })
		if th.Offer(f, base.Add(time.Duration(ms)*time.Millisecond)) {
			accepted = append(accepted, ms)
			// Downstream owns accepted frames
			f.Release()
		}
	}

	want := []int{0, 1600, 3300}
	if len(accepted) != len(want) {
		t.Fatalf("expected accepted %v, got %v", want, accepted)
	}
	for i := range want {
		if accepted[i] != want[i] {
			t.Errorf("expected accepted %v, got %v", want, accepted)
			break
		}
	}

	// Every frame, accepted or dropped, is released exactly once
	for _, ms := range arrivals {
		if releases[ms] != 1 {
			t.Errorf("frame at %dms released %d times, want 1", ms, releases[ms])
		}
	}
}

func TestThrottler_MeasuresFromLastAccepted(t *testing.T) {
	th := NewThrottler(time.Second)
	base := time.Unix(0, 0)

	// A steady 600ms stream: 0 accepted, 600 dropped, 1200 accepted,
	// 1800 dropped (only 600 since 1200), 2400 accepted
	var accepted []int
	for ms := 0; ms <= 2400; ms += 600 {
		if th.Offer(New(nil, FormatJPEG, 0, 0, base, nil), base.Add(time.Duration(ms)*time.Millisecond)) {
			accepted = append(accepted, ms)
		}
	}

	want := []int{0, 1200, 2400}
	if len(accepted) != len(want) {
		t.Fatalf("expected %v, got %v", want, accepted)
	}
	for i := range want {
		if accepted[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, accepted)
		}
	}
}

func TestThrottler_ExactIntervalIsAccepted(t *testing.T) {
	th := NewThrottler(1500 * time.Millisecond)
	base := time.Unix(0, 0)

	th.Offer(New(nil, FormatJPEG, 0, 0, base, nil), base)
	if !th.Offer(New(nil, FormatJPEG, 0, 0, base, nil), base.Add(1500*time.Millisecond)) {
		t.Error("frame exactly one interval later should be accepted")
	}
}

func TestThrottler_Reset(t *testing.T) {
	th := NewThrottler(time.Minute)
	base := time.Unix(0, 0)

	th.Offer(New(nil, FormatJPEG, 0, 0, base, nil), base)
	if th.Offer(New(nil, FormatJPEG, 0, 0, base, nil), base.Add(time.Second)) {
		t.Fatal("expected second frame to be throttled")
	}

	th.Reset()
	if !th.Offer(New(nil, FormatJPEG, 0, 0, base, nil), base.Add(2*time.Second)) {
		t.Error("expected first frame after Reset to be accepted")
	}
}

func TestThrottler_DefaultInterval(t *testing.T) {
	th := NewThrottler(0)
	if th.Interval() != DefaultMinInterval {
		t.Errorf("expected default interval %v, got %v", DefaultMinInterval, th.Interval())
	}
}

func TestFrame_ReleaseOnce(t *testing.T) {
	calls := 0
	f := New([]byte{1, 2, 3}, FormatJPEG, 1, 1, time.Now(), func() { calls++ })

	f.Release()
	f.Release()
	f.Release()

	if calls != 1 {
		t.Errorf("expected release hook called once, got %d", calls)
	}
	if !f.Released() {
		t.Error("expected Released to be true")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input string
		want  Format
		ok    bool
	}{
		{"rgba", FormatRGBA, true},
		{"nv21", FormatNV21, true},
		{"jpeg", FormatJPEG, true},
		{"jpg", FormatJPEG, true},
		{"png", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseFormat(tt.input)
			if ok != tt.ok || (ok && got != tt.want) {
				t.Errorf("ParseFormat(%q) = %v, %v; want %v, %v", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

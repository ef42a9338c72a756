package timecode

import "testing"

func TestToMS_Table(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00:00.000", 0, false},
		{"00:00:02.500", 2500, false},
		{"01:02:03.004", 3723004, false},
		{"10:59:59.999", 39599999, false},
		{"00:60:00.000", 0, true},
		{"0:00:00.000", 0, true},
		{"00:00:00.00", 0, true},
		{"00:00:00", 0, true},
		{"garbage", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ToMS(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ToMS(%q) expected error, got %d", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ToMS(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ToMS(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromMS_RoundTrip(t *testing.T) {
	for _, ms := range []int{0, 1, 999, 1000, 2500, 3723004, 39599999} {
		s := FromMS(ms)
		back, err := ToMS(s)
		if err != nil {
			t.Fatalf("round trip %d via %q: %v", ms, s, err)
		}
		if back != ms {
			t.Fatalf("round trip %d via %q = %d", ms, s, back)
		}
	}
}

func TestFromSeconds(t *testing.T) {
	if got := FromSeconds(2.5); got != "00:00:02.500" {
		t.Fatalf("FromSeconds(2.5) = %q", got)
	}
	if got := FromSeconds(-1); got != "00:00:00.000" {
		t.Fatalf("FromSeconds(-1) = %q", got)
	}
}

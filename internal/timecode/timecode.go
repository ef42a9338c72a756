// Package timecode converts between the pipeline's canonical
// "HH:MM:SS.mmm" timestamps and integer milliseconds.
package timecode

import (
	"fmt"
	"math"
	"regexp"
)

var timestampRe = regexp.MustCompile(`^\d{2,}:[0-5]\d:[0-5]\d\.\d{3}$`)

// ToMS parses a canonical timestamp into milliseconds.
func ToMS(timestamp string) (int, error) {
	if !timestampRe.MatchString(timestamp) {
		return 0, fmt.Errorf("invalid timestamp format: %q", timestamp)
	}
	var hh, mm, ss, ms int
	if _, err := fmt.Sscanf(timestamp, "%d:%d:%d.%d", &hh, &mm, &ss, &ms); err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", timestamp, err)
	}
	return (((hh*60)+mm)*60+ss)*1000 + ms, nil
}

// FromMS renders milliseconds as a canonical timestamp.
// Negative values are invalid by contract; callers validate upstream.
func FromMS(value int) string {
	if value < 0 {
		value = 0
	}
	hh := value / 3600000
	rem := value % 3600000
	mm := rem / 60000
	rem = rem % 60000
	ss := rem / 1000
	ms := rem % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hh, mm, ss, ms)
}

// FromSeconds converts float seconds (legacy input shape) to a canonical timestamp.
func FromSeconds(value float64) string {
	if value < 0 {
		value = 0
	}
	return FromMS(int(math.Round(value * 1000)))
}

package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseStringTime parses durations written in config files. On top of the units
// accepted by time.ParseDuration it understands a "d" suffix for days and treats
// an empty string or "0" as zero.
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" || timeString == "0" {
		return 0, nil
	}
	if days, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(days)
		if err != nil || number < 0 {
			return 0, fmt.Errorf("invalid time format: %s", timeString)
		}
		return time.Duration(number) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(timeString)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid time format: %s", timeString)
	}
	return d, nil
}

// MustParseStringTime is ParseStringTime for values already validated.
func MustParseStringTime(timeString string) time.Duration {
	d, _ := ParseStringTime(timeString)
	return d
}

// Millis renders d as whole milliseconds, the unit STOMP heart-beat headers use.
func Millis(d time.Duration) int64 {
	return int64(d / time.Millisecond)
}

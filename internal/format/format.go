// Package format provides display helpers for call durations and
// phone numbers. These are stateless and safe for concurrent use.
package format

import (
	"fmt"
	"regexp"
	"strings"
)

var nonDigit = regexp.MustCompile(`\D`)

// Duration renders a second count as zero-padded mm:ss.
// Durations of an hour or more keep accumulating minutes (90:00).
func Duration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// PhoneNumber renders a dialable number for display.
// US/CA numbers (10 digits, or 11 with a leading 1) get NANP grouping;
// anything else is passed through with a + prefix.
func PhoneNumber(number string) string {
	if number == "" {
		return ""
	}

	cleaned := nonDigit.ReplaceAllString(number, "")

	if len(cleaned) == 11 && strings.HasPrefix(cleaned, "1") {
		return fmt.Sprintf("+1 (%s) %s-%s", cleaned[1:4], cleaned[4:7], cleaned[7:])
	}
	if len(cleaned) == 10 {
		return fmt.Sprintf("(%s) %s-%s", cleaned[:3], cleaned[3:6], cleaned[6:])
	}

	if strings.HasPrefix(number, "+") {
		return number
	}
	return "+" + cleaned
}

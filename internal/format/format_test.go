package format

import "testing"

func TestDuration(t *testing.T) {
	cases := []struct {
		seconds int
		want    string
	}{
		{0, "00:00"},
		{5, "00:05"},
		{59, "00:59"},
		{60, "01:00"},
		{125, "02:05"},
		{3600, "60:00"},
		{-3, "00:00"},
	}

	for _, c := range cases {
		if got := Duration(c.seconds); got != c.want {
			t.Errorf("Duration(%d) = %q, want %q", c.seconds, got, c.want)
		}
	}
}

func TestPhoneNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"+15551234567", "+1 (555) 123-4567"},
		{"15551234567", "+1 (555) 123-4567"},
		{"5551234567", "(555) 123-4567"},
		{"(555) 123-4567", "(555) 123-4567"},
		{"+442071838750", "+442071838750"},
		{"442071838750", "+442071838750"},
		{"1001", "+1001"},
	}

	for _, c := range cases {
		if got := PhoneNumber(c.in); got != c.want {
			t.Errorf("PhoneNumber(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

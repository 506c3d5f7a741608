package timemodel

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseISO8601Duration parses a subset of ISO 8601 durations sufficient for
// plan timings: PnDTnHnMnS, with the date part limited to whole days.
// time.ParseDuration doesn't understand the "P...T..." grammar.
func ParseISO8601Duration(s string) (time.Duration, error) {
	orig := s
	if s == "" || s[0] != 'P' {
		return 0, fmt.Errorf("invalid ISO8601 duration %q: must start with P", orig)
	}
	s = s[1:]

	var days int64
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		datePart := s[:i]
		s = s[i+1:]
		if datePart != "" {
			if !strings.HasSuffix(datePart, "D") {
				return 0, fmt.Errorf("invalid ISO8601 duration %q: unsupported date component", orig)
			}
			n, err := strconv.ParseInt(strings.TrimSuffix(datePart, "D"), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid ISO8601 duration %q: %w", orig, err)
			}
			days = n
		}
	} else if s != "" {
		// No 'T': only a bare day count is legal (e.g. "P1D").
		if !strings.HasSuffix(s, "D") {
			return 0, fmt.Errorf("invalid ISO8601 duration %q: missing T before time component", orig)
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(s, "D"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO8601 duration %q: %w", orig, err)
		}
		days = n
		s = ""
	}

	total := time.Duration(days) * 24 * time.Hour

	num := strings.Builder{}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			num.WriteRune(r)
		case r == 'H', r == 'M', r == 'S':
			val, err := strconv.ParseFloat(num.String(), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid ISO8601 duration %q: %w", orig, err)
			}
			num.Reset()
			switch r {
			case 'H':
				total += time.Duration(val * float64(time.Hour))
			case 'M':
				total += time.Duration(val * float64(time.Minute))
			case 'S':
				total += time.Duration(val * float64(time.Second))
			}
		default:
			return 0, fmt.Errorf("invalid ISO8601 duration %q: unexpected character %q", orig, r)
		}
	}
	if num.Len() > 0 {
		return 0, fmt.Errorf("invalid ISO8601 duration %q: trailing number without unit", orig)
	}

	return total, nil
}

// FormatISO8601Duration renders d as "PT#H#M#S", omitting zero components.
// Always includes at least one component (falls back to "PT0S").
func FormatISO8601Duration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	var b strings.Builder
	b.WriteString("PT")
	wrote := false
	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		wrote = true
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		wrote = true
	}
	if s > 0 || !wrote {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}

// Duration is an ISO 8601 duration that marshals/unmarshals as its string
// form in JSON (the wire format used throughout the constraint and timing
// payloads).
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(FormatISO8601Duration(time.Duration(d)))), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return err
	}
	parsed, err := ParseISO8601Duration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

package analytics

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Timeframe string

const (
	Day   Timeframe = "1d"
	Week  Timeframe = "7d"
	Month Timeframe = "30d"
)

// ParseTimeframe never fails: anything unrecognized is a week.
func ParseTimeframe(value string) Timeframe {
	switch tf := Timeframe(strings.ToLower(strings.TrimSpace(value))); tf {
	case Day, Week, Month:
		return tf
	default:
		return Week
	}
}

func (t Timeframe) Days() int {
	switch t {
	case Day:
		return 1
	case Month:
		return 30
	default:
		return 7
	}
}

func (t Timeframe) Label() string {
	switch t {
	case Day:
		return "Last 24 hours"
	case Month:
		return "Last 30 days"
	default:
		return "Last 7 days"
	}
}

// TimeframeStart is exactly Days()*24h before now.
func TimeframeStart(now time.Time, tf Timeframe) time.Time {
	return now.Add(-time.Duration(tf.Days()) * 24 * time.Hour)
}

// Percent renders num/den*100 rounded to one decimal.
func Percent(num, den int64) string {
	if den == 0 {
		return "0%"
	}
	value := math.Round(float64(num)/float64(den)*1000) / 10
	return fmt.Sprintf("%.1f%%", value)
}

// FormatMinutes renders a minute count as "Xh Ym".
func FormatMinutes(minutes int64) string {
	if minutes < 0 {
		minutes = 0
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

// FormatCount renders an integer with thousands separators.
func FormatCount(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

package feed

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
)

// Staleness colors used by the emoncms feed list.
const (
	ColorFresh  = "rgb(50,200,50)"
	ColorRecent = "rgb(240,180,20)"
	ColorStale  = "rgb(255,125,20)"
	ColorDead   = "rgb(255,0,0)"
)

// Updated is a rendered "time since last update" cell.
type Updated struct {
	Text  string
	Color string
}

// FormatUpdated renders the age of a feed's last update relative to now,
// following the emoncms feed list conventions: "now", seconds, minutes
// past 3 minutes, hours past 2 hours, days past 2 days, and "inactive"
// beyond a week. A timestamp ahead of now is shown as negative seconds
// (usually clock skew or a slow network).
func FormatUpdated(unix int64, now time.Time) Updated {
	if unix == 0 {
		return Updated{Text: "n/a", Color: ColorDead}
	}

	secs := float64(now.UnixMilli()-unix*1000) / 1000
	mins := secs / 60
	hours := secs / 3600
	days := hours / 24

	var text string
	switch {
	case secs < 0:
		text = fmt.Sprintf("%ds", int64(math.Round(secs)))
	case math.Round(secs) == 0:
		text = "now"
	case days > 7:
		text = "inactive"
	case days > 2:
		text = fmt.Sprintf("%.1f days", math.Round(days*10)/10)
	case hours > 2:
		text = fmt.Sprintf("%d hrs", int64(math.Round(hours)))
	case secs > 180:
		text = fmt.Sprintf("%d mins", int64(math.Round(mins)))
	default:
		text = fmt.Sprintf("%ds", int64(math.Round(secs)))
	}

	age := math.Abs(secs)
	color := ColorDead
	switch {
	case age < 25:
		color = ColorFresh
	case age < 60:
		color = ColorRecent
	case age < 2*3600:
		color = ColorStale
	}

	return Updated{Text: text, Color: color}
}

// FormatValue renders a feed value with precision scaled to magnitude:
// whole numbers from 1000 up, one decimal from 100, two below that.
// Trailing zeros are dropped. A nil value renders as "NULL".
func FormatValue(v *float64) string {
	if v == nil {
		return "NULL"
	}
	x := *v
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return "NULL"
	}

	digits := 2
	switch abs := math.Abs(x); {
	case abs >= 1000:
		digits = 0
	case abs >= 100:
		digits = 1
	}

	scale := math.Pow10(digits)
	rounded := math.Round(x*scale) / scale
	if rounded == 0 {
		rounded = 0 // drop negative zero
	}
	return humanize.FtoaWithDigits(rounded, digits)
}

// LoadingNotice is shown in place of the table until the first response
// arrives.
func LoadingNotice(interval time.Duration) string {
	return fmt.Sprintf("Loading: Remote feed list, please wait %d seconds...", int(interval.Seconds()))
}

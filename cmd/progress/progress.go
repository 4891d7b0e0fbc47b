package progress

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultWidth is the number of cells in a rendered bar
const DefaultWidth = 32

// Stats is a point-in-time view of an import's progress
type Stats struct {
	BytesRead  int64         `json:"bytes_read"`
	TotalBytes int64         `json:"total_bytes"`
	Percent    float64       `json:"percent"` // 0..1
	Speed      float64       `json:"speed"`   // bytes per second
	ETA        time.Duration `json:"eta"`
	Elapsed    time.Duration `json:"elapsed"`
	Done       bool          `json:"done"`
}

// Compute derives percent, speed and ETA from the byte counters.
// An empty dump counts as complete, and ETA is zero until a speed is known.
func Compute(bytesRead, totalBytes int64, start, now time.Time) Stats {
	s := Stats{
		BytesRead:  bytesRead,
		TotalBytes: totalBytes,
		Percent:    1,
		Elapsed:    now.Sub(start),
	}
	if totalBytes > 0 {
		s.Percent = float64(bytesRead) / float64(totalBytes)
	}
	if secs := s.Elapsed.Seconds(); secs > 0 {
		s.Speed = float64(bytesRead) / secs
	}
	if s.Speed > 0 && totalBytes > bytesRead {
		s.ETA = time.Duration(float64(totalBytes-bytesRead) / s.Speed * float64(time.Second))
	}
	return s
}

// Bar renders percent as width cells: "=" for completed cells, a ">" marker
// at the boundary while incomplete, then spaces.
func Bar(percent float64, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	filled := int(math.Round(percent * float64(width)))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	if filled == width {
		return strings.Repeat("=", width)
	}
	return strings.Repeat("=", filled) + ">" + strings.Repeat(" ", width-filled-1)
}

// Line renders the single-line progress summary:
// [bar] 12.3% | 1.00 MB / 8.00 MB | 512.00 KB/s | ETA 14s
func Line(s Stats, width int) string {
	eta := "--"
	if s.Speed > 0 || s.Percent >= 1 {
		eta = FormatDuration(s.ETA)
	}
	return fmt.Sprintf("[%s] %.1f%% | %s / %s | %s/s | ETA %s",
		Bar(s.Percent, width),
		s.Percent*100,
		FormatBytes(s.BytesRead),
		FormatBytes(s.TotalBytes),
		FormatBytes(int64(s.Speed)),
		eta,
	)
}

// FormatBytes renders a byte count with two decimals in B, KB, MB or GB
func FormatBytes(b int64) string {
	const unit = 1024
	switch {
	case b >= unit*unit*unit:
		return fmt.Sprintf("%.2f GB", float64(b)/(unit*unit*unit))
	case b >= unit*unit:
		return fmt.Sprintf("%.2f MB", float64(b)/(unit*unit))
	case b >= unit:
		return fmt.Sprintf("%.2f KB", float64(b)/unit)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// FormatDuration renders whole seconds as "Ns" under a minute, else "Nm Ns"
func FormatDuration(d time.Duration) string {
	secs := int64(math.Round(d.Seconds()))
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}

package encoder

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// parseProgress reads ffmpeg's key=value progress stream and calls fn at
// the end of every block. It drains r even when fn is nil so the
// subprocess never blocks on a full pipe.
func parseProgress(r io.Reader, fn ProgressFunc) {
	scanner := bufio.NewScanner(r)
	var p Progress
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "frame":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				p.Frame = v
			}
		case "fps":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				p.FPS = v
			}
		case "out_time_us", "out_time_ms":
			// both keys carry microseconds
			if v, err := strconv.ParseInt(value, 10, 64); err == nil && v >= 0 {
				p.OutTime = float64(v) / 1e6
			}
		case "progress":
			p.Done = value == "end"
			if fn != nil {
				fn(p)
			}
			p = Progress{}
		}
	}
}

package export

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/heimdex/heimdex-editor/internal/timeline"
)

// GenerateEDL renders one track as a CMX3600 edit decision list. Record
// times are the clips' timeline positions, so gaps survive the round trip
// into other editors.
func GenerateEDL(track *timeline.Track, title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = 30
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", SanitizeName(title, 70))}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	channel := "B"
	if track.Muted {
		channel = "V"
	}
	for i, clip := range track.Clips {
		srcIn := secondsToTimecode(clip.TrimIn, fps)
		srcOut := secondsToTimecode(clip.TrimOut, fps)
		recIn := secondsToTimecode(clip.StartTime, fps)
		recOut := secondsToTimecode(clip.EndTime(), fps)

		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, reelName(clip.Media.Path), channel, srcIn, srcOut, recIn, recOut),
			fmt.Sprintf("* FROM CLIP NAME:  %s", filepath.Base(clip.Media.Path)),
			fmt.Sprintf("* MEDIA PATH:  %s", clip.Media.Path),
		)
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

// reelName derives an 8-character reel from the source file name.
func reelName(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var b strings.Builder
	for _, r := range strings.ToUpper(stem) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 8 {
			break
		}
	}
	if b.Len() == 0 {
		return "AX"
	}
	return b.String()
}

func secondsToTimecode(sec float64, fps int) string {
	totalFrames := int(math.Round(sec * float64(fps)))
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}

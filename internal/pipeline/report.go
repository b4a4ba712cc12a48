package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/book-expert/lipsync-service/internal/core"
)

// Time formatting constants.
const (
	secondsInMinute = 60
	formatSeconds   = "%.1fs"
	formatMinutes   = "%dm %.1fs"
)

// FormatDuration renders a duration for report output, switching to minutes
// past sixty seconds.
func FormatDuration(d time.Duration) string {
	seconds := d.Seconds()
	if seconds < secondsInMinute {
		return fmt.Sprintf(formatSeconds, seconds)
	}

	minutes := int(seconds) / secondsInMinute
	remainder := seconds - float64(minutes*secondsInMinute)

	return fmt.Sprintf(formatMinutes, minutes, remainder)
}

// FormatReport renders a job report as human-readable text, one line per
// fact, stage timings in stable order.
func FormatReport(report core.Report) string {
	var builder strings.Builder

	fmt.Fprintf(&builder, "job %s: %s\n", report.JobID, report.Status)
	fmt.Fprintf(&builder, "frames: %d\n", report.FrameCount)
	fmt.Fprintf(&builder, "audio: %s\n", FormatDuration(report.AudioDuration))

	stages := make([]string, 0, len(report.Timings))
	for stage := range report.Timings {
		stages = append(stages, stage)
	}

	sort.Strings(stages)

	for _, stage := range stages {
		fmt.Fprintf(&builder, "  %-10s %s\n",
			stage, FormatDuration(report.Timings[stage]))
	}

	for _, warning := range report.Warnings {
		fmt.Fprintf(&builder, "warning: %s\n", warning)
	}

	return builder.String()
}

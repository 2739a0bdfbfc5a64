package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// StepBar displays sampling progress: completed steps out of the schedule,
// the time per step and the estimated time left.
type StepBar struct {
	mu sync.Mutex

	message      string
	messageWidth int

	current int
	total   int

	started time.Time
	// first is when the first step completed; the rate ignores the warm-up
	// step before it.
	first time.Time
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{
		message:      message,
		messageWidth: -1,
		total:        total,
		started:      time.Now(),
	}
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

// Set records that current steps have completed.
func (s *StepBar) Set(current int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current = max(0, min(current, s.total))
	if current > 0 && s.first.IsZero() {
		s.first = time.Now()
	}
	s.current = current
}

func (s *StepBar) percent() float64 {
	if s.total > 0 {
		return float64(s.current) / float64(s.total) * 100
	}
	return 0
}

// perStep is the average duration of the steps after the first one.
func (s *StepBar) perStep(now time.Time) time.Duration {
	switch {
	case s.current == 0:
		return 0
	case s.current == 1:
		return s.first.Sub(s.started)
	default:
		return now.Sub(s.first) / time.Duration(s.current-1)
	}
}

func (s *StepBar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = defaultTermWidth
	}
	return s.render(termWidth, time.Now())
}

func (s *StepBar) render(termWidth int, now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pre, mid, suf strings.Builder

	if s.message != "" {
		message := strings.TrimSpace(s.message)
		if s.messageWidth > 0 && len(message) > s.messageWidth {
			message = message[:s.messageWidth]
		}

		fmt.Fprintf(&pre, "%s", message)
		if s.messageWidth-pre.Len() >= 0 {
			pre.WriteString(strings.Repeat(" ", s.messageWidth-pre.Len()))
		}

		pre.WriteString(" ")
	}

	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(s.percent()))

	fmt.Fprintf(&suf, "%d/%d", s.current, s.total)
	if step := s.perStep(now); step > 0 {
		fmt.Fprintf(&suf, " %.2fs/it", step.Seconds())

		elapsed := now.Sub(s.started)
		if s.current < s.total {
			fmt.Fprintf(&suf, " [%s<%s]", formatDuration(elapsed), formatDuration(step*time.Duration(s.total-s.current)))
		} else {
			fmt.Fprintf(&suf, " [%s]", formatDuration(elapsed))
		}
	}

	// add 3 extra spaces: 2 boundary characters and 1 space at the end
	f := termWidth - pre.Len() - suf.Len() - 3
	n := int(float64(f) * s.percent() / 100)

	if f > 0 {
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		if f-n > 0 {
			mid.WriteString(strings.Repeat(" ", f-n))
		}
		mid.WriteString("▏ ")
	}

	return pre.String() + mid.String() + suf.String()
}

package build

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const verbWidth = 12

// Status prints cargo-style progress lines for rebuilds. Colors are chosen
// for the writer it was created with, so redirected output is plain text.
type Status struct {
	w        io.Writer
	progress lipgloss.Style
	waiting  lipgloss.Style
	mu       sync.Mutex
}

// NewStatus creates a status printer writing to w. A nil w discards.
func NewStatus(w io.Writer) *Status {
	if w == nil {
		w = io.Discard
	}
	r := lipgloss.NewRenderer(w)
	verb := r.NewStyle().Bold(true).Width(verbWidth).Align(lipgloss.Right)
	return &Status{
		w:        w,
		progress: verb.Foreground(lipgloss.Color("10")),
		waiting:  verb.Foreground(lipgloss.Color("14")),
	}
}

// Blocking reports that another build holds the build directory lock.
func (s *Status) Blocking(dir string) {
	s.line(s.waiting, "Blocking", "waiting for file lock on build directory %s", dir)
}

func (s *Status) Compiling(module string, sources int) {
	noun := "sources"
	if sources == 1 {
		noun = "source"
	}
	s.line(s.progress, "Compiling", "%s (%d %s)", module, sources, noun)
}

func (s *Status) Linking(module string) {
	s.line(s.progress, "Linking", "%s", module)
}

func (s *Status) Finished(module string, d time.Duration) {
	s.line(s.progress, "Finished", "%s in %.2fs", module, d.Seconds())
}

func (s *Status) line(style lipgloss.Style, verb, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s %s\n", style.Render(verb), fmt.Sprintf(format, args...))
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
	"github.com/wippyai/hdlsim/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	changedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type consoleState int

const (
	stateBrowse consoleState = iota
	stateEdit
)

// console is the bubbletea model of the interactive port console.
type console struct {
	ctx      context.Context
	sim      *runtime.Model
	dump     func(uint64) error
	err      error
	status   string
	ports    []port.Descriptor
	values   []port.Value
	changed  []bool
	input    textinput.Model
	now      uint64
	selected int
	state    consoleState
	busy     bool
}

type stepMsg struct {
	err    error
	values []port.Value
	what   string
}

func newConsole(ctx context.Context, sim *runtime.Model, dump func(uint64) error) (*console, error) {
	values, err := readAll(sim)
	if err != nil {
		return nil, err
	}
	ports := sim.Ports()
	return &console{
		ctx:     ctx,
		sim:     sim,
		dump:    dump,
		ports:   ports,
		values:  values,
		changed: make([]bool, len(ports)),
		state:   stateBrowse,
	}, nil
}

func (c *console) Init() tea.Cmd {
	return nil
}

// step returns a command evaluating (or ticking) the model off the UI
// goroutine. Keys are ignored until its stepMsg arrives.
func (c *console) step(tick bool) tea.Cmd {
	c.busy = true
	now := c.now
	return func() tea.Msg {
		what := "eval"
		var err error
		if tick {
			what = "tick"
			err = c.sim.Tick(c.ctx)
		} else {
			err = c.sim.Eval(c.ctx)
		}
		if err == nil && c.dump != nil {
			err = c.dump(now)
		}
		if err != nil {
			return stepMsg{err: err}
		}
		values, err := readAll(c.sim)
		return stepMsg{err: err, values: values, what: what}
	}
}

func (c *console) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stepMsg:
		c.busy = false
		c.err = msg.err
		if msg.err == nil {
			for i, v := range msg.values {
				c.changed[i] = !v.Equal(c.values[i])
			}
			c.values = msg.values
			c.now++
			c.status = fmt.Sprintf("%s done (t=%d)", msg.what, c.now)
		}
		return c, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return c, tea.Quit
		}
		if c.busy {
			return c, nil
		}
		if c.state == stateEdit {
			return c.updateEdit(msg)
		}
		switch msg.String() {
		case "q":
			return c, tea.Quit
		case "up", "k":
			if c.selected > 0 {
				c.selected--
			}
		case "down", "j":
			if c.selected < len(c.ports)-1 {
				c.selected++
			}
		case "enter":
			c.beginEdit()
		case "e":
			return c, c.step(false)
		case "t":
			return c, c.step(true)
		}
	}
	return c, nil
}

func (c *console) beginEdit() {
	if len(c.ports) == 0 {
		return
	}
	d := c.ports[c.selected]
	if !d.Direction.Writable() {
		c.err = errors.New(errors.ClassPort, errors.KindDirection).
			Module(c.sim.Module()).
			Port(d.Name).
			Detail("cannot pin an %s port", d.Direction).
			Build()
		return
	}
	ti := textinput.New()
	ti.Prompt = d.Name + " = "
	ti.Placeholder = c.values[c.selected].String()
	ti.Width = 40
	ti.Focus()
	c.input = ti
	c.err = nil
	c.state = stateEdit
}

func (c *console) updateEdit(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		c.state = stateBrowse
		return c, nil
	case "enter":
		c.state = stateBrowse
		d := c.ports[c.selected]
		v, err := parseValue(c.input.Value())
		if err == nil {
			err = c.sim.Pin(d.Name, v)
		}
		c.err = err
		if err == nil {
			c.status = fmt.Sprintf("pinned %s; press e to evaluate", d.Name)
		}
		return c, nil
	}
	var cmd tea.Cmd
	c.input, cmd = c.input.Update(msg)
	return c, cmd
}

func (c *console) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("hdlsim"))
	b.WriteString(" ")
	b.WriteString(c.sim.Module())
	b.WriteString("\n\n")

	for i, d := range c.ports {
		line := fmt.Sprintf("%-7s %-10s %s", d.Direction, fmt.Sprintf("[%d:%d]", d.MSB, d.LSB), d.Name)
		value := formatValue(c.values[i])
		if i == c.selected {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + typeStyle.Render(line))
		}
		b.WriteString("  ")
		if c.changed[i] {
			b.WriteString(changedStyle.Render(value))
		} else {
			b.WriteString(nameStyle.Render(value))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if c.state == stateEdit {
		b.WriteString(c.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter pin • esc cancel"))
		return b.String()
	}

	switch {
	case c.busy:
		b.WriteString("running...\n")
	case c.err != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", c.err)))
		b.WriteString("\n")
	case c.status != "":
		b.WriteString(c.status)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ select • enter pin • e eval • t tick • q quit"))
	return b.String()
}

func runInteractive(ctx context.Context, sim *runtime.Model, dump func(uint64) error) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.Configuration(errors.KindInvalidInput, "interactive mode needs a terminal")
	}
	c, err := newConsole(ctx, sim, dump)
	if err != nil {
		return err
	}
	p := tea.NewProgram(c, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	return err
}

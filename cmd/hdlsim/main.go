// Command hdlsim builds and drives HDL models described by a project file.
//
//	hdlsim [-config hdlsim.hcl] build [-model name]
//	hdlsim [-config hdlsim.hcl] ports [-model name]
//	hdlsim [-config hdlsim.hcl] run [-model name] [-set port=value]... [-ticks n] [-trace out.vcd] [-i]
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/wippyai/hdlsim/artifact"
	"github.com/wippyai/hdlsim/build"
	"github.com/wippyai/hdlsim/config"
	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
	"github.com/wippyai/hdlsim/runtime"
)

const usage = `Usage: hdlsim [-config file] <command> [flags]

Commands:
  build   build the artifacts of every (or one) model
  ports   list the ports a model exposes
  run     pin inputs, evaluate or tick, print every port
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	if err := a.run(ctx, os.Args[1:]); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	var he *errors.Error
	if stderrors.As(err, &he) && he.Diagnostics != "" {
		fmt.Fprintf(w, "\n%s\n", he.Diagnostics)
	}
}

// app holds what the commands write to. toolchain, when set, replaces the
// project's toolchain block.
type app struct {
	stdout    io.Writer
	stderr    io.Writer
	toolchain build.Toolchain
	config    string
}

func (a *app) run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("hdlsim", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.StringVar(&a.config, "config", "hdlsim.hcl", "project file")
	fs.Usage = func() {
		fmt.Fprint(a.stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.Configuration(errors.KindInvalidInput, "no command given")
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "build":
		return a.build(ctx, rest)
	case "ports":
		return a.ports(ctx, rest)
	case "run":
		return a.simulate(ctx, rest)
	}
	fs.Usage()
	return errors.Configuration(errors.KindInvalidInput, "unknown command %q", cmd)
}

// open loads the project and creates a runtime for it. The caller closes
// the runtime.
func (a *app) open(ctx context.Context) (*config.Project, *runtime.Runtime, error) {
	p, err := config.Load(a.config)
	if err != nil {
		return nil, nil, err
	}
	logger, err := p.Logger()
	if err != nil {
		return nil, nil, err
	}

	opts, err := p.RuntimeOptions(ctx)
	if err != nil {
		return nil, nil, err
	}
	if a.toolchain != nil {
		opts.Toolchain = a.toolchain
	}
	opts.Logger = logger
	artifact.SetLogger(logger)
	opts.Status = a.stderr
	opts.Stdout = a.stdout
	opts.Stderr = a.stderr

	rt, err := runtime.New(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return p, rt, nil
}

// selectModels returns the named model, or all of them when name is empty
// and all is set, or the only one.
func selectModels(p *config.Project, name string, all bool) ([]*config.Model, error) {
	if name != "" {
		m, ok := p.Model(name)
		if !ok {
			return nil, errors.New(errors.ClassConfiguration, errors.KindNotFound).
				Module(name).
				Detail("project declares no such model").
				Build()
		}
		return []*config.Model{m}, nil
	}
	if all || len(p.Models) == 1 {
		if len(p.Models) == 0 {
			return nil, errors.Configuration(errors.KindNotFound, "project declares no models")
		}
		return p.Models, nil
	}
	names := make([]string, len(p.Models))
	for i, m := range p.Models {
		names[i] = m.Name
	}
	return nil, errors.Configuration(errors.KindInvalidInput, "choose a model with -model (%s)", strings.Join(names, ", "))
}

// source picks the model's file: its own, else the runtime's only source.
func source(m *config.Model, rt *runtime.Runtime) string {
	if m.Source != "" {
		return m.Source
	}
	if srcs := rt.Sources(); len(srcs) == 1 {
		return srcs[0]
	}
	return ""
}

func (a *app) build(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	model := fs.String("model", "", "model to build (default all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	models, err := selectModels(p, *model, true)
	if err != nil {
		return err
	}
	for _, m := range models {
		specs, err := m.Specs()
		if err != nil {
			return err
		}
		b, err := rt.Build(ctx, m.Name, source(m, rt), specs)
		if err != nil {
			return err
		}
		state := "cached"
		if b.Rebuilt {
			state = "built"
		}
		fmt.Fprintf(a.stdout, "%s\t%s\t%s\n", m.Name, state, b.Path)
	}
	return nil
}

func (a *app) ports(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ports", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	model := fs.String("model", "", "model to inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	models, err := selectModels(p, *model, false)
	if err != nil {
		return err
	}
	m := models[0]
	specs, err := m.Specs()
	if err != nil {
		return err
	}
	sim, err := rt.CreateDynamic(ctx, m.Name, source(m, rt), specs, nil)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, portTable(sim.Ports(), nil))
	return nil
}

// portTable renders descriptors, with current values when values is set.
func portTable(ports []port.Descriptor, values []port.Value) string {
	headers := []string{"PORT", "DIR", "RANGE", "CLASS", "OFFSET"}
	if values != nil {
		headers = append(headers, "VALUE")
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...)
	for i, d := range ports {
		row := []string{
			d.Name,
			d.Direction.String(),
			fmt.Sprintf("[%d:%d]", d.MSB, d.LSB),
			d.Class().String(),
			fmt.Sprintf("%d", d.Offset),
		}
		if d.Signed {
			row[2] += " signed"
		}
		if values != nil {
			row = append(row, formatValue(values[i]))
		}
		t.Row(row...)
	}
	return t.Render()
}

func (a *app) simulate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var sets assignments
	model := fs.String("model", "", "model to run")
	fs.Var(&sets, "set", "pin a port before evaluating, name=value (repeatable)")
	ticks := fs.Int("ticks", 0, "clock cycles to run instead of a single Eval")
	trace := fs.String("trace", "", "write a VCD trace to this file")
	interactive := fs.Bool("i", false, "interactive port console")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	models, err := selectModels(p, *model, false)
	if err != nil {
		return err
	}
	m := models[0]
	specs, err := m.Specs()
	if err != nil {
		return err
	}
	cfg := m.Config()
	cfg.EnableTracing = cfg.EnableTracing || *trace != ""
	sim, err := rt.CreateDynamic(ctx, m.Name, source(m, rt), specs, cfg)
	if err != nil {
		return err
	}

	for _, s := range sets {
		v, err := parseValue(s.value)
		if err != nil {
			return err
		}
		if err := sim.Pin(s.port, v); err != nil {
			return err
		}
	}

	var dump func(uint64) error
	if *trace != "" {
		tr, err := sim.OpenTrace(*trace)
		if err != nil {
			return err
		}
		dump = tr.Dump
	}

	if *interactive {
		return runInteractive(ctx, sim, dump)
	}

	if *ticks > 0 {
		for i := 0; i < *ticks; i++ {
			if err := sim.Tick(ctx); err != nil {
				return err
			}
			if dump != nil {
				if err := dump(uint64(i)); err != nil {
					return err
				}
			}
		}
	} else {
		if err := sim.Eval(ctx); err != nil {
			return err
		}
		if dump != nil {
			if err := dump(0); err != nil {
				return err
			}
		}
	}

	values, err := readAll(sim)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, portTable(sim.Ports(), values))
	return nil
}

func readAll(sim *runtime.Model) ([]port.Value, error) {
	ports := sim.Ports()
	values := make([]port.Value, len(ports))
	for i, d := range ports {
		v, err := sim.Read(d.Name)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

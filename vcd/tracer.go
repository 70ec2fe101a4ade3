package vcd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
)

// State is the lifecycle position of a Tracer.
type State int

const (
	Unopened State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Source is the model a tracer samples.
type Source interface {
	Module() string
	Ports() []port.Descriptor
	Read(name string) (port.Value, error)
}

// Options configures a Tracer.
type Options struct {
	// Timescale is written to the header. Defaults to "1ps".
	Timescale string
	// Version is written to the header when set.
	Version string
}

// Tracer records port value changes of one model to a VCD file. A tracer
// is opened once; after Close every operation fails.
type Tracer struct {
	src       Source
	ports     []port.Descriptor
	ids       []string
	last      []port.Value
	f         *os.File
	w         *bufio.Writer
	path      string
	base      string
	timescale string
	version   string
	lastTime  uint64
	lastDump  uint64
	next      int
	state     State
	mu        sync.Mutex
	dumped    bool
	timeOut   bool
}

// New creates an unopened tracer for src.
func New(src Source, opts Options) *Tracer {
	if opts.Timescale == "" {
		opts.Timescale = "1ps"
	}
	ports := src.Ports()
	ids := make([]string, len(ports))
	for i := range ports {
		ids[i] = Identifier(i)
	}
	return &Tracer{
		src:       src,
		ports:     ports,
		ids:       ids,
		timescale: opts.Timescale,
		version:   opts.Version,
	}
}

func (t *Tracer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Path is the file currently written, empty before Open.
func (t *Tracer) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// Open creates path and writes the header. A tracer can be opened only
// once, even after it was closed.
func (t *Tracer) Open(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Unopened {
		return errors.New(errors.ClassMisuse, errors.KindReopen).
			Module(t.src.Module()).
			Detail("trace already %s; a tracer can be opened only once", t.state).
			Build()
	}
	if err := t.create(path); err != nil {
		return err
	}
	t.base = path
	t.writeHeader()
	t.state = Open
	return nil
}

func (t *Tracer) create(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(errors.ClassConfiguration, errors.KindIO, err, "create trace directory")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(errors.ClassConfiguration, errors.KindIO, err, "create trace file")
	}
	t.f = f
	t.w = bufio.NewWriter(f)
	t.path = path
	return nil
}

func (t *Tracer) writeHeader() {
	if t.version != "" {
		fmt.Fprintf(t.w, "$version %s $end\n", t.version)
	}
	fmt.Fprintf(t.w, "$timescale %s $end\n", t.timescale)
	fmt.Fprintf(t.w, "$scope module %s $end\n", t.src.Module())
	for i, p := range t.ports {
		kind := "wire"
		if p.Direction != port.Output {
			kind = "reg"
		}
		fmt.Fprintf(t.w, "$var %s %d %s %s", kind, p.Width(), t.ids[i], p.Name)
		if p.Width() > 1 {
			fmt.Fprintf(t.w, " [%d:%d]", p.MSB, p.LSB)
		}
		t.w.WriteString(" $end\n")
	}
	t.w.WriteString("$upscope $end\n$enddefinitions $end\n")
}

func (t *Tracer) usable(op string) error {
	switch t.state {
	case Open:
		return nil
	case Closed:
		return errors.New(errors.ClassMisuse, errors.KindClosed).
			Module(t.src.Module()).
			Detail("%s on a closed trace", op).
			Build()
	default:
		return errors.New(errors.ClassMisuse, errors.KindInvalidState).
			Module(t.src.Module()).
			Detail("%s before the trace was opened", op).
			Build()
	}
}

// Dump samples every port and records the values that changed since the
// previous dump at timestamp. The first dump records every value.
// Timestamps may repeat but not decrease.
func (t *Tracer) Dump(timestamp uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usable("dump"); err != nil {
		return err
	}
	if t.last != nil && timestamp < t.lastDump {
		return errors.New(errors.ClassMisuse, errors.KindInvalidInput).
			Module(t.src.Module()).
			Value(timestamp).
			Detail("timestamp %d is before the previous dump at %d", timestamp, t.lastDump).
			Build()
	}

	values := make([]port.Value, len(t.ports))
	for i, p := range t.ports {
		v, err := t.src.Read(p.Name)
		if err != nil {
			return err
		}
		values[i] = v
	}

	if !t.dumped {
		t.writeTime(timestamp)
		t.w.WriteString("$dumpvars\n")
		for i, v := range values {
			t.writeValue(i, v)
		}
		t.w.WriteString("$end\n")
	} else {
		for i, v := range values {
			if v.Equal(t.last[i]) {
				continue
			}
			t.writeTime(timestamp)
			t.writeValue(i, v)
		}
	}

	t.last = values
	t.lastDump = timestamp
	t.dumped = true
	return nil
}

// writeTime emits a timestamp line once per distinct timestamp.
func (t *Tracer) writeTime(ts uint64) {
	if t.timeOut && ts == t.lastTime {
		return
	}
	fmt.Fprintf(t.w, "#%d\n", ts)
	t.lastTime = ts
	t.timeOut = true
}

func (t *Tracer) writeValue(i int, v port.Value) {
	if t.ports[i].Width() == 1 {
		if v.Bit(0) {
			t.w.WriteByte('1')
		} else {
			t.w.WriteByte('0')
		}
		t.w.WriteString(t.ids[i])
		t.w.WriteByte('\n')
		return
	}
	fmt.Fprintf(t.w, "b%s %s\n", v.BinaryString(), t.ids[i])
}

// Flush writes buffered changes to the file.
func (t *Tracer) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable("flush"); err != nil {
		return err
	}
	return t.flush()
}

func (t *Tracer) flush() error {
	if err := t.w.Flush(); err != nil {
		return errors.Wrap(errors.ClassConfiguration, errors.KindIO, err, "write trace")
	}
	return nil
}

// OpenNext continues the trace in a new file. Only the first file has a
// header, so the files can be concatenated. With increment set the new file
// is named after the original with a _catNNN suffix; otherwise the current
// file is truncated and reused.
func (t *Tracer) OpenNext(increment bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable("rotate"); err != nil {
		return err
	}
	if err := t.closeFile(); err != nil {
		return err
	}

	path := t.path
	if increment {
		t.next++
		path = NextPath(t.base, t.next)
	}
	if err := t.create(path); err != nil {
		t.state = Closed
		return err
	}
	// values are repeated in full in the new file
	t.dumped = false
	t.timeOut = false
	return nil
}

// NextPath names the n-th continuation file of path.
func NextPath(path string, n int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s_cat%03d%s", strings.TrimSuffix(path, ext), n, ext)
}

// Close flushes and closes the file. The tracer cannot be used or reopened
// afterwards.
func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable("close"); err != nil {
		return err
	}
	t.state = Closed
	return t.closeFile()
}

func (t *Tracer) closeFile() error {
	err := t.flush()
	if cerr := t.f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(errors.ClassConfiguration, errors.KindIO, cerr, "close trace")
	}
	return err
}

// Identifier returns the VCD identifier code for the i-th signal, using
// the printable ASCII range.
func Identifier(i int) string {
	const first, n = '!', '~' - '!' + 1
	var b []byte
	for {
		b = append(b, byte(first+i%n))
		i /= n
		if i == 0 {
			break
		}
		i--
	}
	return string(b)
}

package vcd_test

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
	"github.com/wippyai/hdlsim/vcd"
)

type source struct {
	ports  []port.Descriptor
	values map[string]port.Value
}

func newSource() *source {
	s := &source{
		ports: []port.Descriptor{
			{Spec: port.Spec{Name: "clk", Direction: port.Input}},
			{Spec: port.Spec{Name: "count", MSB: 7, Direction: port.Output}, Offset: 4},
		},
		values: map[string]port.Value{},
	}
	s.set("clk", 0)
	s.set("count", 0)
	return s
}

func (s *source) set(name string, v uint64) {
	for _, p := range s.ports {
		if p.Name == name {
			s.values[name] = port.FromUint64(v, p.Width(), p.Signed)
		}
	}
}

func (s *source) Module() string           { return "counter" }
func (s *source) Ports() []port.Descriptor { return s.ports }
func (s *source) Read(name string) (port.Value, error) {
	v, ok := s.values[name]
	if !ok {
		return port.Value{}, errors.UnknownPort("counter", name)
	}
	return v, nil
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func wantMisuse(t *testing.T, err error, kind errors.Kind) {
	t.Helper()
	var he *errors.Error
	if !stderrors.As(err, &he) || he.Class != errors.ClassMisuse || he.Kind != kind {
		t.Errorf("error = %v, want misuse/%s", err, kind)
	}
}

func TestTrace(t *testing.T) {
	src := newSource()
	path := filepath.Join(t.TempDir(), "waves", "out.vcd")
	tr := vcd.New(src, vcd.Options{})

	if err := tr.Open(path); err != nil {
		t.Fatal(err)
	}
	if err := tr.Dump(0); err != nil {
		t.Fatal(err)
	}
	src.set("clk", 1)
	src.set("count", 1)
	if err := tr.Dump(5); err != nil {
		t.Fatal(err)
	}
	// nothing changed
	if err := tr.Dump(7); err != nil {
		t.Fatal(err)
	}
	src.set("clk", 0)
	if err := tr.Dump(10); err != nil {
		t.Fatal(err)
	}
	src.set("count", 6)
	if err := tr.Dump(10); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	want := strings.Join([]string{
		"$timescale 1ps $end",
		"$scope module counter $end",
		"$var reg 1 ! clk $end",
		`$var wire 8 " count [7:0] $end`,
		"$upscope $end",
		"$enddefinitions $end",
		"#0",
		"$dumpvars",
		"0!",
		`b0 "`,
		"$end",
		"#5",
		"1!",
		`b1 "`,
		"#10",
		"0!",
		`b110 "`,
		"",
	}, "\n")
	if diff := cmp.Diff(want, readFile(t, path)); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestLifecycle(t *testing.T) {
	dir := t.TempDir()
	tr := vcd.New(newSource(), vcd.Options{})

	if tr.State() != vcd.Unopened {
		t.Fatalf("State() = %s", tr.State())
	}
	wantMisuse(t, tr.Dump(0), errors.KindInvalidState)
	wantMisuse(t, tr.Flush(), errors.KindInvalidState)
	wantMisuse(t, tr.Close(), errors.KindInvalidState)

	if err := tr.Open(filepath.Join(dir, "a.vcd")); err != nil {
		t.Fatal(err)
	}
	wantMisuse(t, tr.Open(filepath.Join(dir, "b.vcd")), errors.KindReopen)

	if err := tr.Dump(3); err != nil {
		t.Fatal(err)
	}
	wantMisuse(t, tr.Dump(2), errors.KindInvalidInput)
	// nothing changes at 10, so no timestamp is written, but 10 still bounds
	// later dumps
	if err := tr.Dump(10); err != nil {
		t.Fatal(err)
	}
	wantMisuse(t, tr.Dump(5), errors.KindInvalidInput)
	if err := tr.Dump(10); err != nil {
		t.Fatal(err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if tr.State() != vcd.Closed {
		t.Fatalf("State() = %s", tr.State())
	}
	wantMisuse(t, tr.Dump(4), errors.KindClosed)
	wantMisuse(t, tr.Close(), errors.KindClosed)
	wantMisuse(t, tr.OpenNext(true), errors.KindClosed)
	wantMisuse(t, tr.Open(filepath.Join(dir, "c.vcd")), errors.KindReopen)

	if _, err := os.Stat(filepath.Join(dir, "b.vcd")); !os.IsNotExist(err) {
		t.Error("failed reopen should not create a file")
	}
}

func TestCloseFlushes(t *testing.T) {
	src := newSource()
	path := filepath.Join(t.TempDir(), "out.vcd")
	tr := vcd.New(src, vcd.Options{})
	if err := tr.Open(path); err != nil {
		t.Fatal(err)
	}
	for i := uint64(0); i < 200; i++ {
		src.set("count", i%256)
		src.set("clk", i%2)
		if err := tr.Dump(i); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	text := readFile(t, path)
	if !strings.HasSuffix(text, "#199\n1!\nb11000111 \"\n") {
		tail := text
		if len(tail) > 40 {
			tail = tail[len(tail)-40:]
		}
		t.Errorf("trace does not end with the last dump: %q", tail)
	}
}

func TestOpenNext(t *testing.T) {
	src := newSource()
	path := filepath.Join(t.TempDir(), "out.vcd")
	tr := vcd.New(src, vcd.Options{Timescale: "1ns", Version: "hdlsim"})
	if err := tr.Open(path); err != nil {
		t.Fatal(err)
	}
	if err := tr.Dump(0); err != nil {
		t.Fatal(err)
	}
	if err := tr.OpenNext(true); err != nil {
		t.Fatal(err)
	}
	if got, want := tr.Path(), vcd.NextPath(path, 1); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
	src.set("count", 2)
	if err := tr.Dump(1); err != nil {
		t.Fatal(err)
	}
	if err := tr.OpenNext(true); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	first := readFile(t, path)
	if !strings.HasPrefix(first, "$version hdlsim $end\n$timescale 1ns $end\n") {
		t.Errorf("first file header = %q", first)
	}
	second := readFile(t, vcd.NextPath(path, 1))
	if diff := cmp.Diff("#1\n$dumpvars\n0!\nb10 \"\n$end\n", second); diff != "" {
		t.Errorf("continuation mismatch (-want +got):\n%s", diff)
	}
	if third := readFile(t, vcd.NextPath(path, 2)); third != "" {
		t.Errorf("third file = %q, want empty", third)
	}
}

func TestNextPath(t *testing.T) {
	tests := []struct {
		path string
		n    int
		want string
	}{
		{"out.vcd", 1, "out_cat001.vcd"},
		{"/tmp/run/trace.vcd", 12, "/tmp/run/trace_cat012.vcd"},
		{"trace", 3, "trace_cat003"},
	}
	for _, tt := range tests {
		if got := vcd.NextPath(tt.path, tt.n); got != tt.want {
			t.Errorf("NextPath(%q, %d) = %q, want %q", tt.path, tt.n, got, tt.want)
		}
	}
}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		i    int
		want string
	}{
		{0, "!"},
		{1, `"`},
		{93, "~"},
		{94, "!!"},
		{95, `"!`},
		{94 + 94*94, "!!!"},
	}
	seen := map[string]bool{}
	for _, tt := range tests {
		if got := vcd.Identifier(tt.i); got != tt.want {
			t.Errorf("Identifier(%d) = %q, want %q", tt.i, got, tt.want)
		}
	}
	for i := 0; i < 20000; i++ {
		id := vcd.Identifier(i)
		if seen[id] {
			t.Fatalf("Identifier(%d) = %q repeats", i, id)
		}
		seen[id] = true
	}
}

package main

import (
	"math/big"
	"strings"

	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
)

// parseValue reads a port value typed by a user: true/false, a Go integer
// literal (7, -3, 0xff, 0b1010, 1_000) or a Verilog literal (8'hff, 4'b1010,
// 'd12).
func parseValue(s string) (any, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	if _, lit, ok := strings.Cut(s, "'"); ok {
		lit = strings.TrimPrefix(strings.ToLower(lit), "s")
		if lit == "" {
			return nil, badValue(s)
		}
		base := 0
		switch lit[0] {
		case 'h':
			base = 16
		case 'd':
			base = 10
		case 'o':
			base = 8
		case 'b':
			base = 2
		default:
			return nil, badValue(s)
		}
		n, ok := new(big.Int).SetString(strings.ReplaceAll(lit[1:], "_", ""), base)
		if !ok {
			return nil, badValue(s)
		}
		return n, nil
	}

	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, badValue(s)
	}
	return n, nil
}

func badValue(s string) error {
	return errors.New(errors.ClassPort, errors.KindInvalidInput).
		Value(s).
		Detail("cannot parse %q as a port value", s).
		Build()
}

// formatValue renders v as a Verilog literal followed by its decimal value.
func formatValue(v port.Value) string {
	return v.String() + " (" + v.Big().String() + ")"
}

// assignments collects repeated -set name=value flags. Values are parsed
// when pinned so that errors keep their port context.
type assignments []assignment

type assignment struct {
	port  string
	value string
}

func (a *assignments) String() string {
	names := make([]string, len(*a))
	for i, as := range *a {
		names[i] = as.port
	}
	return strings.Join(names, ",")
}

func (a *assignments) Set(s string) error {
	name, raw, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return errors.Configuration(errors.KindInvalidInput, "expected name=value, got %q", s)
	}
	*a = append(*a, assignment{port: strings.TrimSpace(name), value: raw})
	return nil
}

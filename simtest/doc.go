// Package simtest provides an in-process toolchain producing small wasm
// artifacts, so the build, load and evaluate paths can be tested without an
// HDL compiler installed.
//
// A Design names a top module, lists its ports and describes its behavior
// as a sequence of operations run on every evaluation:
//
//	passthrough := &simtest.Design{
//	    Module: "main",
//	    Ports: []port.Spec{
//	        {Name: "a", MSB: 31, Direction: port.Input},
//	        {Name: "b", MSB: 31, Direction: port.Output},
//	    },
//	    Ops: []simtest.Op{&simtest.Forward{From: "a", To: "b"}},
//	}
//	tc := simtest.New(passthrough)
//
// Generated artifacts follow the same ABI as real ones: they export the
// model entry points, carry a manifest section and import DPI functions
// from module "dpi".
package simtest

// Package runtime is the entry point for simulating HDL designs from Go.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx, runtime.Options{
//	    BuildDir:  "artifacts",
//	    Sources:   []string{"src/main.sv"},
//	    Toolchain: build.NewCommandToolchain("verilate-wasm"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	m, err := rt.CreateDynamic(ctx, "main", "src/main.sv", []port.Spec{
//	    {Name: "a", MSB: 31, Direction: port.Input},
//	    {Name: "b", MSB: 31, Direction: port.Output},
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	m.Pin("a", uint32(7))
//	m.Eval(ctx)
//	b, _ := m.Read("b")
//
// # Models
//
// The first model created for a top module builds (or finds in the build
// directory) an artifact and loads it. Every later model of that module
// shares the artifact, so it can only use the ports the first construction
// asked for; anything else is a misuse error. A module name is bound to one
// source file per runtime.
//
// Dynamic models resolve port offsets through the artifact at run time.
// Static models take them from the artifact manifest, either through an
// explicit Binding or through a struct embedding Top:
//
//	type Main struct {
//	    runtime.Top `hdlsim:"main"`
//	    A uint32    `hdlsim:"in"`
//	    B uint32    `hdlsim:"out"`
//	}
//
//	var top Main
//	if err := rt.Bind(ctx, &top, nil); err != nil { ... }
//	top.A = 1
//	top.Eval(ctx) // top.B now holds the output
//
// # Ownership
//
// The runtime owns every artifact and model. Model.Release only
// invalidates a handle; model state is freed by Runtime.Close, after which
// every model and trace fails with a misuse error.
//
// # DPI
//
// Host functions are registered through Options.DPI before anything is
// built. Their signatures are part of the build fingerprint and are checked
// against the design's imports before an artifact is published. A DPI
// function must not call back into the runtime: building, loading and
// evaluating from inside one fail with a reentrancy error.
//
// # Tracing
//
// With ModelConfig.EnableTracing set, Model.OpenTrace starts a VCD trace of
// the model's ports. Tick never dumps on its own; call Dump on the tracer.
package runtime

// Package hdlsim drives hardware-description-language models from Go as if they
// were in-process objects: assign values to named ports, evaluate, read results,
// and let the simulated design call back into Go functions.
//
// HDL sources are compiled by an external toolchain into a WebAssembly
// simulation artifact. The artifact is loaded into the calling process with
// wazero, its entry points are resolved and validated, and each model instance
// is exposed through an ownership-checked handle.
//
// # Architecture Overview
//
//	hdlsim/              Root package with the Memory interface used by the port layer
//	├── runtime/         Runtime, model registry, static and dynamic models
//	├── build/           Build orchestrator, toolchain contract, status output
//	├── cache/           Content-addressed artifact cache
//	├── fingerprint/     Source set hashing
//	├── artifact/        Artifact manifest and in-process loader
//	├── dpi/             Host functions callable from the design
//	├── port/            Port descriptors and arbitrary-width values
//	├── vcd/             Value change dump tracer
//	├── frontend/        Spade and Veryl front ends
//	├── config/          HCL project configuration
//	├── simtest/         Fixture toolchain producing small designs for tests
//	├── cmd/hdlsim/      Command-line runner and interactive port console
//	└── errors/          Structured error types
//
// # Quick Start
//
//	rt, err := runtime.New(ctx, runtime.Options{
//	    BuildDir:  "artifacts",
//	    Sources:   []string{"src/main.sv"},
//	    Toolchain: build.NewCommandToolchain("hdlsim-verilate"),
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
//
//	m.Pin("a", uint32(5))
//	m.Eval(ctx)
//	v, _ := m.Read("b")
//
// # Build Cache
//
// Artifacts are keyed by a fingerprint of the source contents, include
// directories, options, requested ports and DPI signatures. Unchanged inputs
// never invoke the toolchain twice. Concurrent builds from several processes
// sharing one build directory are serialized by a lock file.
//
// # Thread Safety
//
// Runtime is safe for concurrent use. A Model is NOT thread-safe and should be
// driven by a single goroutine. Distinct models may be driven concurrently.
//
// # Ownership
//
// The Runtime owns every loaded artifact and model. Model handles never free
// shared state; everything is released by Runtime.Close, after which any use
// of a handle fails with a misuse error.
package hdlsim

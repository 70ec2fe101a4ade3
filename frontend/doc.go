// Package frontend turns projects written in HDLs that compile to
// SystemVerilog into runtime options.
//
// A front end locates its project file by walking up from a directory,
// optionally runs the language's build command, and collects the Verilog
// it produced:
//
//	p, err := frontend.Spade(ctx, ".", frontend.Options{Build: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rt, err := runtime.New(ctx, p.Options(build.NewCommandToolchain("verilate-wasm")))
//
// Spade projects are described by swim.toml; the generated build/spade.sv
// is always the first source, followed by the files matched by the
// [verilog] sources globs. Veryl projects are described by Veryl.toml and
// contribute every .sv file under src/.
//
// The build commands are not safe to run concurrently on one project.
package frontend

// Package build turns HDL sources into published wasm artifacts.
//
// An Orchestrator fingerprints a Request, looks the fingerprint up in the
// artifact cache and, on a miss, compiles under the build directory lock:
//
//	fingerprint -> cache lookup -> lock -> re-check -> compile -> link -> publish -> unlock
//
// The re-check after acquiring the lock lets a process that waited on a
// competitor reuse its artifact instead of compiling again. A failed compile
// or link publishes nothing, and the lock is released on every path.
//
// # Toolchains
//
// Toolchain is the compiler boundary. CommandToolchain runs an external
// driver (typically a script wrapping Verilator and a wasm C++ compiler);
// package simtest provides an in-process toolchain for tests.
//
// # Status Output
//
// Rebuilds print cargo-style lines to the status writer:
//
//	 Blocking waiting for file lock on build directory /tmp/artifacts
//	Compiling main (2 sources)
//	  Linking main
//	 Finished main in 4.21s
//
// Cache hits print nothing.
package build

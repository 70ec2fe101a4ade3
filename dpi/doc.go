// Package dpi lets a simulated design call Go functions.
//
// A DPI function is an ordinary Go function returning nothing. Value
// parameters are inputs, pointer parameters outputs (or inouts when declared
// so); only integers and bool are allowed:
//
//	three := dpi.MustNew("three", func(out *uint32) {
//	    *out = 3
//	})
//
//	add := dpi.MustNew("add", func(a, b uint8, sum *uint16) {
//	    *sum = uint16(a) + uint16(b)
//	})
//
// A function may take a leading context.Context. It carries a marker that
// makes the runtime refuse reentrant build, load and evaluate calls from
// inside the callback.
//
// Functions are registered on the runtime before any build. Their
// signatures participate in the build fingerprint, are passed to the
// toolchain, and are checked against the design's import declarations when
// the artifact is linked: a disagreement in parameter count, direction or
// width fails the build and no artifact is published.
//
// # Calling Convention
//
// Artifacts import DPI functions from the wasm module "dpi". Inputs of up to
// 32 bits are passed as i32, 33 to 64 bits as i64. Outputs and inouts are
// i32 pointers into linear memory whose pointee uses port storage sizes (1,
// 2, 4 or 8 bytes, little-endian).
package dpi

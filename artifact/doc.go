// Package artifact loads simulation artifacts into a wazero runtime.
//
// An artifact is a WebAssembly core module holding one compiled top-level
// HDL module. Model state lives in the artifact's linear memory; the host
// drives it through a small set of exports:
//
//	memory                      linear memory
//	hdlsim_new() i32            construct a model, return its base address
//	hdlsim_delete(i32)          destroy a model
//	hdlsim_eval(i32)            evaluate a model once
//	hdlsim_port(i32, i32) i32   port offset by name, -1 if not exposed
//	hdlsim_scratch() i32        buffer the host writes port names into
//	_initialize()               optional WASI reactor initializer
//
// The port lookup pair is only required for dynamic models. A custom
// section named hdlsim.manifest carries a msgpack Manifest describing the
// top module, the source it was built from, the exposed ports with their
// storage offsets and the DPI functions the design imports.
//
// # Loaded Artifacts
//
// A Loader keeps one loaded artifact per top module. Loading the same
// module from the same source again returns the existing artifact; loading
// it from a different source is a collision. Loaded artifacts live until
// the loader is closed, and calls into one artifact are serialized.
package artifact

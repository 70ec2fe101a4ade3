// Package port implements the port access layer: port descriptors, width
// classes, arbitrary-width values and their packing into model memory.
//
// # Storage Layout
//
// Port storage follows the Verilator width classes:
//
//	width <= 8     1 byte
//	width <= 16    2 bytes
//	width <= 32    4 bytes
//	width <= 64    8 bytes
//	width >  64    ceil(width/32) 32-bit words
//
// All multi-byte storage is little-endian. Word 0 of a wide port holds bits
// 31..0, word 1 bits 63..32 and so on. Bits above the port width are kept at
// zero on write and ignored on read.
//
// # Values
//
// Value is an immutable bit vector of a fixed width. Convert shapes a Go
// integer, bool or *big.Int for a port, rejecting values that need more bits
// than the port has. Reads zero- or sign-extend according to the port's
// signedness:
//
//	v, err := port.Convert(int8(-1), port.Spec{Name: "a", MSB: 3, Signed: true})
//	v.Int64()  // -1
//	v.Uint64() // 0xf
package port

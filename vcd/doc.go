// Package vcd writes value change dump files for a model's ports.
//
// A Tracer moves through three states: Unopened, Open and Closed. Open is
// allowed once; Dump, Flush, OpenNext and Close need an open trace, and a
// closed trace stays closed. Every port of the source is a signal in a
// single scope named after the module.
package vcd

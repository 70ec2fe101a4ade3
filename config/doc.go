// Package config loads hdlsim project files.
//
// A project file is HCL. Expressions may refer to env.<NAME> for
// environment variables and project_dir for the directory holding the
// file; relative paths are resolved against project_dir.
//
//	build_dir        = "artifacts"
//	sources          = ["rtl/main.sv", "rtl/alu.sv"]
//	include_dirs     = ["rtl/include"]
//	opt_level        = 2
//	ignored_warnings = ["WIDTH"]
//
//	toolchain {
//	  command = "${env.HOME}/bin/verilate-wasm"
//	  version = "5.030"
//	}
//
//	log {
//	  level  = "debug"
//	  format = "json"
//	}
//
//	model "main" {
//	  source = "rtl/main.sv"
//	  clock  = "clk"
//	  trace  = true
//
//	  port "clk" { direction = "in" }
//	  port "a"   { direction = "in"  msb = 31 }
//	  port "b"   { direction = "out" msb = 31 }
//	}
//
// A spade or veryl block takes the sources from a front-end project
// instead; explicit sources are added after the generated ones.
package config

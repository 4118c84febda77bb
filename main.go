// Package main provides the entry point for spurt.
// spurt generates SPU instruction streams and runs them on an emulated
// Cell SPU executor.
//
// For the full CLI, use: go run ./cmd/spurt
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("spurt - SPU runtime code generator")
	fmt.Println("")
	fmt.Println("Usage: spurt [options] [int|params|parallel|debug]")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -config         Path to processor configuration (JSON or YAML)")
	fmt.Println("  -timing         Attach the SPU timing model")
	fmt.Println("  -timing-config  Path to timing configuration")
	fmt.Println("  -schedule       Enable dual-pipeline scheduling")
	fmt.Println("  -instances      Instances for parallel kernels")
	fmt.Println("  -debug          Step through the stream")
	fmt.Println("  -elf            Run the text of an SPU ELF file")
	fmt.Println("  -v              Verbose output")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/spurt' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/spurt' instead.")
	}
}

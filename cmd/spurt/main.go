// Package main provides the spurt command line. It builds SPU instruction
// streams (a built-in demo kernel or the text of an SPU ELF file) and runs
// them on the emulated executor, optionally with the timing model or under
// the stepping debugger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"

	"github.com/sarchlab/spurt/emu"
	"github.com/sarchlab/spurt/loader"
	"github.com/sarchlab/spurt/native"
	"github.com/sarchlab/spurt/processor"
	"github.com/sarchlab/spurt/stream"
	"github.com/sarchlab/spurt/timing/core"
	"github.com/sarchlab/spurt/timing/latency"
)

var (
	configPath       = flag.String("config", "", "Path to processor configuration (JSON or YAML)")
	timing           = flag.Bool("timing", false, "Attach the SPU timing model and report cycles")
	timingConfigPath = flag.String("timing-config", "", "Path to timing configuration (JSON or YAML)")
	schedule         = flag.Bool("schedule", false, "Enable dual-pipeline scheduling")
	instances        = flag.Int("instances", 0, "Instances for parallel kernels (0 = kernel default)")
	debug            = flag.Bool("debug", false, "Step through the stream with the debug processor")
	elfPath          = flag.String("elf", "", "Run the text of an SPU ELF file instead of a kernel")
	mode             = flag.String("mode", "int", "Result mode: int, float, void, async")
	maxInstructions  = flag.Uint64("max-instructions", 100_000_000, "Per-context instruction budget (0 = unlimited)")
	verbose          = flag.Bool("v", false, "Verbose output")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: spurt [options] [kernel]\n")
	fmt.Fprintf(os.Stderr, "\nKernels:\n")
	for _, name := range kernelNames() {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", name, kernels[name].describe)
	}
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	log := funcr.New(func(prefix, args string) {
		fmt.Fprintln(os.Stderr, prefix, args)
	}, funcr.Options{Verbosity: verbosity})

	if err := run(context.Background(), log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log logr.Logger) error {
	config := processor.DefaultConfig()
	if *configPath != "" {
		var err error
		if config, err = processor.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid processor config: %w", err)
	}

	emuOpts := []emu.EmulatorOption{
		emu.WithLogger(log.WithName("emu")),
		emu.WithMaxInstructions(*maxInstructions),
	}
	if *timing {
		timingConfig, err := loadTimingConfig()
		if err != nil {
			return err
		}
		emuOpts = append(emuOpts, emu.WithTiming(core.Factory(timingConfig)))
	}
	exec := emu.NewEmulator(emuOpts...)
	defer exec.Close()

	job, err := buildJob()
	if err != nil {
		return err
	}
	defer func() {
		if err := job.code.Base().Release(); err != nil {
			log.Error(err, "failed to release stream")
		}
	}()

	if *verbose {
		printListing(job.code)
	}

	procOpts := []processor.Option{
		processor.WithConfig(config),
		processor.WithLogger(log.WithName("processor")),
	}
	if *debug {
		return runDebug(ctx, exec, job, procOpts)
	}
	return runExecute(ctx, exec, job, procOpts)
}

func loadTimingConfig() (*latency.TimingConfig, error) {
	config := latency.DefaultTimingConfig()
	if *timingConfigPath != "" {
		var err error
		if config, err = latency.LoadConfig(*timingConfigPath); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timing config: %w", err)
	}
	return config, nil
}

// job is a stream ready to run together with how to run it.
type job struct {
	name      string
	code      stream.Code
	params    native.Params
	mode      processor.Mode
	instances int
	want      func(rank, n int) int32
}

func buildJob() (*job, error) {
	opts := []stream.Option{stream.WithScheduling(*schedule)}

	m, err := processor.ParseMode(*mode)
	if err != nil {
		return nil, err
	}

	if *elfPath != "" {
		prog, err := loader.Load(*elfPath)
		if err != nil {
			return nil, err
		}
		s, err := loader.Stream(prog, opts...)
		if err != nil {
			return nil, err
		}
		return &job{name: *elfPath, code: s, mode: m, instances: 1}, nil
	}

	name := "int"
	if flag.NArg() > 0 {
		name = flag.Arg(0)
	}
	k, err := lookupKernel(name)
	if err != nil {
		return nil, err
	}

	code, err := k.build(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build kernel %s: %w", name, err)
	}

	j := &job{name: name, code: code, params: k.paramsOrZero(), mode: m, instances: 1, want: k.want}
	if k.instances > 0 {
		j.instances = k.instances
	}
	if *instances > 0 {
		j.instances = *instances
	}
	return j, nil
}

func printListing(code stream.Code) {
	lines, err := code.Base().Listing()
	if err != nil {
		fmt.Fprintf(os.Stderr, "listing unavailable: %v\n", err)
		return
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}

func runExecute(ctx context.Context, exec *emu.Emulator, j *job, opts []processor.Option) error {
	p := processor.New(exec, opts...)

	result, err := p.Execute(ctx, j.code,
		processor.WithMode(j.mode),
		processor.WithParams(j.params),
		processor.WithInstances(j.instances),
	)
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Printf("%s: empty stream, nothing to run\n", j.name)
		return nil
	}

	results, err := joinAsync(ctx, p, result)
	if err != nil {
		return err
	}

	for rank, r := range results {
		fmt.Printf("%s[%d]: stop=%s", j.name, rank, r.StopCode)
		switch r.Mode {
		case processor.ModeInt:
			fmt.Printf(" result=%d", r.Int)
			if j.want != nil && r.Int != j.want(rank, len(results)) {
				fmt.Printf(" (expected %d)", j.want(rank, len(results)))
			}
		case processor.ModeFloat:
			fmt.Printf(" result=%g", r.Float)
		}

		if stats, err := exec.Stats(r.Handle); err == nil {
			fmt.Printf(" instructions=%d", stats.Instructions)
			if *timing {
				fmt.Printf(" cycles=%d", stats.Cycles)
			}
		}
		fmt.Println()

		if err := exec.Reap(r.Handle); err != nil {
			return err
		}
	}
	return nil
}

// joinAsync flattens result into one entry per instance. Async instances
// are joined so their stop code is known and their context can be reaped.
func joinAsync(ctx context.Context, p *processor.Processor, result *processor.Result) ([]processor.Result, error) {
	results := []processor.Result{*result}
	if len(result.Instances) > 0 {
		results = result.Instances
	}

	for i := range results {
		if results[i].Mode != processor.ModeAsync {
			continue
		}
		code, err := p.Join(ctx, results[i].Handle)
		if err != nil {
			return nil, err
		}
		results[i].StopCode = code
	}
	return results, nil
}

func runDebug(ctx context.Context, exec *emu.Emulator, j *job, opts []processor.Option) error {
	body := j.code.Base().Instructions()

	d := processor.NewDebug(exec, opts...)
	if err := d.Prepare(j.code, j.params); err != nil {
		return err
	}

	if _, err := d.Start(ctx); err != nil {
		return err
	}

	regs, err := d.DumpRegisters(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("initial registers: r3=%d r4=%d r5=%d\n", regs[3], regs[4], regs[5])

	for halted := true; halted; {
		pos := d.Position()
		rf, err := d.Registers()
		if err != nil {
			return err
		}
		fmt.Printf("%4d  %-32s r3=%d\n", pos, body[pos], rf[processor.ReturnRegister][0])

		if _, halted, err = d.Next(ctx); err != nil {
			return err
		}
	}

	fmt.Printf("%s: finished with stop=%s\n", j.name, d.ExitCode())
	return exec.Reap(d.Handle())
}

package main

import (
	"fmt"
	"sort"

	"github.com/sarchlab/spurt/insts"
	"github.com/sarchlab/spurt/native"
	"github.com/sarchlab/spurt/processor"
	"github.com/sarchlab/spurt/stream"
)

// kernel is a built-in demo program.
type kernel struct {
	describe  string
	build     func(opts ...stream.Option) (stream.Code, error)
	params    func() native.Params
	instances int
	want      func(rank, n int) int32
}

var kernels = map[string]kernel{
	"int": {
		describe: "r3 = 6 * 7",
		build:    buildInt,
		want:     func(int, int) int32 { return 42 },
	},
	"params": {
		describe: "r3 = p1 + p2 with p1=30, p2=12",
		build:    buildParams,
		params: func() native.Params {
			var p native.Params
			_ = p.Set(1, 30)
			_ = p.Set(2, 12)
			return p
		},
		want: func(int, int) int32 { return 42 },
	},
	"parallel": {
		describe:  "each rank returns the end of its slice of 1024 bytes",
		build:     buildParallel,
		instances: native.MaxInstances,
		want: func(rank, n int) int32 {
			block, offset := stream.Partition(parallelBytes, n, rank)
			return int32(block + offset)
		},
	},
	"debug": {
		describe: "sum 1..5 in a loop, suited to stepping",
		build:    buildLoop,
		want:     func(int, int) int32 { return 15 },
	},
}

const parallelBytes = 1024

func (k kernel) paramsOrZero() native.Params {
	if k.params == nil {
		return native.Params{}
	}
	return k.params()
}

func kernelNames() []string {
	names := make([]string, 0, len(kernels))
	for name := range kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupKernel(name string) (kernel, error) {
	k, ok := kernels[name]
	if !ok {
		return kernel{}, fmt.Errorf("unknown kernel %q (have %v)", name, kernelNames())
	}
	return k, nil
}

func buildInt(opts ...stream.Option) (stream.Code, error) {
	s := stream.New(opts...)
	r3 := insts.GP(processor.ReturnRegister)
	s.Append(insts.IL(r3, 6))
	s.Append(insts.MPYI(r3, r3, 7))
	return s, nil
}

func buildParams(opts ...stream.Option) (stream.Code, error) {
	s := stream.New(opts...)
	r3 := insts.GP(processor.ReturnRegister)

	p1, err := s.AcquireRegister()
	if err != nil {
		return nil, err
	}
	p2, err := s.AcquireRegister()
	if err != nil {
		return nil, err
	}

	s.Append(insts.SHLQBYI(p1, r3, 4))
	s.Append(insts.SHLQBYI(p2, r3, 8))
	s.Append(insts.A(r3, p1, p2))
	return s, nil
}

func buildParallel(opts ...stream.Option) (stream.Code, error) {
	ps := stream.NewParallel(opts...)
	if err := ps.SetRawDataSize(parallelBytes); err != nil {
		return nil, err
	}

	block, err := ps.BlockSize()
	if err != nil {
		return nil, err
	}
	offset, err := ps.Offset()
	if err != nil {
		return nil, err
	}

	ps.Append(insts.A(insts.GP(processor.ReturnRegister), block, offset))
	return ps, nil
}

func buildLoop(opts ...stream.Option) (stream.Code, error) {
	s := stream.New(opts...)
	r3 := insts.GP(processor.ReturnRegister)

	count, err := s.AcquireRegister()
	if err != nil {
		return nil, err
	}

	loop := insts.NewLabel("loop")
	s.Append(insts.IL(count, 5))
	s.Append(insts.IL(r3, 0))
	s.Append(insts.Mark(loop))
	s.Append(insts.A(r3, r3, count))
	s.Append(insts.AI(count, count, -1))
	s.Append(insts.BranchNotZeroTo(count, loop))
	return s, nil
}

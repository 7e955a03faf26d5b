package stage

import (
	"context"
	"testing"

	"github.com/cbegin/chordrt-go/internal/buffer"
	"github.com/cbegin/chordrt-go/internal/constantpool"
	"github.com/cbegin/chordrt-go/internal/exec"
	"github.com/cbegin/chordrt-go/internal/nativeapi"
	"github.com/cbegin/chordrt-go/internal/program"
	"github.com/google/uuid"
)

func addModule(id uuid.UUID) nativeapi.Module {
	return nativeapi.Module{
		ID: id,
		Signature: nativeapi.Signature{
			Name: "add",
			Parameters: []nativeapi.Parameter{
				{Direction: nativeapi.DirectionIn, Name: "a", Type: nativeapi.DataType{RuntimeMutability: nativeapi.MutabilityVariable, Primitive: uint8(program.PrimitiveFloat)}},
				{Direction: nativeapi.DirectionIn, Name: "b", Type: nativeapi.DataType{RuntimeMutability: nativeapi.MutabilityVariable, Primitive: uint8(program.PrimitiveFloat)}},
				{Direction: nativeapi.DirectionOut, Name: "sum", Type: nativeapi.DataType{RuntimeMutability: nativeapi.MutabilityVariable, Primitive: uint8(program.PrimitiveFloat)}},
			},
			ReturnParameterIndex: -1,
		},
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			a := args.Arguments[0].FloatBuf
			b := args.Arguments[1].FloatBuf
			out := args.Arguments[2].FloatBuf
			for i := range out {
				out[i] = a[i] + b[i]
			}
			return nil
		},
	}
}

func gainModule(id uuid.UUID) nativeapi.Module {
	return nativeapi.Module{
		ID: id,
		Signature: nativeapi.Signature{
			Name: "gain",
			Parameters: []nativeapi.Parameter{
				{Direction: nativeapi.DirectionIn, Name: "amount", Type: nativeapi.DataType{RuntimeMutability: nativeapi.MutabilityConstant, Primitive: uint8(program.PrimitiveFloat)}},
				{Direction: nativeapi.DirectionIn, Name: "in", Type: nativeapi.DataType{RuntimeMutability: nativeapi.MutabilityVariable, Primitive: uint8(program.PrimitiveFloat)}},
				{Direction: nativeapi.DirectionOut, Name: "out", Type: nativeapi.DataType{RuntimeMutability: nativeapi.MutabilityVariable, Primitive: uint8(program.PrimitiveFloat)}},
			},
			ReturnParameterIndex: -1,
		},
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			amount := args.Arguments[0].Float
			in := args.Arguments[1].FloatBuf
			out := args.Arguments[2].FloatBuf
			for i := range out {
				out[i] = in[i] * amount
			}
			return nil
		},
	}
}

type harness struct {
	registry  *nativeapi.Registry
	constants *constantpool.Manager
	buffers   *buffer.Manager
	libID     uuid.UUID
}

func newHarness(t *testing.T, modules ...nativeapi.Module) *harness {
	t.Helper()
	libID := uuid.New()
	registry := nativeapi.NewRegistry(nil)
	registry.RegisterInProcess(func(report nativeapi.ReportFunc, emit func(nativeapi.Library)) {
		emit(nativeapi.Library{ID: libID, Name: "core", Modules: modules})
	})
	if err := registry.InitializeAll(context.Background()); err != nil {
		t.Fatalf("InitializeAll: %v", err)
	}
	return &harness{
		registry:  registry,
		constants: constantpool.NewManager(),
		buffers:   buffer.NewManager(false),
		libID:     libID,
	}
}

func TestStageWiresAddArguments(t *testing.T) {
	moduleID := uuid.New()
	h := newHarness(t, addModule(moduleID))

	b := program.NewGraphBuilder(program.VariantProperties{}, program.InstrumentProperties{})
	b.AddLibDependency(h.libID, 1, 0, 0)
	gi1 := b.AddGraphInput()
	gi2 := b.AddGraphInput()
	outs := b.AddNativeModuleCall(h.libID, moduleID, 1, []program.NodeRef{b.GraphInputOutput(gi1), b.GraphInputOutput(gi2)}, 1)
	goRef := b.AddGraphOutput(outs[0])
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	const n = 4
	in1 := h.buffers.AddBuffer(program.PrimitiveFloat, n, 1)
	in2 := h.buffers.AddBuffer(program.PrimitiveFloat, n, 1)

	st := New(prog, h.registry, h.constants, h.buffers, []program.NodeRef{goRef}, map[program.NodeRef]Value{
		gi1: {Primitive: program.PrimitiveFloat, Handle: in1},
		gi2: {Primitive: program.PrimitiveFloat, Handle: in2},
	}, n, nil)
	if err := st.Build(); err != nil {
		t.Fatalf("stage build: %v", err)
	}

	h.buffers.InitializeBufferConcurrency()
	if err := h.buffers.Allocate(); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	h.buffers.WriteFloat32(in1, []float32{1, 2, 3, 4})
	h.buffers.WriteFloat32(in2, []float32{10, 20, 30, 40})

	pool := exec.NewPool(2, exec.Hooks{})
	defer pool.Close()
	st.Process(pool, n)

	out, ok := st.GraphOutputValue(goRef)
	if !ok {
		t.Fatal("expected graph output value")
	}
	got := h.buffers.ReadFloat32(out.Handle, n)
	want := []float32{11, 22, 33, 44}
	for i, v := range want {
		if got[i] != v {
			t.Fatalf("got[%d] = %v, want %v (full %v)", i, got[i], v, got)
		}
	}
}

func TestStageConstantMutabilityParameterEmbedsLiteral(t *testing.T) {
	moduleID := uuid.New()
	h := newHarness(t, gainModule(moduleID))

	b := program.NewGraphBuilder(program.VariantProperties{}, program.InstrumentProperties{})
	b.AddLibDependency(h.libID, 1, 0, 0)
	gi := b.AddGraphInput()
	amount := b.AddFloatConstant(3)
	outs := b.AddNativeModuleCall(h.libID, moduleID, 1, []program.NodeRef{amount, b.GraphInputOutput(gi)}, 1)
	goRef := b.AddGraphOutput(outs[0])
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	const n = 4
	in := h.buffers.AddBuffer(program.PrimitiveFloat, n, 1)
	st := New(prog, h.registry, h.constants, h.buffers, []program.NodeRef{goRef}, map[program.NodeRef]Value{
		gi: {Primitive: program.PrimitiveFloat, Handle: in},
	}, n, nil)
	if err := st.Build(); err != nil {
		t.Fatalf("stage build: %v", err)
	}
	h.buffers.InitializeBufferConcurrency()
	if err := h.buffers.Allocate(); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	h.buffers.WriteFloat32(in, []float32{1, 1, 1, 1})

	pool := exec.NewPool(1, exec.Hooks{})
	defer pool.Close()
	st.Process(pool, n)

	out, _ := st.GraphOutputValue(goRef)
	got := h.buffers.ReadFloat32(out.Handle, n)
	for _, v := range got {
		if v != 3 {
			t.Fatalf("got %v, want all 3", got)
		}
	}
}

func TestStageDependencyOrderingChainsCalls(t *testing.T) {
	addID := uuid.New()
	gainID := uuid.New()
	h := newHarness(t, addModule(addID), gainModule(gainID))

	b := program.NewGraphBuilder(program.VariantProperties{}, program.InstrumentProperties{})
	b.AddLibDependency(h.libID, 1, 0, 0)
	gi1 := b.AddGraphInput()
	gi2 := b.AddGraphInput()
	sums := b.AddNativeModuleCall(h.libID, addID, 1, []program.NodeRef{b.GraphInputOutput(gi1), b.GraphInputOutput(gi2)}, 1)
	amount := b.AddFloatConstant(2)
	gained := b.AddNativeModuleCall(h.libID, gainID, 1, []program.NodeRef{amount, sums[0]}, 1)
	goRef := b.AddGraphOutput(gained[0])
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	const n = 2
	in1 := h.buffers.AddBuffer(program.PrimitiveFloat, n, 1)
	in2 := h.buffers.AddBuffer(program.PrimitiveFloat, n, 1)
	st := New(prog, h.registry, h.constants, h.buffers, []program.NodeRef{goRef}, map[program.NodeRef]Value{
		gi1: {Primitive: program.PrimitiveFloat, Handle: in1},
		gi2: {Primitive: program.PrimitiveFloat, Handle: in2},
	}, n, nil)
	if err := st.Build(); err != nil {
		t.Fatalf("stage build: %v", err)
	}
	h.buffers.InitializeBufferConcurrency()
	if err := h.buffers.Allocate(); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	h.buffers.WriteFloat32(in1, []float32{1, 2})
	h.buffers.WriteFloat32(in2, []float32{3, 4})

	pool := exec.NewPool(2, exec.Hooks{})
	defer pool.Close()
	st.Process(pool, n)

	out, _ := st.GraphOutputValue(goRef)
	got := h.buffers.ReadFloat32(out.Handle, n)
	want := []float32{8, 12} // (1+3)*2, (2+4)*2
	for i, v := range want {
		if got[i] != v {
			t.Fatalf("got[%d] = %v, want %v (chain did not run producer-before-consumer)", i, got[i], v)
		}
	}
}

func TestRemainActiveNoOutputDefaultsTrue(t *testing.T) {
	h := newHarness(t)
	b := program.NewGraphBuilder(program.VariantProperties{}, program.InstrumentProperties{})
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	st := New(prog, h.registry, h.constants, h.buffers, nil, nil, 4, nil)
	if err := st.Build(); err != nil {
		t.Fatalf("stage build: %v", err)
	}
	if !st.ComputeRemainActive() {
		t.Fatal("expected remain-active true when no remain-active output is declared")
	}
}

func TestRemainActiveConstantBool(t *testing.T) {
	h := newHarness(t)
	b := program.NewGraphBuilder(program.VariantProperties{}, program.InstrumentProperties{})
	c := b.AddBoolConstant(false)
	goRef := b.AddGraphOutput(c)
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	st := New(prog, h.registry, h.constants, h.buffers, []program.NodeRef{goRef}, nil, 4, &goRef)
	if err := st.Build(); err != nil {
		t.Fatalf("stage build: %v", err)
	}
	if st.ComputeRemainActive() {
		t.Fatal("expected remain-active false for constant bool false")
	}
}

func boolBufGenModule(id uuid.UUID, bits []bool) nativeapi.Module {
	return nativeapi.Module{
		ID: id,
		Signature: nativeapi.Signature{
			Name: "boolgen",
			Parameters: []nativeapi.Parameter{
				{Direction: nativeapi.DirectionOut, Name: "out", Type: nativeapi.DataType{RuntimeMutability: nativeapi.MutabilityVariable, Primitive: uint8(program.PrimitiveBool)}},
			},
			ReturnParameterIndex: -1,
		},
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			words := args.Arguments[0].BoolBuf
			for i := range words {
				words[i] = 0
			}
			for i, b := range bits {
				if b {
					words[i/64] |= 1 << uint(i%64)
				}
			}
			args.Arguments[0].BoolBuf = words
			return nil
		},
	}
}

func TestRemainActiveNonConstantBoolBufferAllOnesIsTrue(t *testing.T) {
	moduleID := uuid.New()
	h := newHarness(t, boolBufGenModule(moduleID, []bool{true, true, true}))
	b := program.NewGraphBuilder(program.VariantProperties{}, program.InstrumentProperties{})
	b.AddLibDependency(h.libID, 1, 0, 0)
	outs := b.AddNativeModuleCall(h.libID, moduleID, 1, nil, 1)
	goRef := b.AddGraphOutput(outs[0])
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	const n = 3
	st := New(prog, h.registry, h.constants, h.buffers, []program.NodeRef{goRef}, nil, n, &goRef)
	if err := st.Build(); err != nil {
		t.Fatalf("stage build: %v", err)
	}
	h.buffers.InitializeBufferConcurrency()
	if err := h.buffers.Allocate(); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	pool := exec.NewPool(1, exec.Hooks{})
	defer pool.Close()
	if !st.Process(pool, n) {
		t.Fatal("expected remain-active true: all 3 valid bits set, trailing bits masked off")
	}
}

func TestRemainActiveNonConstantBoolBufferAnyZeroIsFalse(t *testing.T) {
	moduleID := uuid.New()
	h := newHarness(t, boolBufGenModule(moduleID, []bool{true, false, true}))
	b := program.NewGraphBuilder(program.VariantProperties{}, program.InstrumentProperties{})
	b.AddLibDependency(h.libID, 1, 0, 0)
	outs := b.AddNativeModuleCall(h.libID, moduleID, 1, nil, 1)
	goRef := b.AddGraphOutput(outs[0])
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	const n = 3
	st := New(prog, h.registry, h.constants, h.buffers, []program.NodeRef{goRef}, nil, n, &goRef)
	if err := st.Build(); err != nil {
		t.Fatalf("stage build: %v", err)
	}
	h.buffers.InitializeBufferConcurrency()
	if err := h.buffers.Allocate(); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	pool := exec.NewPool(1, exec.Hooks{})
	defer pool.Close()
	if st.Process(pool, n) {
		t.Fatal("expected remain-active false: one valid bit is zero")
	}
}

func TestSetActiveCallsHooksForwardThenReverse(t *testing.T) {
	moduleID1 := uuid.New()
	moduleID2 := uuid.New()
	var order []string
	makeModule := func(id uuid.UUID, name string) nativeapi.Module {
		return nativeapi.Module{
			ID: id,
			Signature: nativeapi.Signature{
				Name:                 name,
				Parameters:           []nativeapi.Parameter{{Direction: nativeapi.DirectionOut, Name: "out", Type: nativeapi.DataType{Primitive: uint8(program.PrimitiveFloat), RuntimeMutability: nativeapi.MutabilityVariable}}},
				ReturnParameterIndex: -1,
			},
			Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error { return nil },
			SetVoiceActive: func(voiceCtx any, active bool) {
				tag := "inactive"
				if active {
					tag = "active"
				}
				order = append(order, name+":"+tag)
			},
		}
	}
	h := newHarness(t, makeModule(moduleID1, "m1"), makeModule(moduleID2, "m2"))
	b := program.NewGraphBuilder(program.VariantProperties{}, program.InstrumentProperties{})
	b.AddLibDependency(h.libID, 1, 0, 0)
	out1 := b.AddNativeModuleCall(h.libID, moduleID1, 1, nil, 1)
	out2 := b.AddNativeModuleCall(h.libID, moduleID2, 1, nil, 1)
	go1 := b.AddGraphOutput(out1[0])
	go2 := b.AddGraphOutput(out2[0])
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	st := New(prog, h.registry, h.constants, h.buffers, []program.NodeRef{go1, go2}, nil, 4, nil)
	if err := st.Build(); err != nil {
		t.Fatalf("stage build: %v", err)
	}

	st.SetActive(true)
	st.SetActive(false)

	want := []string{"m1:active", "m2:active", "m2:inactive", "m1:inactive"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

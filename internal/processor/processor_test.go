package processor

import (
	"context"
	"testing"

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

// buildTwoVoiceProgram wires two voices (each summing its pair of host
// input channels through addModule) into a shared effect stage
// (gainModule, amount=2) whose single output feeds the lone output
// channel.
func buildTwoVoiceProgram(t *testing.T) (*program.Program, uuid.UUID, uuid.UUID, uuid.UUID) {
	t.Helper()
	libID := uuid.New()
	addID := uuid.New()
	gainID := uuid.New()

	b := program.NewGraphBuilder(
		program.VariantProperties{SampleRate: 48000, InputChannelCount: 2, OutputChannelCount: 1},
		program.InstrumentProperties{MaxVoices: 2, EffectActivationMode: program.EffectActivationAlways},
	)
	b.AddLibDependency(libID, 1, 0, 0)

	gi1 := b.AddGraphInput()
	gi2 := b.AddGraphInput()
	sums := b.AddNativeModuleCall(libID, addID, 1, []program.NodeRef{b.GraphInputOutput(gi1), b.GraphInputOutput(gi2)}, 1)
	voiceOut := b.AddGraphOutput(sums[0])
	b.SetVoiceGraphRoots([]program.NodeRef{voiceOut})
	b.SetInputChannelsFloat([]program.NodeRef{gi1, gi2})

	effectIn := b.AddGraphInput()
	amount := b.AddFloatConstant(2)
	gains := b.AddNativeModuleCall(libID, gainID, 1, []program.NodeRef{amount, b.GraphInputOutput(effectIn)}, 1)
	effectOut := b.AddGraphOutput(gains[0])
	b.SetEffectGraphRoots([]program.NodeRef{effectOut})
	b.SetOutputChannels([]program.NodeRef{effectOut})

	b.AddVoiceToEffectChannel(program.PrimitiveFloat, voiceOut, effectIn)

	prog, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return prog, libID, addID, gainID
}

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	prog, libID, addID, gainID := buildTwoVoiceProgram(t)

	registry := nativeapi.NewRegistry(nil)
	registry.RegisterInProcess(func(report nativeapi.ReportFunc, emit func(nativeapi.Library)) {
		emit(nativeapi.Library{ID: libID, Name: "core", Modules: []nativeapi.Module{addModule(addID), gainModule(gainID)}})
	})
	if err := registry.InitializeAll(context.Background()); err != nil {
		t.Fatalf("InitializeAll: %v", err)
	}

	p, err := New(prog, registry, 64, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestProcessorSingleVoiceThroughEffect(t *testing.T) {
	p := newTestProcessor(t)
	pool := exec.NewPool(2, exec.Hooks{})
	defer pool.Close()

	a := []float32{1, 2, 3, 4}
	bIn := []float32{10, 20, 30, 40}
	out := make([]float32, 4)

	p.Process(pool, 4,
		[]ChannelSamples{{F32: a}, {F32: bIn}},
		[]ChannelSamples{{F32: out}},
		[]int{0},
	)

	want := []float32{22, 44, 66, 88}
	for i, w := range want {
		if out[i] != w {
			t.Fatalf("out[%d] = %v, want %v (full out=%v)", i, out[i], w, out)
		}
	}
	if got := p.ActiveVoiceCount(); got != 1 {
		t.Fatalf("ActiveVoiceCount = %d, want 1", got)
	}
}

func TestProcessorNoTriggerProducesSilence(t *testing.T) {
	p := newTestProcessor(t)
	pool := exec.NewPool(2, exec.Hooks{})
	defer pool.Close()

	a := []float32{1, 2, 3, 4}
	bIn := []float32{10, 20, 30, 40}
	out := make([]float32, 4)

	p.Process(pool, 4,
		[]ChannelSamples{{F32: a}, {F32: bIn}},
		[]ChannelSamples{{F32: out}},
		nil,
	)

	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v, want 0 with no active voices", i, v)
		}
	}
	if got := p.ActiveVoiceCount(); got != 0 {
		t.Fatalf("ActiveVoiceCount = %d, want 0", got)
	}
}

func TestProcessorTwoVoicesSumIntoEffect(t *testing.T) {
	p := newTestProcessor(t)
	pool := exec.NewPool(4, exec.Hooks{})
	defer pool.Close()

	a := []float32{1, 1, 1, 1}
	bIn := []float32{1, 1, 1, 1}
	out := make([]float32, 4)

	// Trigger two distinct voices in the same block.
	p.Process(pool, 4,
		[]ChannelSamples{{F32: a}, {F32: bIn}},
		[]ChannelSamples{{F32: out}},
		[]int{0, 0},
	)

	if got := p.ActiveVoiceCount(); got != 2 {
		t.Fatalf("ActiveVoiceCount = %d, want 2", got)
	}
	// Each voice computes a+b=2 at every sample; the accumulator sums
	// both active voices (4) and the effect doubles it (8).
	for i, v := range out {
		if v != 8 {
			t.Fatalf("out[%d] = %v, want 8 (full out=%v)", i, v, out)
		}
	}
}

func TestProcessorOutputChannelPrimitives(t *testing.T) {
	p := newTestProcessor(t)
	prims := p.OutputChannelPrimitives()
	if len(prims) != 1 || prims[0] != program.PrimitiveFloat {
		t.Fatalf("OutputChannelPrimitives = %v, want [Float]", prims)
	}
}

package program

import (
	"testing"

	"github.com/cbegin/chordrt-go/internal/binio"
	"github.com/google/uuid"
)

func buildSampleProgram(t *testing.T) *Program {
	t.Helper()
	variant := VariantProperties{SampleRate: 48000, InputChannelCount: 1, OutputChannelCount: 1}
	instrument := InstrumentProperties{MaxVoices: 8, EffectActivationMode: EffectActivationAlways}

	b := NewGraphBuilder(variant, instrument)
	libID := uuid.New()
	moduleID := uuid.New()
	b.AddLibDependency(libID, 1, 0, 0)

	gi := b.AddGraphInput()
	giOut := b.GraphInputOutput(gi)
	outs := b.AddNativeModuleCall(libID, moduleID, 1, []NodeRef{giOut}, 1)
	go_ := b.AddGraphOutput(outs[0])

	b.SetInputChannelsFloat([]NodeRef{gi})
	b.SetOutputChannels([]NodeRef{go_})

	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return p
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := buildSampleProgram(t)

	data, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Variant != p.Variant {
		t.Fatalf("Variant mismatch: got %+v want %+v", got.Variant, p.Variant)
	}
	if got.Instrument != p.Instrument {
		t.Fatalf("Instrument mismatch: got %+v want %+v", got.Instrument, p.Instrument)
	}
	if len(got.LibDeps) != 1 || got.LibDeps[0].ID != p.LibDeps[0].ID {
		t.Fatalf("LibDeps mismatch: got %+v want %+v", got.LibDeps, p.LibDeps)
	}
	if len(got.Graph.NativeModuleCalls) != 1 {
		t.Fatalf("expected 1 native module call, got %d", len(got.Graph.NativeModuleCalls))
	}
	if got.Graph.NativeModuleCalls[0].LibID != p.Graph.NativeModuleCalls[0].LibID {
		t.Fatalf("native module call libId mismatch")
	}
	if len(got.InputChannelsFloat) != 1 || len(got.OutputChannels) != 1 {
		t.Fatalf("channel table mismatch: in=%d out=%d", len(got.InputChannelsFloat), len(got.OutputChannels))
	}

	data2, err := Encode(got)
	if err != nil {
		t.Fatalf("re-Encode: %v", err)
	}
	if len(data) != len(data2) {
		t.Fatalf("re-encoded length differs: %d vs %d", len(data), len(data2))
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	p := buildSampleProgram(t)
	data, _ := Encode(p)
	data[0] ^= 0xFF
	if _, err := Decode(data); err == nil {
		t.Fatal("expected error for corrupted magic")
	}
}

func TestDecodeRejectsBadHash(t *testing.T) {
	p := buildSampleProgram(t)
	data, _ := Encode(p)
	data[len(Magic)+4] ^= 0xFF // first hash byte
	if _, err := Decode(data); err == nil {
		t.Fatal("expected error for corrupted hash")
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	p := buildSampleProgram(t)
	data, _ := Encode(p)
	truncated := data[:len(data)-4]
	if _, err := Decode(truncated); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestDecodeRejectsInvalidNodeTypeTag(t *testing.T) {
	p := buildSampleProgram(t)
	data, _ := Encode(p)
	// Locate the node-type tag run and corrupt the first tag byte.
	// Payload layout: after the libdep/variant/instrument header comes
	// nodeCount (u32) then one u8 tag per node; the header prefix length
	// is fixed for this fixture (1 libdep, known field widths).
	headerLen := len(Magic) + 4 + 32
	libDepsLen := 4 + (16 + 4 + 4 + 4) // nLibDeps + one entry
	propsLen := 4 + 4 + 4 + 4 + 4 + 8
	nodeCountOff := headerLen + libDepsLen + propsLen
	tagOff := nodeCountOff + 4
	data[tagOff] = 0xEE
	// Re-hash so the payload passes the content-hash check and the tag
	// itself is what Decode rejects.
	hash := binio.ContentHash(data[headerLen:])
	copy(data[len(Magic)+4:], hash[:])
	if _, err := Decode(data); err == nil {
		t.Fatal("expected error for invalid node type tag")
	}
}

func TestDecodeRejectsCycle(t *testing.T) {
	libID := uuid.New()
	p := &Program{
		Variant:    VariantProperties{SampleRate: 48000, InputChannelCount: 0, OutputChannelCount: 0},
		Instrument: InstrumentProperties{MaxVoices: 1},
		LibDeps:    []LibDependency{{ID: libID}},
	}
	g := &p.Graph

	call0 := NodeRef{Type: NodeNativeModuleCall, Index: 0}
	call1 := NodeRef{Type: NodeNativeModuleCall, Index: 1}
	in0 := NodeRef{Type: NodeInput, Index: 0}
	in1 := NodeRef{Type: NodeInput, Index: 1}
	out0 := NodeRef{Type: NodeOutput, Index: 0}
	out1 := NodeRef{Type: NodeOutput, Index: 1}

	g.Inputs = []InputNode{
		{Processor: call0, Upstream: out1},
		{Processor: call1, Upstream: out0},
	}
	g.Outputs = []OutputNode{
		{Processor: call0, Downstreams: []NodeRef{in1}},
		{Processor: call1, Downstreams: []NodeRef{in0}},
	}
	g.NativeModuleCalls = []NativeModuleCallNode{
		{LibID: libID, ModuleID: uuid.New(), Upsample: 1, Inputs: []NodeRef{in0}, Outputs: []NodeRef{out0}},
		{LibID: libID, ModuleID: uuid.New(), Upsample: 1, Inputs: []NodeRef{in1}, Outputs: []NodeRef{out1}},
	}

	data, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(data); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestBuilderRejectsUndeclaredLibrary(t *testing.T) {
	b := NewGraphBuilder(VariantProperties{}, InstrumentProperties{})
	gi := b.AddGraphInput()
	giOut := b.GraphInputOutput(gi)
	b.AddNativeModuleCall(uuid.New(), uuid.New(), 1, []NodeRef{giOut}, 1)
	if _, err := b.Build(); err == nil {
		t.Fatal("expected error for undeclared library dependency")
	}
}

func TestBuilderRejectsDisconnectedInput(t *testing.T) {
	variant := VariantProperties{SampleRate: 48000}
	instrument := InstrumentProperties{MaxVoices: 1}
	b := NewGraphBuilder(variant, instrument)
	g := &b.p.Graph
	g.Inputs = append(g.Inputs, InputNode{Processor: NoRef, Upstream: NoRef})
	if _, err := b.Build(); err == nil {
		t.Fatal("expected error for disconnected input")
	}
}

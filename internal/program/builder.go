package program

import "fmt"

import "github.com/google/uuid"

// GraphBuilder constructs a Program programmatically. It stands in for
// the teacher's MML text compiler: spec.md's Non-goals exclude compiling
// programs ("already done offline"), so there is no text format here —
// only a direct Go constructor, used by tests and cmd/chordbuild to
// produce program binaries without hand-assembling bytes.
type GraphBuilder struct {
	p   *Program
	err error
}

func NewGraphBuilder(variant VariantProperties, instrument InstrumentProperties) *GraphBuilder {
	return &GraphBuilder{p: &Program{Variant: variant, Instrument: instrument}}
}

func (b *GraphBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *GraphBuilder) AddLibDependency(id uuid.UUID, major, minor, patch uint32) {
	b.p.LibDeps = append(b.p.LibDeps, LibDependency{ID: id, Major: major, Minor: minor, Patch: patch})
}

func (b *GraphBuilder) newOutput(owner NodeRef) NodeRef {
	g := &b.p.Graph
	ref := NodeRef{Type: NodeOutput, Index: int32(len(g.Outputs))}
	g.Outputs = append(g.Outputs, OutputNode{Processor: owner})
	return ref
}

// newInput creates an Input node owned by owner, connected to upstream
// (an Output ref), and records the reverse edge on the Output.
func (b *GraphBuilder) newInput(owner NodeRef, upstream NodeRef) NodeRef {
	g := &b.p.Graph
	if upstream.Type != NodeOutput {
		b.fail(fmt.Errorf("program: builder upstream ref must be an Output"))
		return NodeRef{}
	}
	ref := NodeRef{Type: NodeInput, Index: int32(len(g.Inputs))}
	g.Inputs = append(g.Inputs, InputNode{Processor: owner, Upstream: upstream})
	out := &g.Outputs[upstream.Index]
	out.Downstreams = append(out.Downstreams, ref)
	return ref
}

func (b *GraphBuilder) AddFloatConstant(v float32) NodeRef {
	g := &b.p.Graph
	self := NodeRef{Type: NodeFloatConstant, Index: int32(len(g.FloatConstants))}
	out := b.newOutput(self)
	g.FloatConstants = append(g.FloatConstants, FloatConstantNode{Value: v, Out: out})
	return out
}

func (b *GraphBuilder) AddDoubleConstant(v float64) NodeRef {
	g := &b.p.Graph
	self := NodeRef{Type: NodeDoubleConstant, Index: int32(len(g.DoubleConstants))}
	out := b.newOutput(self)
	g.DoubleConstants = append(g.DoubleConstants, DoubleConstantNode{Value: v, Out: out})
	return out
}

func (b *GraphBuilder) AddIntConstant(v int32) NodeRef {
	g := &b.p.Graph
	self := NodeRef{Type: NodeIntConstant, Index: int32(len(g.IntConstants))}
	out := b.newOutput(self)
	g.IntConstants = append(g.IntConstants, IntConstantNode{Value: v, Out: out})
	return out
}

func (b *GraphBuilder) AddBoolConstant(v bool) NodeRef {
	g := &b.p.Graph
	self := NodeRef{Type: NodeBoolConstant, Index: int32(len(g.BoolConstants))}
	out := b.newOutput(self)
	g.BoolConstants = append(g.BoolConstants, BoolConstantNode{Value: v, Out: out})
	return out
}

func (b *GraphBuilder) AddStringConstant(v []rune) NodeRef {
	g := &b.p.Graph
	self := NodeRef{Type: NodeStringConstant, Index: int32(len(g.StringConstants))}
	out := b.newOutput(self)
	g.StringConstants = append(g.StringConstants, StringConstantNode{Value: v, Out: out})
	return out
}

// AddArray fixes the array length at construction (spec §3): elements
// are upstream Output refs to wrap in new Input nodes owned by the array.
func (b *GraphBuilder) AddArray(elements []NodeRef) NodeRef {
	g := &b.p.Graph
	self := NodeRef{Type: NodeArray, Index: int32(len(g.Arrays))}
	elemRefs := make([]NodeRef, len(elements))
	for i, e := range elements {
		elemRefs[i] = b.newInput(self, e)
	}
	out := b.newOutput(self)
	g.Arrays = append(g.Arrays, ArrayNode{Elements: elemRefs, Out: out})
	return out
}

// AddGraphInput creates a stage-boundary input; it has no upstream of
// its own and produces an Output that downstream nodes connect to.
func (b *GraphBuilder) AddGraphInput() NodeRef {
	g := &b.p.Graph
	self := NodeRef{Type: NodeGraphInput, Index: int32(len(g.GraphInputs))}
	out := b.newOutput(self)
	g.GraphInputs = append(g.GraphInputs, GraphInputNode{Out: out})
	return self
}

// GraphInputOutput returns the Output ref produced by a GraphInput node.
func (b *GraphBuilder) GraphInputOutput(gi NodeRef) NodeRef {
	return b.p.Graph.GraphInputs[gi.Index].Out
}

// AddGraphOutput wraps upstream in a new owned Input and terminates the
// stage there.
func (b *GraphBuilder) AddGraphOutput(upstream NodeRef) NodeRef {
	g := &b.p.Graph
	self := NodeRef{Type: NodeGraphOutput, Index: int32(len(g.GraphOutputs))}
	in := b.newInput(self, upstream)
	g.GraphOutputs = append(g.GraphOutputs, GraphOutputNode{In: in})
	return self
}

// AddNativeModuleCall wires inputs (upstream Output refs) into new owned
// Input nodes and allocates nOutputs new Output nodes, returning them in
// declaration order.
func (b *GraphBuilder) AddNativeModuleCall(libID, moduleID uuid.UUID, upsample int32, inputs []NodeRef, nOutputs int) []NodeRef {
	if upsample <= 0 {
		b.fail(fmt.Errorf("program: builder upsample must be > 0"))
		return nil
	}
	if !b.p.HasLibDependency(libID) {
		b.fail(fmt.Errorf("program: builder native module call references undeclared library %s", libID))
		return nil
	}
	g := &b.p.Graph
	self := NodeRef{Type: NodeNativeModuleCall, Index: int32(len(g.NativeModuleCalls))}
	inRefs := make([]NodeRef, len(inputs))
	for i, up := range inputs {
		inRefs[i] = b.newInput(self, up)
	}
	outRefs := make([]NodeRef, nOutputs)
	for i := range outRefs {
		outRefs[i] = b.newOutput(self)
	}
	g.NativeModuleCalls = append(g.NativeModuleCalls, NativeModuleCallNode{
		LibID: libID, ModuleID: moduleID, Upsample: upsample, Inputs: inRefs, Outputs: outRefs,
	})
	return outRefs
}

func (b *GraphBuilder) SetInputChannelsFloat(gi []NodeRef)  { b.p.InputChannelsFloat = gi }
func (b *GraphBuilder) SetInputChannelsDouble(gi []NodeRef) { b.p.InputChannelsDouble = gi }
func (b *GraphBuilder) SetOutputChannels(go_ []NodeRef)     { b.p.OutputChannels = go_ }
func (b *GraphBuilder) SetVoiceRemainActive(r NodeRef)      { b.p.VoiceRemainActive = &r }
func (b *GraphBuilder) SetEffectRemainActive(r NodeRef)     { b.p.EffectRemainActive = &r }
func (b *GraphBuilder) SetVoiceGraphRoots(r []NodeRef)      { b.p.VoiceGraphRoots = r }
func (b *GraphBuilder) SetEffectGraphRoots(r []NodeRef)     { b.p.EffectGraphRoots = r }

func (b *GraphBuilder) AddVoiceToEffectChannel(primitive PrimitiveType, source, sink NodeRef) {
	b.p.VoiceToEffectTypes = append(b.p.VoiceToEffectTypes, primitive)
	b.p.VoiceToEffectSources = append(b.p.VoiceToEffectSources, source)
	b.p.VoiceToEffectSinks = append(b.p.VoiceToEffectSinks, sink)
}

// Build validates the assembled graph (the same invariants Decode
// enforces) and returns the finished Program.
func (b *GraphBuilder) Build() (*Program, error) {
	if b.err != nil {
		return nil, b.err
	}
	p := b.p
	for i := range p.Graph.Inputs {
		if !p.Graph.Inputs[i].Upstream.IsSet() {
			return nil, fmt.Errorf("program: builder input node %d has no connection", i)
		}
	}
	if len(p.VoiceToEffectSources) != len(p.VoiceToEffectTypes) || len(p.VoiceToEffectSinks) != len(p.VoiceToEffectTypes) {
		return nil, fmt.Errorf("program: builder voiceToEffect list length mismatch")
	}
	if err := detectCycles(p); err != nil {
		return nil, err
	}
	return p, nil
}

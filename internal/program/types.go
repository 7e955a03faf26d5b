// Package program implements the on-disk program format: the typed
// graph-node arena, the binary codec (spec §4.2/§6.1), and a
// programmatic GraphBuilder used by tests and cmd/chordbuild in place
// of the teacher's MML text compiler (see DESIGN.md — compiling
// programs is an explicit spec Non-goal).
package program

import "github.com/google/uuid"

// NodeType tags which per-type arena a NodeRef points into.
type NodeType uint8

const (
	NodeInput NodeType = iota
	NodeOutput
	NodeFloatConstant
	NodeDoubleConstant
	NodeIntConstant
	NodeBoolConstant
	NodeStringConstant
	NodeArray
	NodeNativeModuleCall
	NodeGraphInput
	NodeGraphOutput
	nodeTypeCount
)

func (t NodeType) Valid() bool { return t < nodeTypeCount }

// NodeRef is an arena index: the type tag plus the index into that
// type's slice in Graph. It replaces the virtual-inheritance graph node
// of the original engine with a sum-type-by-index (spec §9 design note).
type NodeRef struct {
	Type  NodeType
	Index int32
}

// Zero value of NodeRef (Type: NodeInput, Index: 0) is a valid ref, so
// "absent" is modeled with the NoRef sentinel (or a pointer, as in
// Program's optional remain-active refs).
var NoRef = NodeRef{Type: nodeTypeCount, Index: -1}

func (r NodeRef) IsSet() bool { return r.Type != nodeTypeCount }

// PrimitiveType is a buffer/constant element type. String is not a
// buffer type (spec §3).
type PrimitiveType uint8

const (
	PrimitiveFloat PrimitiveType = iota
	PrimitiveDouble
	PrimitiveInt
	PrimitiveBool
	primitiveTypeCount
)

func (p PrimitiveType) Valid() bool { return p < primitiveTypeCount }

// BitsPerElement is the in-buffer width of one sample of this type.
// Bool packs 8 samples per byte (spec §3).
func (p PrimitiveType) BitsPerElement() int {
	switch p {
	case PrimitiveFloat, PrimitiveInt:
		return 32
	case PrimitiveDouble:
		return 64
	case PrimitiveBool:
		return 1
	default:
		return 0
	}
}

// EffectActivationMode controls when the effect stage is driven versus
// skipped. spec.md leaves the enum's members unspecified beyond
// "mode < enum count"; these two are the natural pair implied by
// effectActivationThreshold (§3).
type EffectActivationMode uint32

const (
	EffectActivationAlways EffectActivationMode = iota
	EffectActivationOnVoicesActive
	effectActivationModeCount
)

func (m EffectActivationMode) Valid() bool { return m < effectActivationModeCount }

type LibDependency struct {
	ID                   uuid.UUID
	Major, Minor, Patch uint32
}

// --- Graph node payloads ---

type InputNode struct {
	Processor NodeRef
	Upstream  NodeRef // OutputRef; zero NoRef until connected
}

type OutputNode struct {
	Processor   NodeRef
	Downstreams []NodeRef // InputRefs
}

type FloatConstantNode struct {
	Value float32
	Out   NodeRef
}

type DoubleConstantNode struct {
	Value float64
	Out   NodeRef
}

type IntConstantNode struct {
	Value int32
	Out   NodeRef
}

type BoolConstantNode struct {
	Value bool
	Out   NodeRef
}

// StringConstantNode holds an immutable UTF-32 sequence (spec §3/§6.3).
type StringConstantNode struct {
	Value []rune
	Out   NodeRef
}

// ArrayNode's length is fixed at construction (spec §3).
type ArrayNode struct {
	Elements []NodeRef // InputRefs
	Out      NodeRef
}

type NativeModuleCallNode struct {
	LibID, ModuleID uuid.UUID
	Upsample        int32
	Inputs          []NodeRef
	Outputs         []NodeRef
}

// GraphInputNode / GraphOutputNode mark a stage boundary (spec §3).
type GraphInputNode struct {
	Out NodeRef
}

type GraphOutputNode struct {
	In NodeRef
}

// Graph is the arena of all typed nodes, indexed by NodeRef.
type Graph struct {
	Inputs            []InputNode
	Outputs           []OutputNode
	FloatConstants    []FloatConstantNode
	DoubleConstants   []DoubleConstantNode
	IntConstants      []IntConstantNode
	BoolConstants     []BoolConstantNode
	StringConstants   []StringConstantNode
	Arrays            []ArrayNode
	NativeModuleCalls []NativeModuleCallNode
	GraphInputs       []GraphInputNode
	GraphOutputs      []GraphOutputNode
}

func (g *Graph) Input(r NodeRef) *InputNode                     { return &g.Inputs[r.Index] }
func (g *Graph) Output(r NodeRef) *OutputNode                   { return &g.Outputs[r.Index] }
func (g *Graph) FloatConstant(r NodeRef) *FloatConstantNode     { return &g.FloatConstants[r.Index] }
func (g *Graph) DoubleConstant(r NodeRef) *DoubleConstantNode   { return &g.DoubleConstants[r.Index] }
func (g *Graph) IntConstant(r NodeRef) *IntConstantNode         { return &g.IntConstants[r.Index] }
func (g *Graph) BoolConstant(r NodeRef) *BoolConstantNode       { return &g.BoolConstants[r.Index] }
func (g *Graph) StringConstant(r NodeRef) *StringConstantNode   { return &g.StringConstants[r.Index] }
func (g *Graph) Array(r NodeRef) *ArrayNode                     { return &g.Arrays[r.Index] }
func (g *Graph) NativeModuleCall(r NodeRef) *NativeModuleCallNode {
	return &g.NativeModuleCalls[r.Index]
}
func (g *Graph) GraphInput(r NodeRef) *GraphInputNode   { return &g.GraphInputs[r.Index] }
func (g *Graph) GraphOutput(r NodeRef) *GraphOutputNode { return &g.GraphOutputs[r.Index] }

// VariantProperties describes the host-facing channel/sample-rate shape
// (spec §3).
type VariantProperties struct {
	SampleRate          int
	InputChannelCount   int
	OutputChannelCount  int
}

// InstrumentProperties describes voice/effect policy (spec §3).
type InstrumentProperties struct {
	MaxVoices                   uint32
	EffectActivationMode        EffectActivationMode
	EffectActivationThreshold   float64
}

// Program is immutable after Decode/Build (spec §3).
type Program struct {
	Variant    VariantProperties
	Instrument InstrumentProperties
	LibDeps    []LibDependency
	Graph      Graph

	InputChannelsFloat  []NodeRef // GraphInput refs, optional
	InputChannelsDouble []NodeRef // GraphInput refs, optional
	OutputChannels      []NodeRef // GraphOutput refs

	VoiceRemainActive  *NodeRef // GraphOutput ref, optional
	EffectRemainActive *NodeRef // GraphOutput ref, optional

	VoiceToEffectTypes   []PrimitiveType
	VoiceToEffectSources []NodeRef // GraphOutput refs, from the voice graph
	VoiceToEffectSinks   []NodeRef // GraphInput refs, into the effect graph

	VoiceGraphRoots  []NodeRef // processor nodes, optional
	EffectGraphRoots []NodeRef // processor nodes, optional
}

// HasLibDependency reports whether id is declared in LibDeps (spec
// invariant 3: every NativeModuleCall.libId must appear here).
func (p *Program) HasLibDependency(id uuid.UUID) bool {
	for _, d := range p.LibDeps {
		if d.ID == id {
			return true
		}
	}
	return false
}

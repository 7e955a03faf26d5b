// Package nativeapi defines the C-ABI surface native DSP libraries
// implement, and a Registry that loads them, owns their descriptors,
// and serializes initialization/teardown around them (spec §4.3/§6.2).
package nativeapi

import "github.com/google/uuid"

// RuntimeMutability classifies whether a parameter's value is fixed at
// compile time, varies per-block, or is a buffer reference (spec §6.2).
type RuntimeMutability uint8

const (
	MutabilityConstant RuntimeMutability = iota
	MutabilityVariable
	MutabilityBuffer
)

// ParameterDirection is the data-flow direction of a NativeModule
// parameter.
type ParameterDirection uint8

const (
	DirectionIn ParameterDirection = iota
	DirectionOut
)

// DataType describes one parameter's shape: its primitive element type,
// its mutability class, whether it is upsampled, and whether it is an
// array of that primitive rather than a scalar.
type DataType struct {
	RuntimeMutability RuntimeMutability
	Primitive         uint8 // program.PrimitiveType, kept untyped here to avoid an import cycle
	UpsampleFactor    int32
	IsArray           bool
}

// Parameter is one entry in a NativeModule's declared signature.
type Parameter struct {
	Direction             ParameterDirection
	Name                  string
	Type                  DataType
	DisallowBufferSharing bool
}

// Signature names a module and lists its parameters in declaration
// order; ReturnParameterIndex is -1 when the module has no return slot.
type Signature struct {
	Name                  string
	Parameters            []Parameter
	ReturnParameterIndex  int
}

// Context is the per-invocation handle passed to a module's hooks. It
// carries no host pointers a module could retain past the call.
type Context struct {
	SampleRate     int
	InputChannels  int
	OutputChannels int
	Upsample       int32
	IsCompileTime  bool
	Report         func(severity ReportSeverity, message string)
}

type ReportSeverity uint8

const (
	ReportInfo ReportSeverity = iota
	ReportWarning
	ReportError
)

// Module is the deep-copied, registry-owned form of a NativeModule
// descriptor (spec §6.2). Hooks are optional; a nil hook means the
// module doesn't use that lifecycle stage.
type Module struct {
	ID              uuid.UUID
	Signature       Signature
	HasSideEffects  bool
	AlwaysRuntime   bool

	Prepare            func(ctx *Context) error
	InitializeVoice    func(ctx *Context) (voiceContext any, scratchBytes int, scratchAlign int, err error)
	DeinitializeVoice  func(voiceContext any)
	SetVoiceActive     func(voiceContext any, active bool)
	InvokeCompileTime  func(ctx *Context, args *ArgumentList) error
	Invoke             func(ctx *Context, args *ArgumentList, scratch []byte) error
}

// ArgumentList is the flat, tagged-union argument array passed to
// Invoke, in the module's declared parameter order (spec §6.3).
type ArgumentList struct {
	Arguments []Argument
}

// Argument holds exactly one of its value fields, selected by the
// parameter's DataType at the matching index.
type Argument struct {
	Float     float32
	Double    float64
	Int       int32
	Bool      bool
	FloatBuf  []float32
	DoubleBuf []float64
	IntBuf    []int32
	BoolBuf   []uint64 // packed, 64 samples per word

	// IsConstant is reset to false before every Invoke for output
	// arguments; a module opts back in by setting it true to report that
	// this call produced a constant-fill buffer (spec §4.8 step 2/7).
	IsConstant bool
}

// Library is the deep-copied, registry-owned form of a NativeLibrary
// descriptor. OptimizationRules are never retained (spec §4.3: compile
// time only, dropped at load).
type Library struct {
	ID      uuid.UUID
	Version Version
	Name    string
	Modules []Module

	Initialize   func() (libraryContext any, err error)
	Deinitialize func(libraryContext any)
}

type Version struct {
	Major, Minor, Patch uint32
}

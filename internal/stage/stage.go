// Package stage wires one stage's (a voice instance, or the effect)
// native-module calls into a task graph: resolving every output node
// to a constant or a buffer handle, building each call's argument
// list by parameter mutability class, and running the resulting tasks
// per block (spec §4.8).
package stage

import (
	"fmt"

	"github.com/cbegin/chordrt-go/internal/buffer"
	"github.com/cbegin/chordrt-go/internal/constantpool"
	"github.com/cbegin/chordrt-go/internal/exec"
	"github.com/cbegin/chordrt-go/internal/nativeapi"
	"github.com/cbegin/chordrt-go/internal/program"
	"github.com/cbegin/chordrt-go/internal/taskgraph"
)

// Value is a resolved output node: either a literal constant or a
// handle into the buffer manager (spec §4.8 step 1).
type Value struct {
	IsConstant bool
	Primitive  program.PrimitiveType
	F32        float32
	F64        float64
	I32        int32
	B          bool
	// ArrF32, ArrF64, ArrI32 and ArrB hold an interned constant array's
	// backing value for NodeArray outputs; Primitive selects which typed
	// slice is live.
	ArrF32 []float32
	ArrF64 []float64
	ArrI32 []int32
	ArrB   []bool
	Handle buffer.Handle
}

type callTask struct {
	ref          program.NodeRef
	node         *program.NativeModuleCallNode
	module       nativeapi.Module
	libraryCtx   any
	voiceCtx     any
	scratchBytes int
	scratchAlign int
	args         nativeapi.ArgumentList
	inputHandles  []buffer.Handle // real upstream buffers this task reads (not constant-fills)
	outputHandles []buffer.Handle // NoHandle where the output is constant
	bufferArgs    []bufferArgBinding
	scratch       []byte
	writesGraphOutput bool
	graphIdx     int // index in the taskgraph.Graph
}

// bufferArgBinding lets runTask re-marshal one argument's buffer
// contents each block without re-walking the module signature.
type bufferArgBinding struct {
	argIndex  int
	handle    buffer.Handle
	primitive program.PrimitiveType
	upsample  int32
	isOutput  bool
}

// Stage owns one instance's resolved graph and the task machinery
// that executes it once per block.
type Stage struct {
	prog      *program.Program
	registry  *nativeapi.Registry
	constants *constantpool.Manager
	buffers   *buffer.Manager
	roots     []program.NodeRef
	externalGraphInputs map[program.NodeRef]Value // GraphInput ref -> bound Value
	sampleCapacity int

	resolved       map[program.NodeRef]Value // Output ref -> Value
	tasks          []*callTask
	taskIndexByRef map[program.NodeRef]int

	graphOutputValues map[program.NodeRef]Value // GraphOutput ref -> Value

	graph *taskgraph.Graph

	outputTaskCount int32
	remainActiveRef *program.NodeRef

	sampleInitializers map[int][]buffer.Handle // task graphIdx -> its own output buffers

	runtimeSampleCount int
	report             func(nativeapi.ReportSeverity, string)
}

// SetReport installs the callback passed to every module's runtime
// Context.Report. A nil report is a no-op.
func (s *Stage) SetReport(fn func(nativeapi.ReportSeverity, string)) { s.report = fn }

func (s *Stage) reportf(sev nativeapi.ReportSeverity, msg string) {
	if s.report != nil {
		s.report(sev, msg)
	}
}

// New builds a Stage for one set of root processor nodes. externalGraphInputs
// binds every GraphInput reachable from roots to a caller-supplied Value
// (a host input channel's buffer handle, or a constant).
func New(prog *program.Program, registry *nativeapi.Registry, constants *constantpool.Manager, buffers *buffer.Manager, roots []program.NodeRef, externalGraphInputs map[program.NodeRef]Value, sampleCapacity int, remainActiveRef *program.NodeRef) *Stage {
	return &Stage{
		prog:               prog,
		registry:           registry,
		constants:          constants,
		buffers:            buffers,
		roots:              roots,
		externalGraphInputs: externalGraphInputs,
		sampleCapacity:     sampleCapacity,
		resolved:           make(map[program.NodeRef]Value),
		taskIndexByRef:     make(map[program.NodeRef]int),
		graphOutputValues:  make(map[program.NodeRef]Value),
		sampleInitializers: make(map[int][]buffer.Handle),
		remainActiveRef:    remainActiveRef,
	}
}

// Build resolves every root, wires arguments and dependencies, and
// finalizes the task graph (spec §4.8 steps 1-4).
func (s *Stage) Build() error {
	for _, r := range s.roots {
		if err := s.resolveProcessor(r); err != nil {
			return err
		}
	}
	if err := s.buildDependencies(); err != nil {
		return err
	}
	if err := s.initializeVoices(); err != nil {
		return err
	}
	s.graph = taskgraph.New()
	for _, t := range s.tasks {
		ti := t
		ti.graphIdx = s.graph.AddTask(func() { s.runTask(ti) })
	}
	for _, t := range s.tasks {
		for _, depRef := range s.dependsOn(t) {
			if pidx, ok := s.taskIndexByRef[depRef]; ok {
				s.graph.AddDependency(s.tasks[pidx].graphIdx, t.graphIdx)
			}
		}
	}
	return s.graph.Finalize()
}

// resolveProcessor ensures every output of the processor node ref is
// present in s.resolved (spec §4.8 step 1).
func (s *Stage) resolveProcessor(ref program.NodeRef) error {
	g := &s.prog.Graph
	switch ref.Type {
	case program.NodeFloatConstant:
		n := g.FloatConstant(ref)
		s.resolved[n.Out] = Value{IsConstant: true, Primitive: program.PrimitiveFloat, F32: n.Value}
		return nil
	case program.NodeDoubleConstant:
		n := g.DoubleConstant(ref)
		s.resolved[n.Out] = Value{IsConstant: true, Primitive: program.PrimitiveDouble, F64: n.Value}
		return nil
	case program.NodeIntConstant:
		n := g.IntConstant(ref)
		s.resolved[n.Out] = Value{IsConstant: true, Primitive: program.PrimitiveInt, I32: n.Value}
		return nil
	case program.NodeBoolConstant:
		n := g.BoolConstant(ref)
		s.resolved[n.Out] = Value{IsConstant: true, Primitive: program.PrimitiveBool, B: n.Value}
		return nil
	case program.NodeGraphInput:
		n := g.GraphInput(ref)
		v, ok := s.externalGraphInputs[ref]
		if !ok {
			return fmt.Errorf("stage: graph input %v has no external binding", ref)
		}
		s.resolved[n.Out] = v
		return nil
	case program.NodeArray:
		return s.resolveArray(ref)
	case program.NodeNativeModuleCall:
		return s.resolveCall(ref)
	case program.NodeGraphOutput:
		n := g.GraphOutput(ref)
		in := g.Input(n.In)
		if err := s.resolveProcessor(g.Output(in.Upstream).Processor); err != nil {
			return err
		}
		v := s.resolved[in.Upstream]
		s.graphOutputValues[ref] = v
		return nil
	default:
		return fmt.Errorf("stage: unresolvable processor node type %v", ref.Type)
	}
}

// resolveArray interns a constant array via the constant manager. Only
// constant-mutability array parameters reference an Array node; each
// element must itself resolve to a constant of the array's primitive.
func (s *Stage) resolveArray(ref program.NodeRef) error {
	g := &s.prog.Graph
	n := g.Array(ref)
	if _, ok := s.resolved[n.Out]; ok {
		return nil
	}
	if len(n.Elements) == 0 {
		s.resolved[n.Out] = Value{IsConstant: true}
		return nil
	}
	var prim program.PrimitiveType
	floats := make([]float32, 0, len(n.Elements))
	doubles := make([]float64, 0, len(n.Elements))
	ints := make([]int32, 0, len(n.Elements))
	bools := make([]bool, 0, len(n.Elements))
	for i, elemRef := range n.Elements {
		in := g.Input(elemRef)
		if err := s.resolveProcessor(g.Output(in.Upstream).Processor); err != nil {
			return err
		}
		ev := s.resolved[in.Upstream]
		if !ev.IsConstant {
			return fmt.Errorf("stage: array element %d is not constant", i)
		}
		prim = ev.Primitive
		switch prim {
		case program.PrimitiveFloat:
			floats = append(floats, ev.F32)
		case program.PrimitiveDouble:
			doubles = append(doubles, ev.F64)
		case program.PrimitiveInt:
			ints = append(ints, ev.I32)
		case program.PrimitiveBool:
			bools = append(bools, ev.B)
		}
	}
	v := Value{IsConstant: true, Primitive: prim}
	switch prim {
	case program.PrimitiveFloat:
		v.ArrF32 = s.constants.EnsureFloatConstantArray(floats).Values
	case program.PrimitiveDouble:
		v.ArrF64 = s.constants.EnsureDoubleConstantArray(doubles).Values
	case program.PrimitiveInt:
		v.ArrI32 = s.constants.EnsureIntConstantArray(ints).Values
	case program.PrimitiveBool:
		v.ArrB = s.constants.EnsureBoolConstantArray(bools).Values
	}
	s.resolved[n.Out] = v
	return nil
}

// resolveCall builds the NativeModuleCallTask for one call node: it
// recursively resolves every input's upstream first, then wires
// arguments by the module's declared parameter directions and
// mutability classes (spec §4.8 step 2).
func (s *Stage) resolveCall(ref program.NodeRef) error {
	if _, done := s.taskIndexByRef[ref]; done {
		return nil
	}
	g := &s.prog.Graph
	call := g.NativeModuleCall(ref)
	lib, libCtx, ok := s.registry.TryGet(call.LibID)
	if !ok {
		return fmt.Errorf("stage: library %s not registered", call.LibID)
	}
	var module nativeapi.Module
	found := false
	for _, m := range lib.Modules {
		if m.ID == call.ModuleID {
			module, found = m, true
			break
		}
	}
	if !found {
		return fmt.Errorf("stage: module %s not found in library %s", call.ModuleID, call.LibID)
	}

	for _, inRef := range call.Inputs {
		in := g.Input(inRef)
		if err := s.resolveProcessor(g.Output(in.Upstream).Processor); err != nil {
			return err
		}
	}

	inParams, outParams := splitByDirection(module.Signature.Parameters)
	if len(inParams) != len(call.Inputs) || len(outParams) != len(call.Outputs) {
		return fmt.Errorf("stage: call to %s: signature arity mismatch (in %d/%d out %d/%d)",
			module.Signature.Name, len(inParams), len(call.Inputs), len(outParams), len(call.Outputs))
	}

	task := &callTask{ref: ref, node: call, module: module, libraryCtx: libCtx}
	args := make([]nativeapi.Argument, len(module.Signature.Parameters))
	ownBuffers := make([]buffer.Handle, 0, len(call.Outputs))

	for k, p := range inParams {
		in := g.Input(call.Inputs[k])
		upstream := s.resolved[in.Upstream]
		argIdx := p.declIndex
		if p.param.Type.RuntimeMutability == nativeapi.MutabilityConstant {
			args[argIdx] = constantArgument(p.param, upstream)
			continue
		}
		if upstream.IsConstant {
			h := s.constantFillBuffer(p.param, upstream, call.Upsample)
			args[argIdx] = bufferArgument(p.param, h, s.buffers, s.sampleCapacity, call.Upsample)
			task.bufferArgs = append(task.bufferArgs, bufferArgBinding{argIdx, h, program.PrimitiveType(p.param.Type.Primitive), call.Upsample, false})
			continue
		}
		s.buffers.AddBufferInputTask(upstream.Handle, ref, !p.param.DisallowBufferSharing)
		args[argIdx] = bufferArgument(p.param, upstream.Handle, s.buffers, s.sampleCapacity, call.Upsample)
		task.inputHandles = append(task.inputHandles, upstream.Handle)
		task.bufferArgs = append(task.bufferArgs, bufferArgBinding{argIdx, upstream.Handle, program.PrimitiveType(p.param.Type.Primitive), call.Upsample, false})
	}

	for k, p := range outParams {
		prim := program.PrimitiveType(p.param.Type.Primitive)
		h := s.buffers.AddBuffer(prim, s.sampleCapacity, call.Upsample)
		if !p.param.DisallowBufferSharing {
			s.buffers.SetBufferOutputTaskForSharing(h, ref)
		}
		ownBuffers = append(ownBuffers, h)
		task.outputHandles = append(task.outputHandles, h)
		args[p.declIndex] = bufferArgument(p.param, h, s.buffers, s.sampleCapacity, call.Upsample)
		task.bufferArgs = append(task.bufferArgs, bufferArgBinding{p.declIndex, h, prim, call.Upsample, true})
		outRef := call.Outputs[k]
		s.resolved[outRef] = Value{Primitive: prim, Handle: h}
	}

	task.args = nativeapi.ArgumentList{Arguments: args}
	idx := len(s.tasks)
	s.tasks = append(s.tasks, task)
	s.taskIndexByRef[ref] = idx
	s.sampleInitializers[idx] = ownBuffers
	return nil
}

type placedParam struct {
	param     nativeapi.Parameter
	declIndex int
}

func splitByDirection(params []nativeapi.Parameter) (in, out []placedParam) {
	for i, p := range params {
		if p.Direction == nativeapi.DirectionIn {
			in = append(in, placedParam{p, i})
		} else {
			out = append(out, placedParam{p, i})
		}
	}
	return in, out
}

func constantArgument(p nativeapi.Parameter, v Value) nativeapi.Argument {
	if p.Type.IsArray {
		switch program.PrimitiveType(p.Type.Primitive) {
		case program.PrimitiveFloat:
			return nativeapi.Argument{FloatBuf: v.ArrF32}
		case program.PrimitiveDouble:
			return nativeapi.Argument{DoubleBuf: v.ArrF64}
		case program.PrimitiveInt:
			return nativeapi.Argument{IntBuf: v.ArrI32}
		default:
			return nativeapi.Argument{BoolBuf: packBools(v.ArrB)}
		}
	}
	switch program.PrimitiveType(p.Type.Primitive) {
	case program.PrimitiveFloat:
		return nativeapi.Argument{Float: v.F32}
	case program.PrimitiveDouble:
		return nativeapi.Argument{Double: v.F64}
	case program.PrimitiveInt:
		return nativeapi.Argument{Int: v.I32}
	default:
		return nativeapi.Argument{Bool: v.B}
	}
}

func packBools(bs []bool) []uint64 {
	words := (len(bs) + 63) / 64
	out := make([]uint64, words)
	for i, b := range bs {
		if b {
			out[i/64] |= 1 << uint(i%64)
		}
	}
	return out
}

// constantFillBuffer materializes a constant upstream value into a
// constant-fill buffer sized for this call's sample count (spec §4.8
// step 2: "request a constant-fill buffer from the constant manager").
func (s *Stage) constantFillBuffer(p nativeapi.Parameter, v Value, upsample int32) buffer.Handle {
	n := s.sampleCapacity * int(maxInt32(upsample, 1))
	h := s.buffers.AddBuffer(program.PrimitiveType(p.Type.Primitive), s.sampleCapacity, upsample)
	s.buffers.SetBufferConstant(h, true)
	switch program.PrimitiveType(p.Type.Primitive) {
	case program.PrimitiveFloat:
		s.buffers.WriteFloat32(h, fillF32(v.F32, n))
	case program.PrimitiveDouble:
		s.buffers.WriteFloat64(h, fillF64(v.F64, n))
	case program.PrimitiveInt:
		s.buffers.WriteInt32(h, fillI32(v.I32, n))
	}
	return h
}

func fillF32(v float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}
func fillF64(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
func fillI32(v int32, n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func bufferArgument(p nativeapi.Parameter, h buffer.Handle, mgr *buffer.Manager, sampleCount int, upsample int32) nativeapi.Argument {
	n := sampleCount * int(maxInt32(upsample, 1))
	switch program.PrimitiveType(p.Type.Primitive) {
	case program.PrimitiveFloat:
		return nativeapi.Argument{FloatBuf: mgr.ReadFloat32(h, n)}
	case program.PrimitiveDouble:
		return nativeapi.Argument{DoubleBuf: mgr.ReadFloat64(h, n)}
	case program.PrimitiveInt:
		return nativeapi.Argument{IntBuf: mgr.ReadInt32(h, n)}
	default:
		return nativeapi.Argument{BoolBuf: mgr.ReadBoolWords(h, (n+63)/64)}
	}
}

// dependsOn returns, for task t, the NativeModuleCall node refs whose
// outputs feed any of t's inputs directly (spec §4.8 step 3 run in
// reverse: walked from the consumer side for simplicity).
func (s *Stage) dependsOn(t *callTask) []program.NodeRef {
	g := &s.prog.Graph
	var deps []program.NodeRef
	for _, inRef := range t.node.Inputs {
		in := g.Input(inRef)
		producer := g.Output(in.Upstream).Processor
		if producer.Type == program.NodeNativeModuleCall {
			deps = append(deps, producer)
		}
	}
	return deps
}

// buildDependencies marks which tasks write a GraphOutput, feeding
// outputTaskCount (spec §4.8 step 3).
func (s *Stage) buildDependencies() error {
	for _, v := range s.graphOutputValues {
		if !v.IsConstant && v.Handle != buffer.NoHandle {
			if ti := s.taskProducing(v.Handle); ti >= 0 {
				s.tasks[ti].writesGraphOutput = true
			}
		}
	}
	count := int32(0)
	for _, t := range s.tasks {
		if t.writesGraphOutput {
			count++
		}
	}
	s.outputTaskCount = count
	return nil
}

func (s *Stage) taskProducing(h buffer.Handle) int {
	for i, t := range s.tasks {
		for _, oh := range t.outputHandles {
			if oh == h {
				return i
			}
		}
	}
	return -1
}

// initializeVoices calls each task's module InitializeVoice hook and
// keeps the returned voice context and a scratch slice of the requested
// size (spec §4.8 step 5); MaxScratch reports the largest requirement.
// Modules without the hook are skipped. No library-level voice hook is
// called: nativeapi.Library has none.
func (s *Stage) initializeVoices() error {
	for _, t := range s.tasks {
		if t.module.InitializeVoice == nil {
			continue
		}
		ctx := &nativeapi.Context{IsCompileTime: false}
		vc, bytes, align, err := t.module.InitializeVoice(ctx)
		if err != nil {
			return fmt.Errorf("stage: initializeVoice for %s: %w", t.module.Signature.Name, err)
		}
		t.voiceCtx = vc
		t.scratchBytes = bytes
		t.scratchAlign = align
		if bytes > 0 {
			t.scratch = make([]byte, bytes)
		}
	}
	return nil
}

// MaxScratch reports the largest scratch-memory size/alignment any
// task in this stage requires.
func (s *Stage) MaxScratch() (bytes, align int) {
	for _, t := range s.tasks {
		if t.scratchBytes > bytes {
			bytes = t.scratchBytes
		}
		if t.scratchAlign > align {
			align = t.scratchAlign
		}
	}
	return bytes, align
}

// GraphOutputValue returns the resolved value for a GraphOutput ref,
// valid only after Build.
func (s *Stage) GraphOutputValue(ref program.NodeRef) (Value, bool) {
	v, ok := s.graphOutputValues[ref]
	return v, ok
}

// Roots exposes the stage's root processor refs.
func (s *Stage) Roots() []program.NodeRef { return s.roots }

// Process runs one block through the stage's task graph and reports
// whether the stage should remain active afterward (spec §4.8 "Per-
// block execution" and "Remain-active computation"). Each task's
// argument buffers are re-marshaled against current buffer contents
// before invoke and written back after, in place of a per-thread
// scratch pool indexed by executor thread (this stage allocates each
// task its own scratch slice once at Build time instead — see
// DESIGN.md).
func (s *Stage) Process(pool *exec.Pool, sampleCount int) bool {
	s.runtimeSampleCount = sampleCount
	s.graph.Run(pool)
	return s.ComputeRemainActive()
}

func (s *Stage) runTask(t *callTask) {
	for _, h := range t.inputHandles {
		if err := s.buffers.StartBufferRead(h); err != nil {
			s.reportf(nativeapi.ReportError, err.Error())
		}
	}
	for _, h := range t.outputHandles {
		if err := s.buffers.StartBufferWrite(h, t.ref); err != nil {
			s.reportf(nativeapi.ReportError, err.Error())
		}
	}

	n := s.runtimeSampleCount
	if n > s.sampleCapacity {
		n = s.sampleCapacity
	}
	total := n * int(maxInt32(t.node.Upsample, 1))
	for _, ba := range t.bufferArgs {
		if ba.isOutput {
			// Reset every output's isConstant to false; the module must
			// opt back in for this call (spec §4.8 step 2).
			t.args.Arguments[ba.argIndex].IsConstant = false
			continue
		}
		switch ba.primitive {
		case program.PrimitiveFloat:
			t.args.Arguments[ba.argIndex].FloatBuf = s.buffers.ReadFloat32(ba.handle, total)
		case program.PrimitiveDouble:
			t.args.Arguments[ba.argIndex].DoubleBuf = s.buffers.ReadFloat64(ba.handle, total)
		case program.PrimitiveInt:
			t.args.Arguments[ba.argIndex].IntBuf = s.buffers.ReadInt32(ba.handle, total)
		default:
			t.args.Arguments[ba.argIndex].BoolBuf = s.buffers.ReadBoolWords(ba.handle, (total+63)/64)
		}
	}

	ctx := &nativeapi.Context{
		Upsample:      t.node.Upsample,
		IsCompileTime: false,
		Report:        s.report,
	}

	if t.module.Invoke != nil {
		if err := t.module.Invoke(ctx, &t.args, t.scratch); err != nil {
			s.reportf(nativeapi.ReportError, err.Error())
		}
	}

	for _, ba := range t.bufferArgs {
		if !ba.isOutput {
			continue
		}
		switch ba.primitive {
		case program.PrimitiveFloat:
			s.buffers.WriteFloat32(ba.handle, t.args.Arguments[ba.argIndex].FloatBuf)
		case program.PrimitiveDouble:
			s.buffers.WriteFloat64(ba.handle, t.args.Arguments[ba.argIndex].DoubleBuf)
		case program.PrimitiveInt:
			s.buffers.WriteInt32(ba.handle, t.args.Arguments[ba.argIndex].IntBuf)
		default:
			s.buffers.WriteBoolWords(ba.handle, t.args.Arguments[ba.argIndex].BoolBuf)
		}
		s.buffers.SetBufferConstant(ba.handle, t.args.Arguments[ba.argIndex].IsConstant)
	}

	for _, h := range t.outputHandles {
		if err := s.buffers.FinishBufferWrite(h, t.ref); err != nil {
			s.reportf(nativeapi.ReportError, err.Error())
		}
	}
	for _, h := range t.inputHandles {
		if err := s.buffers.FinishBufferRead(h); err != nil {
			s.reportf(nativeapi.ReportError, err.Error())
		}
	}
}

// SetActive toggles voice activation: forward order when activating,
// reverse when deactivating (spec §4.8 "Voice-activation toggling").
func (s *Stage) SetActive(active bool) {
	if active {
		for _, t := range s.tasks {
			if t.module.SetVoiceActive != nil {
				t.module.SetVoiceActive(t.voiceCtx, active)
			}
		}
		return
	}
	for i := len(s.tasks) - 1; i >= 0; i-- {
		t := s.tasks[i]
		if t.module.SetVoiceActive != nil {
			t.module.SetVoiceActive(t.voiceCtx, active)
		}
	}
}

// ComputeRemainActive implements spec §4.8's remain-active rules. A
// stage with no declared remain-active output (effect stages) always
// remains active; a voice stage must explicitly produce one.
func (s *Stage) ComputeRemainActive() bool {
	if s.remainActiveRef == nil {
		return true
	}
	v, ok := s.graphOutputValues[*s.remainActiveRef]
	if !ok {
		return true
	}
	if v.IsConstant {
		return v.B
	}
	if s.buffers.IsBufferConstant(v.Handle) {
		b := s.buffers.Bytes(v.Handle)
		if len(b) == 0 {
			return false
		}
		return b[0]&1 == 1
	}

	n := s.runtimeSampleCount
	if n > s.sampleCapacity {
		n = s.sampleCapacity
	}
	validBits := n * int(maxInt32(s.buffers.BufferUpsample(v.Handle), 1))
	b := s.buffers.Bytes(v.Handle)
	fullBytes := validBits / 8
	remBits := validBits % 8
	for i := 0; i < fullBytes && i < len(b); i++ {
		if b[i] != 0xFF {
			return false
		}
	}
	if remBits > 0 && fullBytes < len(b) {
		mask := byte(1<<uint(remBits)) - 1
		last := b[fullBytes] | ^mask
		if last != 0xFF {
			return false
		}
	}
	return true
}

// DeclareBufferConcurrency marks this stage's own root-set output
// buffers pairwise concurrent, then classifies every pair of tasks by
// graph reachability: symmetric reachability (both or neither reaches
// the other) makes the pair concurrent, so every buffer each task
// privately initializes is marked concurrent with the other's (spec
// §4.8 "Declarative buffer concurrency").
func (s *Stage) DeclareBufferConcurrency() {
	s.markOutputBuffersConcurrent()

	reach := s.reachabilityMatrix()
	n := len(s.tasks)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if reach[i][j] == reach[j][i] {
				s.markPairConcurrent(i, j)
			}
		}
	}
	for i := 0; i < n; i++ {
		s.markWithinTaskConcurrent(i)
	}
}

// markOutputBuffersConcurrent marks every pair of this stage's non-constant
// root-set output buffers (its GraphOutputs plus its remain-active output,
// if any) pairwise concurrent, so an output that morphs into another never
// reuses its memory (spec.md:238 first bullet).
func (s *Stage) markOutputBuffersConcurrent() {
	seen := make(map[buffer.Handle]bool)
	var handles []buffer.Handle
	add := func(h buffer.Handle) {
		if h != buffer.NoHandle && !seen[h] {
			seen[h] = true
			handles = append(handles, h)
		}
	}
	for _, v := range s.graphOutputValues {
		if !v.IsConstant {
			add(v.Handle)
		}
	}
	if s.remainActiveRef != nil {
		if v, ok := s.graphOutputValues[*s.remainActiveRef]; ok && !v.IsConstant {
			add(v.Handle)
		}
	}
	for i := 0; i < len(handles); i++ {
		for j := i + 1; j < len(handles); j++ {
			s.buffers.SetBuffersConcurrent(handles[i], handles[j])
		}
	}
}

func (s *Stage) markPairConcurrent(i, j int) {
	for _, a := range s.sampleInitializers[s.tasks[i].graphIdx] {
		for _, b := range s.sampleInitializers[s.tasks[j].graphIdx] {
			s.buffers.SetBuffersConcurrent(a, b)
		}
	}
}

func (s *Stage) markWithinTaskConcurrent(i int) {
	bufs := s.sampleInitializers[s.tasks[i].graphIdx]
	for x := 0; x < len(bufs); x++ {
		for y := x + 1; y < len(bufs); y++ {
			s.buffers.SetBuffersConcurrent(bufs[x], bufs[y])
		}
	}
}

// reachabilityMatrix computes, for each pair of tasks (i,j), whether j
// is forward-reachable from i by walking dependency edges.
func (s *Stage) reachabilityMatrix() [][]bool {
	n := len(s.tasks)
	reach := make([][]bool, n)
	for i := range reach {
		reach[i] = make([]bool, n)
	}
	succ := make([][]int, n)
	for i, t := range s.tasks {
		for _, depRef := range s.dependsOn(t) {
			if pidx, ok := s.taskIndexByRef[depRef]; ok {
				succ[pidx] = append(succ[pidx], i)
			}
		}
	}
	for i := 0; i < n; i++ {
		visited := make([]bool, n)
		var stack []int
		stack = append(stack, succ[i]...)
		for len(stack) > 0 {
			j := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[j] {
				continue
			}
			visited[j] = true
			reach[i][j] = true
			stack = append(stack, succ[j]...)
		}
	}
	return reach
}

// DeclareBufferConcurrencyWithOther marks every buffer this stage
// privately initializes concurrent with every buffer other does,
// separating voices from each other and from the effect (spec §4.8).
func (s *Stage) DeclareBufferConcurrencyWithOther(other *Stage) {
	for _, ai := range s.tasks {
		for _, a := range s.sampleInitializers[ai.graphIdx] {
			for _, bi := range other.tasks {
				for _, b := range other.sampleInitializers[bi.graphIdx] {
					s.buffers.SetBuffersConcurrent(a, b)
				}
			}
		}
	}
}

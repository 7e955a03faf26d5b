// Package processor implements the top-level orchestrator: it wires
// host input channel buffers, one stage per voice slot, voice-to-
// effect accumulation, the effect stage, and output-channel
// conversion into a single static task graph run once per audio block
// (spec §4.11).
package processor

import (
	"fmt"

	"github.com/cbegin/chordrt-go/internal/accumulate"
	"github.com/cbegin/chordrt-go/internal/buffer"
	"github.com/cbegin/chordrt-go/internal/constantpool"
	"github.com/cbegin/chordrt-go/internal/exec"
	"github.com/cbegin/chordrt-go/internal/nativeapi"
	"github.com/cbegin/chordrt-go/internal/program"
	"github.com/cbegin/chordrt-go/internal/stage"
	"github.com/cbegin/chordrt-go/internal/taskgraph"
	"github.com/cbegin/chordrt-go/internal/voicealloc"
)

// ChannelSamples carries one host audio channel's data for a block.
// Exactly one of F32/F64 is populated for an input channel, matching
// the channel's declared primitive; an output channel's conversion
// task writes whichever of the two the caller provided, converting
// from the program's internal primitive as needed (spec §6.4, §4.11
// "performing primitive conversion between f32/f64 as needed").
type ChannelSamples struct {
	F32 []float32
	F64 []float64
}

type outputChannel struct {
	ref         program.NodeRef
	primitive   program.PrimitiveType
	accumHandle buffer.Handle // valid only when there is no effect stage
}

// Processor owns every stage, buffer, and the static task graph that
// runs one audio block (spec §4.11).
type Processor struct {
	prog      *program.Program
	registry  *nativeapi.Registry
	constants *constantpool.Manager
	buffers   *buffer.Manager

	sampleCapacity int
	allocator      *voicealloc.Allocator

	voices []*stage.Stage
	effect *stage.Stage

	inputFloatHandles  []buffer.Handle
	inputDoubleHandles []buffer.Handle

	accumHandles  []buffer.Handle // one per voice-to-effect channel
	outputChannels []outputChannel

	graph *taskgraph.Graph

	// Per-block working state, set by Process and read by the task
	// graph's closures while it runs.
	pool               *exec.Pool
	runtimeSampleCount int
	inputs             []ChannelSamples
	outputs            []ChannelSamples
	triggerOffsets     []int
	processedVoices    []int // voices run this block, frozen before deactivation is applied
	offsets            map[int]int
	remainFlags        []bool

	report func(nativeapi.ReportSeverity, string)
}

// New builds a Processor's buffers, stages, and static task graph for
// prog. sampleCapacity is the largest block size Process will ever be
// called with; guards enables buffer.Manager's runtime access checks.
func New(prog *program.Program, registry *nativeapi.Registry, sampleCapacity int, guards bool) (*Processor, error) {
	p := &Processor{
		prog:           prog,
		registry:       registry,
		constants:      constantpool.NewManager(),
		buffers:        buffer.NewManager(guards),
		sampleCapacity: sampleCapacity,
		allocator:      voicealloc.New(int(prog.Instrument.MaxVoices)),
	}
	if err := p.build(); err != nil {
		return nil, err
	}
	return p, nil
}

// SetReport installs the callback forwarded to every stage and, in
// turn, every native module's runtime Context.Report.
func (p *Processor) SetReport(fn func(nativeapi.ReportSeverity, string)) { p.report = fn }

func (p *Processor) reportf(sev nativeapi.ReportSeverity, msg string) {
	if p.report != nil {
		p.report(sev, msg)
	}
}

func (p *Processor) build() error {
	inputBindings := make(map[program.NodeRef]stage.Value)

	// Step 1: host input channel buffers, persistent for the whole
	// block and read by every voice stage concurrently.
	for _, ref := range p.prog.InputChannelsFloat {
		h := p.buffers.AddBuffer(program.PrimitiveFloat, p.sampleCapacity, 1)
		p.inputFloatHandles = append(p.inputFloatHandles, h)
		inputBindings[ref] = stage.Value{Primitive: program.PrimitiveFloat, Handle: h}
	}
	for _, ref := range p.prog.InputChannelsDouble {
		h := p.buffers.AddBuffer(program.PrimitiveDouble, p.sampleCapacity, 1)
		p.inputDoubleHandles = append(p.inputDoubleHandles, h)
		inputBindings[ref] = stage.Value{Primitive: program.PrimitiveDouble, Handle: h}
	}

	// Step 2: one stage per voice slot, reusing the input bindings.
	for i := uint32(0); i < p.prog.Instrument.MaxVoices; i++ {
		st := stage.New(p.prog, p.registry, p.constants, p.buffers, p.prog.VoiceGraphRoots, inputBindings, p.sampleCapacity, p.prog.VoiceRemainActive)
		st.SetReport(p.report)
		if err := st.Build(); err != nil {
			return fmt.Errorf("processor: building voice %d: %w", i, err)
		}
		p.voices = append(p.voices, st)
	}

	// Step 3: effect stage, if declared, plus voice-to-effect
	// accumulation buffers (one per channel, typed per
	// voiceToEffectPrimitiveTypes).
	if len(p.prog.EffectGraphRoots) > 0 {
		effectBindings := make(map[program.NodeRef]stage.Value, len(inputBindings)+len(p.prog.VoiceToEffectSinks))
		for ref, v := range inputBindings {
			effectBindings[ref] = v
		}
		for k, sinkRef := range p.prog.VoiceToEffectSinks {
			prim := p.prog.VoiceToEffectTypes[k]
			h := p.buffers.AddBuffer(prim, p.sampleCapacity, 1)
			p.accumHandles = append(p.accumHandles, h)
			effectBindings[sinkRef] = stage.Value{Primitive: prim, Handle: h}
		}
		p.effect = stage.New(p.prog, p.registry, p.constants, p.buffers, p.prog.EffectGraphRoots, effectBindings, p.sampleCapacity, p.prog.EffectRemainActive)
		p.effect.SetReport(p.report)
		if err := p.effect.Build(); err != nil {
			return fmt.Errorf("processor: building effect stage: %w", err)
		}
	}

	// Output channels: when an effect stage exists it produces them
	// directly; otherwise each voice's graph must produce the same
	// refs among its own roots, and this processor accumulates them
	// across active voices exactly like a voice-to-effect channel
	// (spec.md doesn't detail the no-effect case explicitly; this
	// mirrors the voice-to-effect accumulation it does specify).
	for _, ref := range p.prog.OutputChannels {
		oc := outputChannel{ref: ref, accumHandle: buffer.NoHandle}
		if p.effect != nil {
			v, ok := p.effect.GraphOutputValue(ref)
			if !ok {
				return fmt.Errorf("processor: output channel %v not produced by the effect stage", ref)
			}
			oc.primitive = v.Primitive
		} else {
			if len(p.voices) == 0 {
				return fmt.Errorf("processor: no voices to resolve output channel %v (no effect stage and maxVoices=0)", ref)
			}
			v, ok := p.voices[0].GraphOutputValue(ref)
			if !ok {
				return fmt.Errorf("processor: output channel %v not produced by the voice graph", ref)
			}
			oc.primitive = v.Primitive
			oc.accumHandle = p.buffers.AddBuffer(oc.primitive, p.sampleCapacity, 1)
		}
		p.outputChannels = append(p.outputChannels, oc)
	}

	// Step 4: declare cross-stage concurrency. Must run after every
	// AddBuffer call above (the concurrency matrix is sized once).
	p.buffers.InitializeBufferConcurrency()
	for _, h := range p.inputFloatHandles {
		p.buffers.SetBufferConcurrentWithAll(h)
	}
	for _, h := range p.inputDoubleHandles {
		p.buffers.SetBufferConcurrentWithAll(h)
	}
	for i := range p.voices {
		p.voices[i].DeclareBufferConcurrency()
		for j := i + 1; j < len(p.voices); j++ {
			p.voices[i].DeclareBufferConcurrencyWithOther(p.voices[j])
		}
		if p.effect != nil {
			p.voices[i].DeclareBufferConcurrencyWithOther(p.effect)
		}
	}
	if p.effect != nil {
		p.effect.DeclareBufferConcurrency()
	}
	for k, h := range p.accumHandles {
		for k2, h2 := range p.accumHandles {
			if k2 != k {
				p.buffers.SetBuffersConcurrent(h, h2)
			}
		}
		for _, v := range p.voices {
			src, ok := v.GraphOutputValue(p.prog.VoiceToEffectSources[k])
			if ok && !src.IsConstant {
				p.buffers.SetBuffersConcurrent(h, src.Handle)
			}
		}
	}
	for _, oc := range p.outputChannels {
		if oc.accumHandle == buffer.NoHandle {
			continue
		}
		for _, v := range p.voices {
			src, ok := v.GraphOutputValue(oc.ref)
			if ok && !src.IsConstant {
				p.buffers.SetBuffersConcurrent(oc.accumHandle, src.Handle)
			}
		}
	}

	// Step 5: allocate physical buffer memory.
	if err := p.buffers.Allocate(); err != nil {
		return fmt.Errorf("processor: allocating buffers: %w", err)
	}

	p.remainFlags = make([]bool, len(p.voices))
	return p.buildTaskGraph()
}

// buildTaskGraph wires the static task graph described in spec §4.11
// step 6: begin-block, one fan-out task per voice, per-channel
// accumulation, the effect stage, then per-output-channel conversion.
func (p *Processor) buildTaskGraph() error {
	g := taskgraph.New()
	p.graph = g

	beginIdx := g.AddTask(p.runBeginBlock)

	voicesIdx := g.AddFanOutTask(
		func() int { return len(p.processedVoices) },
		p.runVoice,
	)
	g.AddDependency(beginIdx, voicesIdx)

	applyIdx := g.AddTask(p.runApplyRemainActive)
	g.AddDependency(voicesIdx, applyIdx)

	var accumIndices []int
	for k := range p.accumHandles {
		k := k
		idx := g.AddTask(func() { p.runAccumVoiceToEffect(k) })
		g.AddDependency(voicesIdx, idx)
		accumIndices = append(accumIndices, idx)
	}

	effectIdx := -1
	if p.effect != nil {
		effectIdx = g.AddTask(p.runEffect)
		for _, idx := range accumIndices {
			g.AddDependency(idx, effectIdx)
		}
		if len(accumIndices) == 0 {
			g.AddDependency(voicesIdx, effectIdx)
		}
	}

	for i := range p.outputChannels {
		i := i
		if p.effect != nil {
			convIdx := g.AddTask(func() { p.runConvertOutput(i) })
			g.AddDependency(effectIdx, convIdx)
			continue
		}
		accIdx := g.AddTask(func() { p.runAccumOutputChannel(i) })
		g.AddDependency(voicesIdx, accIdx)
		convIdx := g.AddTask(func() { p.runConvertOutput(i) })
		g.AddDependency(accIdx, convIdx)
	}

	return g.Finalize()
}

// runBeginBlock fills the input buffers from host data and applies
// this block's trigger events, then freezes the set of voices this
// block will run before any of them can be deactivated (spec §4.11
// "Begin block").
func (p *Processor) runBeginBlock() {
	for k, h := range p.inputFloatHandles {
		if k < len(p.inputs) {
			p.buffers.WriteFloat32(h, p.inputs[k].F32)
		}
	}
	for k, h := range p.inputDoubleHandles {
		base := len(p.inputFloatHandles)
		if base+k < len(p.inputs) {
			p.buffers.WriteFloat64(h, p.inputs[base+k].F64)
		}
	}

	p.allocator.BeginBlockVoiceAllocation()
	for _, offset := range p.triggerOffsets {
		p.allocator.TriggerVoice(offset)
	}
	for _, idx := range p.allocator.Deactivated() {
		p.voices[idx].SetActive(false)
	}
	for _, act := range p.allocator.Activated() {
		p.voices[act.VoiceIndex].SetActive(true)
	}

	p.offsets = make(map[int]int, len(p.allocator.Activated()))
	for _, act := range p.allocator.Activated() {
		p.offsets[act.VoiceIndex] = act.SampleIdx
	}
	p.processedVoices = append([]int(nil), p.allocator.ActiveVoices()...)
}

// runVoice processes one active voice (spec §4.11 "one fan-out task
// per voice stage"). Stage.Process is itself synchronous, so the
// fan-out sub-task naturally defers completion until it returns — the
// same effect spec.md describes via an explicit onComplete callback.
func (p *Processor) runVoice(subIdx int) {
	vi := p.processedVoices[subIdx]
	p.remainFlags[vi] = p.voices[vi].Process(p.pool, p.runtimeSampleCount)
}

// runApplyRemainActive deactivates any voice whose stage reported it
// should not remain active, after every voice this block has finished
// running.
func (p *Processor) runApplyRemainActive() {
	for _, vi := range p.processedVoices {
		if !p.remainFlags[vi] {
			p.allocator.DeactivateVoice(vi)
			p.voices[vi].SetActive(false)
		}
	}
}

func (p *Processor) runAccumVoiceToEffect(k int) {
	prim := p.prog.VoiceToEffectTypes[k]
	ref := p.prog.VoiceToEffectSources[k]
	p.accumulateInto(p.accumHandles[k], prim, ref)
}

func (p *Processor) runAccumOutputChannel(i int) {
	oc := p.outputChannels[i]
	p.accumulateInto(oc.accumHandle, oc.primitive, oc.ref)
}

// accumulateInto sums every voice processed this block's value for
// ref into dst, using the constant fast path whenever every
// contributing voice qualifies (spec §4.10, reused for both
// voice-to-effect channels and, absent an effect stage, output
// channels).
func (p *Processor) accumulateInto(dst buffer.Handle, prim program.PrimitiveType, ref program.NodeRef) {
	n := p.runtimeSampleCount
	switch prim {
	case program.PrimitiveFloat:
		var srcs []accumulate.Source[float32]
		for _, vi := range p.processedVoices {
			v, ok := p.voices[vi].GraphOutputValue(ref)
			if !ok {
				continue
			}
			srcs = append(srcs, accumulate.Source[float32]{
				Offset:     p.offsets[vi],
				IsConstant: p.valueIsConstantFloat(v),
				Constant:   p.valueConstantFloat(v),
				Buffer:     p.valueBufferFloat(v, n),
			})
		}
		res := accumulate.Accumulate(srcs, n)
		p.buffers.SetBufferConstant(dst, res.IsConstant)
		if res.IsConstant {
			p.buffers.WriteFloat32(dst, fillFloat32(res.Constant, n))
		} else {
			p.buffers.WriteFloat32(dst, res.Dest)
		}
	case program.PrimitiveDouble:
		var srcs []accumulate.Source[float64]
		for _, vi := range p.processedVoices {
			v, ok := p.voices[vi].GraphOutputValue(ref)
			if !ok {
				continue
			}
			srcs = append(srcs, accumulate.Source[float64]{
				Offset:     p.offsets[vi],
				IsConstant: p.valueIsConstantDouble(v),
				Constant:   p.valueConstantDouble(v),
				Buffer:     p.valueBufferDouble(v, n),
			})
		}
		res := accumulate.Accumulate(srcs, n)
		p.buffers.SetBufferConstant(dst, res.IsConstant)
		if res.IsConstant {
			p.buffers.WriteFloat64(dst, fillFloat64(res.Constant, n))
		} else {
			p.buffers.WriteFloat64(dst, res.Dest)
		}
	case program.PrimitiveInt:
		var srcs []accumulate.Source[int32]
		for _, vi := range p.processedVoices {
			v, ok := p.voices[vi].GraphOutputValue(ref)
			if !ok {
				continue
			}
			srcs = append(srcs, accumulate.Source[int32]{
				Offset:     p.offsets[vi],
				IsConstant: p.valueIsConstantInt(v),
				Constant:   p.valueConstantInt(v),
				Buffer:     p.valueBufferInt(v, n),
			})
		}
		res := accumulate.Accumulate(srcs, n)
		p.buffers.SetBufferConstant(dst, res.IsConstant)
		if res.IsConstant {
			p.buffers.WriteInt32(dst, fillInt32(res.Constant, n))
		} else {
			p.buffers.WriteInt32(dst, res.Dest)
		}
	default:
		p.reportf(nativeapi.ReportError, "processor: bool/string outputs cannot be accumulated")
	}
}

func (p *Processor) valueIsConstantFloat(v stage.Value) bool {
	return v.IsConstant || p.buffers.IsBufferConstant(v.Handle)
}
func (p *Processor) valueConstantFloat(v stage.Value) float32 {
	if v.IsConstant {
		return v.F32
	}
	out := p.buffers.ReadFloat32(v.Handle, 1)
	if len(out) == 0 {
		return 0
	}
	return out[0]
}
func (p *Processor) valueBufferFloat(v stage.Value, n int) []float32 {
	if v.IsConstant || p.buffers.IsBufferConstant(v.Handle) {
		return nil
	}
	return p.buffers.ReadFloat32(v.Handle, n)
}

func (p *Processor) valueIsConstantDouble(v stage.Value) bool {
	return v.IsConstant || p.buffers.IsBufferConstant(v.Handle)
}
func (p *Processor) valueConstantDouble(v stage.Value) float64 {
	if v.IsConstant {
		return v.F64
	}
	out := p.buffers.ReadFloat64(v.Handle, 1)
	if len(out) == 0 {
		return 0
	}
	return out[0]
}
func (p *Processor) valueBufferDouble(v stage.Value, n int) []float64 {
	if v.IsConstant || p.buffers.IsBufferConstant(v.Handle) {
		return nil
	}
	return p.buffers.ReadFloat64(v.Handle, n)
}

func (p *Processor) valueIsConstantInt(v stage.Value) bool {
	return v.IsConstant || p.buffers.IsBufferConstant(v.Handle)
}
func (p *Processor) valueConstantInt(v stage.Value) int32 {
	if v.IsConstant {
		return v.I32
	}
	out := p.buffers.ReadInt32(v.Handle, 1)
	if len(out) == 0 {
		return 0
	}
	return out[0]
}
func (p *Processor) valueBufferInt(v stage.Value, n int) []int32 {
	if v.IsConstant || p.buffers.IsBufferConstant(v.Handle) {
		return nil
	}
	return p.buffers.ReadInt32(v.Handle, n)
}

func fillFloat32(v float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}
func fillFloat64(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
func fillInt32(v int32, n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// runEffect drives the effect stage. Effect-activation gating
// (instrument.effectActivationMode/threshold) is not yet wired to
// skip this call — see DESIGN.md.
func (p *Processor) runEffect() {
	p.effect.Process(p.pool, p.runtimeSampleCount)
}

// runConvertOutput reads output channel i's resolved source and
// writes it into whichever of the caller's F32/F64 slices is
// populated, converting between primitives as needed (spec §4.11
// "performing primitive conversion between f32/f64 as needed").
func (p *Processor) runConvertOutput(i int) {
	if i >= len(p.outputs) {
		return
	}
	oc := p.outputChannels[i]
	n := p.runtimeSampleCount

	var v stage.Value
	if p.effect != nil {
		v, _ = p.effect.GraphOutputValue(oc.ref)
	} else {
		v = stage.Value{Primitive: oc.primitive, Handle: oc.accumHandle}
	}

	dst := p.outputs[i]
	switch oc.primitive {
	case program.PrimitiveFloat:
		samples := p.resolveFloatSamples(v, n)
		writeConverted(dst, samples, nil)
	case program.PrimitiveDouble:
		samples := p.resolveDoubleSamples(v, n)
		writeConverted(dst, nil, samples)
	default:
		p.reportf(nativeapi.ReportError, "processor: output channel has a non-audio primitive")
	}
}

func (p *Processor) resolveFloatSamples(v stage.Value, n int) []float32 {
	if v.IsConstant {
		return fillFloat32(v.F32, n)
	}
	if p.buffers.IsBufferConstant(v.Handle) {
		c := p.valueConstantFloat(v)
		return fillFloat32(c, n)
	}
	return p.buffers.ReadFloat32(v.Handle, n)
}

func (p *Processor) resolveDoubleSamples(v stage.Value, n int) []float64 {
	if v.IsConstant {
		return fillFloat64(v.F64, n)
	}
	if p.buffers.IsBufferConstant(v.Handle) {
		c := p.valueConstantDouble(v)
		return fillFloat64(c, n)
	}
	return p.buffers.ReadFloat64(v.Handle, n)
}

// writeConverted writes src32/src64 (exactly one non-nil) into
// whichever of dst's own F32/F64 slices the host provided.
func writeConverted(dst ChannelSamples, src32 []float32, src64 []float64) {
	if dst.F32 != nil {
		if src32 != nil {
			copy(dst.F32, src32)
			return
		}
		for i, v := range src64 {
			if i >= len(dst.F32) {
				break
			}
			dst.F32[i] = float32(v)
		}
		return
	}
	if dst.F64 != nil {
		if src64 != nil {
			copy(dst.F64, src64)
			return
		}
		for i, v := range src32 {
			if i >= len(dst.F64) {
				break
			}
			dst.F64[i] = float64(v)
		}
	}
}

// Process runs one audio block through the static task graph (spec
// §4.11 "Per-block process(sampleCount, inputs, outputs)"). inputs
// must have one entry per InputChannelsFloat entry followed by one
// per InputChannelsDouble entry, in that order; outputs must have one
// entry per OutputChannels entry with either F32 or F64 populated.
// triggerOffsets are the sample offsets of this block's voice-trigger
// events (spec §6.4).
func (p *Processor) Process(pool *exec.Pool, sampleCount int, inputs, outputs []ChannelSamples, triggerOffsets []int) {
	p.pool = pool
	p.runtimeSampleCount = sampleCount
	p.inputs = inputs
	p.outputs = outputs
	p.triggerOffsets = triggerOffsets
	p.buffers.BeginProcessing(sampleCount)
	p.graph.Run(pool)
}

// ActiveVoiceCount reports how many voices are currently active,
// useful for host telemetry and tests.
func (p *Processor) ActiveVoiceCount() int { return p.allocator.ActiveCount() }

// OutputChannelPrimitives reports each output channel's resolved
// primitive, in Program.OutputChannels order, so a caller can allocate
// matching ChannelSamples slices before the first Process call.
func (p *Processor) OutputChannelPrimitives() []program.PrimitiveType {
	out := make([]program.PrimitiveType, len(p.outputChannels))
	for i, oc := range p.outputChannels {
		out[i] = oc.primitive
	}
	return out
}

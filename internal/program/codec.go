package program

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cbegin/chordrt-go/internal/binio"
)

// Magic is the fixed 12-byte header prefix (spec §6.1).
var Magic = [12]byte{'C', 'H', 'O', 'R', 'D', 'P', 'R', 'O', 'G', 'R', 'A', 'M'}

// CurrentVersion is the only version this codec accepts.
const CurrentVersion uint32 = 0

// Decode parses a full program binary: 12-byte magic, u32 version, 32-byte
// SHA-256 hash, then the payload described in spec §4.2. Any malformed
// input yields (nil, error) and no partial graph (spec §7).
func Decode(data []byte) (*Program, error) {
	r := binio.NewReader(data)

	magic, err := r.ReadBytes(len(Magic))
	if err != nil {
		return nil, fmt.Errorf("program: reading magic: %w", err)
	}
	for i := range Magic {
		if magic[i] != Magic[i] {
			return nil, fmt.Errorf("program: bad magic")
		}
	}

	version, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("program: reading version: %w", err)
	}
	if version != CurrentVersion {
		return nil, fmt.Errorf("program: unsupported version %d", version)
	}

	wantHash, err := r.ReadBytes(32)
	if err != nil {
		return nil, fmt.Errorf("program: reading hash: %w", err)
	}
	var wantHashArr [32]byte
	copy(wantHashArr[:], wantHash)

	payload := data[r.Pos():]
	gotHash := binio.ContentHash(payload)
	if gotHash != wantHashArr {
		return nil, fmt.Errorf("program: hash mismatch")
	}

	return decodePayload(payload)
}

func decodePayload(payload []byte) (*Program, error) {
	r := binio.NewReader(payload)
	p := &Program{}

	nLibDeps, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("program: nLibDeps: %w", err)
	}
	p.LibDeps = make([]LibDependency, nLibDeps)
	for i := range p.LibDeps {
		id, err := r.ReadGUID()
		if err != nil {
			return nil, fmt.Errorf("program: libdep[%d] id: %w", i, err)
		}
		major, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		minor, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		patch, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		p.LibDeps[i] = LibDependency{ID: uuid.UUID(id), Major: major, Minor: minor, Patch: patch}
	}

	sampleRate, err := r.ReadS32()
	if err != nil {
		return nil, err
	}
	inCh, err := r.ReadS32()
	if err != nil {
		return nil, err
	}
	outCh, err := r.ReadS32()
	if err != nil {
		return nil, err
	}
	if sampleRate < 0 || inCh < 0 || outCh < 0 {
		return nil, fmt.Errorf("program: variant properties must be >= 0")
	}
	p.Variant = VariantProperties{SampleRate: int(sampleRate), InputChannelCount: int(inCh), OutputChannelCount: int(outCh)}

	maxVoices, err := r.ReadS32()
	if err != nil {
		return nil, err
	}
	if maxVoices < 0 {
		return nil, fmt.Errorf("program: maxVoices must be >= 0")
	}
	activationMode, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if !EffectActivationMode(activationMode).Valid() {
		return nil, fmt.Errorf("program: invalid effectActivationMode %d", activationMode)
	}
	threshold, err := r.ReadF64()
	if err != nil {
		return nil, err
	}
	if threshold < 0 {
		return nil, fmt.Errorf("program: effectActivationThreshold must be >= 0")
	}
	p.Instrument = InstrumentProperties{
		MaxVoices:                 uint32(maxVoices),
		EffectActivationMode:      EffectActivationMode(activationMode),
		EffectActivationThreshold: threshold,
	}

	nodeCount, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	nodeTypes := make([]NodeType, nodeCount)
	for i := range nodeTypes {
		tag, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		nt := NodeType(tag)
		if !nt.Valid() {
			return nil, fmt.Errorf("program: invalid node type tag %d at index %d", tag, i)
		}
		nodeTypes[i] = nt
	}

	var counts [nodeTypeCount]int32
	refs := make([]NodeRef, nodeCount)
	for i, t := range nodeTypes {
		refs[i] = NodeRef{Type: t, Index: counts[t]}
		counts[t]++
	}

	g := &p.Graph
	g.Inputs = make([]InputNode, counts[NodeInput])
	for i := range g.Inputs {
		g.Inputs[i].Upstream = NoRef
		g.Inputs[i].Processor = NoRef
	}
	g.Outputs = make([]OutputNode, counts[NodeOutput])
	for i := range g.Outputs {
		g.Outputs[i].Processor = NoRef
	}
	g.FloatConstants = make([]FloatConstantNode, counts[NodeFloatConstant])
	g.DoubleConstants = make([]DoubleConstantNode, counts[NodeDoubleConstant])
	g.IntConstants = make([]IntConstantNode, counts[NodeIntConstant])
	g.BoolConstants = make([]BoolConstantNode, counts[NodeBoolConstant])
	g.StringConstants = make([]StringConstantNode, counts[NodeStringConstant])
	g.Arrays = make([]ArrayNode, counts[NodeArray])
	g.NativeModuleCalls = make([]NativeModuleCallNode, counts[NodeNativeModuleCall])
	g.GraphInputs = make([]GraphInputNode, counts[NodeGraphInput])
	g.GraphOutputs = make([]GraphOutputNode, counts[NodeGraphOutput])

	resolve := func(globalIdx uint32) (NodeRef, error) {
		if globalIdx >= nodeCount {
			return NodeRef{}, fmt.Errorf("program: node reference %d out of range (nodeCount=%d)", globalIdx, nodeCount)
		}
		return refs[globalIdx], nil
	}

	attachedInput := make([]bool, counts[NodeInput])

	for i, t := range nodeTypes {
		self := refs[i]
		switch t {
		case NodeInput:
			// Nothing stored; Processor/Upstream are set by the owning
			// node and by the Output that connects to it.
		case NodeOutput:
			nConn, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			conns := make([]NodeRef, nConn)
			for j := uint32(0); j < nConn; j++ {
				idx, err := r.ReadU32()
				if err != nil {
					return nil, err
				}
				ref, err := resolve(idx)
				if err != nil {
					return nil, err
				}
				if ref.Type != NodeInput {
					return nil, fmt.Errorf("program: output connection %d is not an Input node", idx)
				}
				if attachedInput[ref.Index] {
					return nil, fmt.Errorf("program: input node %d already attached", idx)
				}
				attachedInput[ref.Index] = true
				g.Inputs[ref.Index].Upstream = self
				conns[j] = ref
			}
			g.Outputs[self.Index].Downstreams = conns
		case NodeFloatConstant:
			outIdx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			outRef, err := mustOutput(resolve, outIdx)
			if err != nil {
				return nil, err
			}
			val, err := r.ReadF32()
			if err != nil {
				return nil, err
			}
			if err := attachOutputProcessor(g, outRef, self); err != nil {
				return nil, err
			}
			g.FloatConstants[self.Index] = FloatConstantNode{Value: val, Out: outRef}
		case NodeDoubleConstant:
			outIdx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			outRef, err := mustOutput(resolve, outIdx)
			if err != nil {
				return nil, err
			}
			val, err := r.ReadF64()
			if err != nil {
				return nil, err
			}
			if err := attachOutputProcessor(g, outRef, self); err != nil {
				return nil, err
			}
			g.DoubleConstants[self.Index] = DoubleConstantNode{Value: val, Out: outRef}
		case NodeIntConstant:
			outIdx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			outRef, err := mustOutput(resolve, outIdx)
			if err != nil {
				return nil, err
			}
			val, err := r.ReadS32()
			if err != nil {
				return nil, err
			}
			if err := attachOutputProcessor(g, outRef, self); err != nil {
				return nil, err
			}
			g.IntConstants[self.Index] = IntConstantNode{Value: val, Out: outRef}
		case NodeBoolConstant:
			outIdx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			outRef, err := mustOutput(resolve, outIdx)
			if err != nil {
				return nil, err
			}
			val, err := r.ReadU8()
			if err != nil {
				return nil, err
			}
			if val > 1 {
				return nil, fmt.Errorf("program: bool constant value must be 0 or 1")
			}
			if err := attachOutputProcessor(g, outRef, self); err != nil {
				return nil, err
			}
			g.BoolConstants[self.Index] = BoolConstantNode{Value: val != 0, Out: outRef}
		case NodeStringConstant:
			outIdx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			outRef, err := mustOutput(resolve, outIdx)
			if err != nil {
				return nil, err
			}
			length, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			runes := make([]rune, length)
			for k := range runes {
				cp, err := r.ReadU32()
				if err != nil {
					return nil, err
				}
				runes[k] = rune(cp)
			}
			if err := attachOutputProcessor(g, outRef, self); err != nil {
				return nil, err
			}
			g.StringConstants[self.Index] = StringConstantNode{Value: runes, Out: outRef}
		case NodeArray:
			n, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			elems := make([]NodeRef, n)
			for k := uint32(0); k < n; k++ {
				idx, err := r.ReadU32()
				if err != nil {
					return nil, err
				}
				ref, err := resolve(idx)
				if err != nil {
					return nil, err
				}
				if ref.Type != NodeInput {
					return nil, fmt.Errorf("program: array element %d is not an Input node", idx)
				}
				if err := attachInputProcessor(g, ref, self); err != nil {
					return nil, err
				}
				elems[k] = ref
			}
			outIdx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			outRef, err := mustOutput(resolve, outIdx)
			if err != nil {
				return nil, err
			}
			if err := attachOutputProcessor(g, outRef, self); err != nil {
				return nil, err
			}
			g.Arrays[self.Index] = ArrayNode{Elements: elems, Out: outRef}
		case NodeNativeModuleCall:
			libID, err := r.ReadGUID()
			if err != nil {
				return nil, err
			}
			moduleID, err := r.ReadGUID()
			if err != nil {
				return nil, err
			}
			nIn, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			nOut, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			upsample, err := r.ReadS32()
			if err != nil {
				return nil, err
			}
			if upsample <= 0 {
				return nil, fmt.Errorf("program: native module call upsample must be > 0")
			}
			if !p.HasLibDependency(uuid.UUID(libID)) {
				return nil, fmt.Errorf("program: native module call references undeclared library %s", uuid.UUID(libID))
			}
			inputs := make([]NodeRef, nIn)
			for k := uint32(0); k < nIn; k++ {
				idx, err := r.ReadU32()
				if err != nil {
					return nil, err
				}
				ref, err := resolve(idx)
				if err != nil {
					return nil, err
				}
				if ref.Type != NodeInput {
					return nil, fmt.Errorf("program: native module call input %d is not an Input node", idx)
				}
				if err := attachInputProcessor(g, ref, self); err != nil {
					return nil, err
				}
				inputs[k] = ref
			}
			outputs := make([]NodeRef, nOut)
			for k := uint32(0); k < nOut; k++ {
				idx, err := r.ReadU32()
				if err != nil {
					return nil, err
				}
				ref, err := resolve(idx)
				if err != nil {
					return nil, err
				}
				if ref.Type != NodeOutput {
					return nil, fmt.Errorf("program: native module call output %d is not an Output node", idx)
				}
				if err := attachOutputProcessor(g, ref, self); err != nil {
					return nil, err
				}
				outputs[k] = ref
			}
			g.NativeModuleCalls[self.Index] = NativeModuleCallNode{
				LibID: uuid.UUID(libID), ModuleID: uuid.UUID(moduleID),
				Upsample: upsample, Inputs: inputs, Outputs: outputs,
			}
		case NodeGraphInput:
			outIdx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			outRef, err := mustOutput(resolve, outIdx)
			if err != nil {
				return nil, err
			}
			if err := attachOutputProcessor(g, outRef, self); err != nil {
				return nil, err
			}
			g.GraphInputs[self.Index] = GraphInputNode{Out: outRef}
		case NodeGraphOutput:
			inIdx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			inRef, err := resolve(inIdx)
			if err != nil {
				return nil, err
			}
			if inRef.Type != NodeInput {
				return nil, fmt.Errorf("program: graph output %d input is not an Input node", inIdx)
			}
			if err := attachInputProcessor(g, inRef, self); err != nil {
				return nil, err
			}
			g.GraphOutputs[self.Index] = GraphOutputNode{In: inRef}
		default:
			return nil, fmt.Errorf("program: unhandled node type %d", t)
		}
	}

	for i := range g.Inputs {
		if !g.Inputs[i].Upstream.IsSet() {
			return nil, fmt.Errorf("program: input node %d has no connection", i)
		}
		if !g.Inputs[i].Processor.IsSet() {
			return nil, fmt.Errorf("program: input node %d is not owned by any processor", i)
		}
	}
	for i := range g.Outputs {
		if !g.Outputs[i].Processor.IsSet() {
			return nil, fmt.Errorf("program: output node %d is not owned by any processor", i)
		}
	}

	if err := decodeTables(r, p, resolve); err != nil {
		return nil, err
	}

	if !r.AtEnd() {
		return nil, fmt.Errorf("program: %d trailing bytes after payload", r.Len()-r.Pos())
	}

	if err := detectCycles(p); err != nil {
		return nil, err
	}

	return p, nil
}

// attachOutputProcessor claims outRef for self, failing if some earlier
// node already claimed it (spec invariant: every Output is owned by
// exactly one processor node).
func attachOutputProcessor(g *Graph, outRef, self NodeRef) error {
	if g.Outputs[outRef.Index].Processor.IsSet() {
		return fmt.Errorf("program: output node %d already owned by processor node %v", outRef.Index, g.Outputs[outRef.Index].Processor)
	}
	g.Outputs[outRef.Index].Processor = self
	return nil
}

// attachInputProcessor claims inRef for self, failing if some earlier
// node already claimed it (spec invariant: every Input is owned by
// exactly one processor node).
func attachInputProcessor(g *Graph, inRef, self NodeRef) error {
	if g.Inputs[inRef.Index].Processor.IsSet() {
		return fmt.Errorf("program: input node %d already owned by processor node %v", inRef.Index, g.Inputs[inRef.Index].Processor)
	}
	g.Inputs[inRef.Index].Processor = self
	return nil
}

func mustOutput(resolve func(uint32) (NodeRef, error), idx uint32) (NodeRef, error) {
	ref, err := resolve(idx)
	if err != nil {
		return NodeRef{}, err
	}
	if ref.Type != NodeOutput {
		return NodeRef{}, fmt.Errorf("program: node %d is not an Output node", idx)
	}
	return ref, nil
}

func decodeTables(r *binio.Reader, p *Program, resolve func(uint32) (NodeRef, error)) error {
	readOptionalRefList := func(wantType NodeType) ([]NodeRef, error) {
		present, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		if present == 0 {
			return nil, nil
		}
		n, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		out := make([]NodeRef, n)
		for i := uint32(0); i < n; i++ {
			idx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			ref, err := resolve(idx)
			if err != nil {
				return nil, err
			}
			if ref.Type != wantType {
				return nil, fmt.Errorf("program: table entry %d expected node type %d, got %d", idx, wantType, ref.Type)
			}
			out[i] = ref
		}
		return out, nil
	}

	var err error
	if p.InputChannelsFloat, err = readOptionalRefList(NodeGraphInput); err != nil {
		return err
	}
	if p.InputChannelsDouble, err = readOptionalRefList(NodeGraphInput); err != nil {
		return err
	}
	if p.OutputChannels, err = readOptionalRefList(NodeGraphOutput); err != nil {
		return err
	}
	voiceRemain, err := readOptionalRefList(NodeGraphOutput)
	if err != nil {
		return err
	}
	if len(voiceRemain) > 0 {
		p.VoiceRemainActive = &voiceRemain[0]
	}
	effectRemain, err := readOptionalRefList(NodeGraphOutput)
	if err != nil {
		return err
	}
	if len(effectRemain) > 0 {
		p.EffectRemainActive = &effectRemain[0]
	}

	nV2E, err := r.ReadU32()
	if err != nil {
		return err
	}
	types := make([]PrimitiveType, nV2E)
	for i := range types {
		tag, err := r.ReadU8()
		if err != nil {
			return err
		}
		pt := PrimitiveType(tag)
		if !pt.Valid() {
			return fmt.Errorf("program: invalid voiceToEffect primitive type %d", tag)
		}
		types[i] = pt
	}
	sources := make([]NodeRef, nV2E)
	for i := range sources {
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		ref, err := resolve(idx)
		if err != nil {
			return err
		}
		if ref.Type != NodeGraphOutput {
			return fmt.Errorf("program: voiceToEffect source %d is not a GraphOutput", idx)
		}
		sources[i] = ref
	}
	sinks := make([]NodeRef, nV2E)
	for i := range sinks {
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		ref, err := resolve(idx)
		if err != nil {
			return err
		}
		if ref.Type != NodeGraphInput {
			return fmt.Errorf("program: voiceToEffect sink %d is not a GraphInput", idx)
		}
		sinks[i] = ref
	}
	p.VoiceToEffectTypes = types
	p.VoiceToEffectSources = sources
	p.VoiceToEffectSinks = sinks

	readProcessorList := func() ([]NodeRef, error) {
		present, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		if present == 0 {
			return nil, nil
		}
		n, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		out := make([]NodeRef, n)
		for i := uint32(0); i < n; i++ {
			idx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			ref, err := resolve(idx)
			if err != nil {
				return nil, err
			}
			out[i] = ref
		}
		return out, nil
	}
	if p.VoiceGraphRoots, err = readProcessorList(); err != nil {
		return err
	}
	if p.EffectGraphRoots, err = readProcessorList(); err != nil {
		return err
	}

	if len(p.VoiceToEffectSources) != len(p.VoiceToEffectTypes) || len(p.VoiceToEffectSinks) != len(p.VoiceToEffectTypes) {
		return fmt.Errorf("program: voiceToEffect input/output list length mismatch")
	}

	return nil
}

type nodeKey struct {
	t NodeType
	i int32
}

// detectCycles walks Input→Upstream edges from each processor-owning node
// to its producers. Only NativeModuleCall and Array nodes can have more
// than one incoming edge and sit downstream of another processor node,
// so a cycle can only arise through them (spec invariant 6, §9: feedback
// edges are anticipated but unsupported).
func detectCycles(p *Program) error {
	g := &p.Graph
	adj := map[nodeKey][]nodeKey{}
	addEdge := func(from, to NodeRef) {
		fk, tk := nodeKey{from.Type, from.Index}, nodeKey{to.Type, to.Index}
		adj[fk] = append(adj[fk], tk)
	}
	for i := range g.Inputs {
		in := g.Inputs[i]
		if !in.Upstream.IsSet() || !in.Processor.IsSet() {
			continue
		}
		producer := g.Outputs[in.Upstream.Index].Processor
		consumer := in.Processor
		if producer.IsSet() && consumer.IsSet() {
			addEdge(producer, consumer)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[nodeKey]int{}
	var visit func(n nodeKey) error
	visit = func(n nodeKey) error {
		switch color[n] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("program: cycle detected in graph")
		}
		color[n] = gray
		for _, next := range adj[n] {
			if err := visit(next); err != nil {
				return err
			}
		}
		color[n] = black
		return nil
	}
	for n := range adj {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

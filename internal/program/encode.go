package program

import (
	"github.com/cbegin/chordrt-go/internal/binio"
)

// Encode serializes p back into the binary format Decode reads: magic,
// version, content hash, then the payload in the exact field order
// decodePayload expects. Used by GraphBuilder-driven tests and
// cmd/chordbuild; never by the runtime itself, which only ever decodes.
func Encode(p *Program) ([]byte, error) {
	payload := encodePayload(p)

	w := binio.NewWriter()
	w.WriteBytes(Magic[:])
	w.WriteU32(CurrentVersion)
	hash := binio.ContentHash(payload)
	w.WriteBytes(hash[:])
	w.WriteBytes(payload)
	return w.Bytes(), nil
}

var nodeTypeOrder = [...]NodeType{
	NodeInput, NodeOutput, NodeFloatConstant, NodeDoubleConstant, NodeIntConstant,
	NodeBoolConstant, NodeStringConstant, NodeArray, NodeNativeModuleCall,
	NodeGraphInput, NodeGraphOutput,
}

// globalIndexer assigns a decode-compatible global node index to every
// ref, using the same per-type counting order Decode uses to build its
// own refs table.
type globalIndexer struct {
	prefix [nodeTypeCount]uint32
}

func newGlobalIndexer(g *Graph) *globalIndexer {
	counts := [nodeTypeCount]uint32{
		NodeInput:            uint32(len(g.Inputs)),
		NodeOutput:           uint32(len(g.Outputs)),
		NodeFloatConstant:    uint32(len(g.FloatConstants)),
		NodeDoubleConstant:   uint32(len(g.DoubleConstants)),
		NodeIntConstant:      uint32(len(g.IntConstants)),
		NodeBoolConstant:     uint32(len(g.BoolConstants)),
		NodeStringConstant:   uint32(len(g.StringConstants)),
		NodeArray:            uint32(len(g.Arrays)),
		NodeNativeModuleCall: uint32(len(g.NativeModuleCalls)),
		NodeGraphInput:       uint32(len(g.GraphInputs)),
		NodeGraphOutput:      uint32(len(g.GraphOutputs)),
	}
	gi := &globalIndexer{}
	var running uint32
	for _, t := range nodeTypeOrder {
		gi.prefix[t] = running
		running += counts[t]
	}
	return gi
}

func (gi *globalIndexer) of(r NodeRef) uint32 { return gi.prefix[r.Type] + uint32(r.Index) }

func encodePayload(p *Program) []byte {
	w := binio.NewWriter()
	g := &p.Graph

	w.WriteU32(uint32(len(p.LibDeps)))
	for _, d := range p.LibDeps {
		w.WriteGUID(d.ID)
		w.WriteU32(d.Major)
		w.WriteU32(d.Minor)
		w.WriteU32(d.Patch)
	}

	w.WriteS32(int32(p.Variant.SampleRate))
	w.WriteS32(int32(p.Variant.InputChannelCount))
	w.WriteS32(int32(p.Variant.OutputChannelCount))

	w.WriteS32(int32(p.Instrument.MaxVoices))
	w.WriteU32(uint32(p.Instrument.EffectActivationMode))
	w.WriteF64(p.Instrument.EffectActivationThreshold)

	gi := newGlobalIndexer(g)

	nodeCount := uint32(len(g.Inputs) + len(g.Outputs) + len(g.FloatConstants) + len(g.DoubleConstants) +
		len(g.IntConstants) + len(g.BoolConstants) + len(g.StringConstants) + len(g.Arrays) +
		len(g.NativeModuleCalls) + len(g.GraphInputs) + len(g.GraphOutputs))
	w.WriteU32(nodeCount)
	for _, t := range nodeTypeOrder {
		n := countForType(g, t)
		for i := 0; i < n; i++ {
			w.WriteU8(uint8(t))
		}
	}

	for i := range g.Inputs {
		_ = i // Input nodes carry no payload of their own (spec §4.2).
	}
	for i := range g.Outputs {
		conns := g.Outputs[i].Downstreams
		w.WriteU32(uint32(len(conns)))
		for _, c := range conns {
			w.WriteU32(gi.of(c))
		}
	}
	for i := range g.FloatConstants {
		n := g.FloatConstants[i]
		w.WriteU32(gi.of(n.Out))
		w.WriteF32(n.Value)
	}
	for i := range g.DoubleConstants {
		n := g.DoubleConstants[i]
		w.WriteU32(gi.of(n.Out))
		w.WriteF64(n.Value)
	}
	for i := range g.IntConstants {
		n := g.IntConstants[i]
		w.WriteU32(gi.of(n.Out))
		w.WriteS32(n.Value)
	}
	for i := range g.BoolConstants {
		n := g.BoolConstants[i]
		w.WriteU32(gi.of(n.Out))
		w.WriteBool(n.Value)
	}
	for i := range g.StringConstants {
		n := g.StringConstants[i]
		w.WriteU32(gi.of(n.Out))
		w.WriteU32(uint32(len(n.Value)))
		for _, r := range n.Value {
			w.WriteU32(uint32(r))
		}
	}
	for i := range g.Arrays {
		n := g.Arrays[i]
		w.WriteU32(uint32(len(n.Elements)))
		for _, e := range n.Elements {
			w.WriteU32(gi.of(e))
		}
		w.WriteU32(gi.of(n.Out))
	}
	for i := range g.NativeModuleCalls {
		n := g.NativeModuleCalls[i]
		w.WriteGUID(n.LibID)
		w.WriteGUID(n.ModuleID)
		w.WriteU32(uint32(len(n.Inputs)))
		w.WriteU32(uint32(len(n.Outputs)))
		w.WriteS32(n.Upsample)
		for _, in := range n.Inputs {
			w.WriteU32(gi.of(in))
		}
		for _, out := range n.Outputs {
			w.WriteU32(gi.of(out))
		}
	}
	for i := range g.GraphInputs {
		w.WriteU32(gi.of(g.GraphInputs[i].Out))
	}
	for i := range g.GraphOutputs {
		w.WriteU32(gi.of(g.GraphOutputs[i].In))
	}

	writeOptionalRefs := func(refs []NodeRef) {
		if refs == nil {
			w.WriteU8(0)
			return
		}
		w.WriteU8(1)
		w.WriteU32(uint32(len(refs)))
		for _, r := range refs {
			w.WriteU32(gi.of(r))
		}
	}

	writeOptionalRefs(p.InputChannelsFloat)
	writeOptionalRefs(p.InputChannelsDouble)
	writeOptionalRefs(p.OutputChannels)
	if p.VoiceRemainActive != nil {
		writeOptionalRefs([]NodeRef{*p.VoiceRemainActive})
	} else {
		writeOptionalRefs(nil)
	}
	if p.EffectRemainActive != nil {
		writeOptionalRefs([]NodeRef{*p.EffectRemainActive})
	} else {
		writeOptionalRefs(nil)
	}

	w.WriteU32(uint32(len(p.VoiceToEffectTypes)))
	for _, t := range p.VoiceToEffectTypes {
		w.WriteU8(uint8(t))
	}
	for _, r := range p.VoiceToEffectSources {
		w.WriteU32(gi.of(r))
	}
	for _, r := range p.VoiceToEffectSinks {
		w.WriteU32(gi.of(r))
	}

	writeOptionalRefs(p.VoiceGraphRoots)
	writeOptionalRefs(p.EffectGraphRoots)

	return w.Bytes()
}

func countForType(g *Graph, t NodeType) int {
	switch t {
	case NodeInput:
		return len(g.Inputs)
	case NodeOutput:
		return len(g.Outputs)
	case NodeFloatConstant:
		return len(g.FloatConstants)
	case NodeDoubleConstant:
		return len(g.DoubleConstants)
	case NodeIntConstant:
		return len(g.IntConstants)
	case NodeBoolConstant:
		return len(g.BoolConstants)
	case NodeStringConstant:
		return len(g.StringConstants)
	case NodeArray:
		return len(g.Arrays)
	case NodeNativeModuleCall:
		return len(g.NativeModuleCalls)
	case NodeGraphInput:
		return len(g.GraphInputs)
	case NodeGraphOutput:
		return len(g.GraphOutputs)
	default:
		return 0
	}
}

// Command chordbuild builds a compiled program binary from a small,
// fixed demo instrument (an oscillator-and-gain voice graph through a
// delay effect) and writes it to disk. It replaces the teacher's MML
// text compiler, which had no home once program compilation moved
// entirely out of scope for this engine (spec §1 Non-goals); a
// program is built in Go directly against internal/program.GraphBuilder
// instead of parsed from a text score.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/cbegin/chordrt-go/internal/nativelib/core"
	"github.com/cbegin/chordrt-go/internal/program"
)

func main() {
	var (
		out        = flag.String("out", "demo.chordprog", "output path for the compiled program")
		sampleRate = flag.Int("sample-rate", 48000, "program sample rate")
		maxVoices  = flag.Uint("max-voices", 8, "maximum concurrent voices")
	)
	flag.Parse()

	prog, err := buildDemoProgram(*sampleRate, uint32(*maxVoices))
	if err != nil {
		log.Fatalf("build demo program: %v", err)
	}

	data, err := program.Encode(prog)
	if err != nil {
		log.Fatalf("encode program: %v", err)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		log.Fatalf("write %q: %v", *out, err)
	}
	log.Printf("wrote %s (%d bytes, %d voices, sample rate %d)", *out, len(data), *maxVoices, *sampleRate)
}

// buildDemoProgram wires one host trigger-gated voice (a sine
// oscillator at a fixed frequency through a fixed gain stage) whose
// output feeds a shared delay effect, which is the program's sole
// output channel.
func buildDemoProgram(sampleRate int, maxVoices uint32) (*program.Program, error) {
	b := program.NewGraphBuilder(
		program.VariantProperties{SampleRate: sampleRate, InputChannelCount: 0, OutputChannelCount: 1},
		program.InstrumentProperties{MaxVoices: maxVoices, EffectActivationMode: program.EffectActivationAlways},
	)
	b.AddLibDependency(core.LibraryID, 1, 0, 0)

	freq := b.AddFloatConstant(220)
	amp := b.AddFloatConstant(0.3)
	waveform := b.AddFloatConstant(0) // sine
	oscOut := b.AddNativeModuleCall(core.LibraryID, core.OscillatorID, 1, []program.NodeRef{freq, amp, waveform}, 1)

	gainAmount := b.AddFloatConstant(0.8)
	gainOut := b.AddNativeModuleCall(core.LibraryID, core.GainID, 1, []program.NodeRef{gainAmount, oscOut[0]}, 1)
	voiceOut := b.AddGraphOutput(gainOut[0])
	b.SetVoiceGraphRoots([]program.NodeRef{voiceOut})

	effectIn := b.AddGraphInput()
	delayMs := b.AddFloatConstant(180)
	feedback := b.AddFloatConstant(0.35)
	wet := b.AddFloatConstant(0.3)
	delayOut := b.AddNativeModuleCall(core.LibraryID, core.DelayID, 1, []program.NodeRef{delayMs, feedback, wet, b.GraphInputOutput(effectIn)}, 1)
	effectOut := b.AddGraphOutput(delayOut[0])
	b.SetEffectGraphRoots([]program.NodeRef{effectOut})
	b.SetOutputChannels([]program.NodeRef{effectOut})

	b.AddVoiceToEffectChannel(program.PrimitiveFloat, voiceOut, effectIn)

	return b.Build()
}

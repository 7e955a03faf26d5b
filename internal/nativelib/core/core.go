// Package core is the in-process reference native library: a small
// set of audio modules (gain staging, delay-based effects, an
// equalizer, a low-frequency oscillator) exercising the native-module
// ABI (spec §4.3/§6.2). The DSP itself is carried over from a stereo
// per-sample effects chain into per-block calls over mono buffer
// arguments, since every buffer in this engine is single-primitive
// (spec §3) rather than a channel pair.
//
// Modules that retain state across blocks (Delay, Chorus, Reverb,
// Distortion's post-filter, Compressor, EQ3Band, LFO, Oscillator)
// store that state directly in the scratch memory InitializeVoice
// reserves, since Invoke is the only hook that receives it — see
// DESIGN.md for the retained-state boundary this implies.
package core

import (
	"encoding/binary"
	"math"

	"github.com/cbegin/chordrt-go/internal/nativeapi"
	"github.com/cbegin/chordrt-go/internal/program"
	"github.com/google/uuid"
)

// Fixed, stable module/library identifiers so a program compiled by
// cmd/chordbuild and a host process registering this library agree on
// which NativeModuleCallNode refers to which module without a shared
// runtime registry lookup step.
var (
	LibraryID    = uuid.MustParse("c1cc0000-0000-4000-8000-000000000000")
	AddID        = uuid.MustParse("c1cc0000-0000-4000-8000-000000000001")
	MultiplyID   = uuid.MustParse("c1cc0000-0000-4000-8000-000000000002")
	GainID       = uuid.MustParse("c1cc0000-0000-4000-8000-000000000003")
	DelayID      = uuid.MustParse("c1cc0000-0000-4000-8000-000000000004")
	ChorusID     = uuid.MustParse("c1cc0000-0000-4000-8000-000000000005")
	ReverbID     = uuid.MustParse("c1cc0000-0000-4000-8000-000000000006")
	DistortionID = uuid.MustParse("c1cc0000-0000-4000-8000-000000000007")
	CompressorID = uuid.MustParse("c1cc0000-0000-4000-8000-000000000008")
	EQ3BandID    = uuid.MustParse("c1cc0000-0000-4000-8000-000000000009")
	LFOID        = uuid.MustParse("c1cc0000-0000-4000-8000-00000000000a")
	OscillatorID = uuid.MustParse("c1cc0000-0000-4000-8000-00000000000b")
)

// maxDelaySeconds bounds every delay-line module's scratch allocation;
// a call asking for more than this via its delayMs argument is clamped
// rather than reallocating scratch (InitializeVoice sizes scratch from
// ctx.SampleRate alone, before any argument value is known).
const maxDelaySeconds = 1.0

func floatParam(name string) nativeapi.Parameter {
	return nativeapi.Parameter{Direction: nativeapi.DirectionIn, Name: name, Type: nativeapi.DataType{RuntimeMutability: nativeapi.MutabilityConstant, Primitive: uint8(program.PrimitiveFloat)}}
}

func bufIn(name string) nativeapi.Parameter {
	return nativeapi.Parameter{Direction: nativeapi.DirectionIn, Name: name, Type: nativeapi.DataType{RuntimeMutability: nativeapi.MutabilityVariable, Primitive: uint8(program.PrimitiveFloat)}}
}

func bufOut(name string) nativeapi.Parameter {
	return nativeapi.Parameter{Direction: nativeapi.DirectionOut, Name: name, Type: nativeapi.DataType{RuntimeMutability: nativeapi.MutabilityVariable, Primitive: uint8(program.PrimitiveFloat)}}
}

// scratchFloats is a fixed-slot float32 state view over a module's
// scratch bytes, the same little-endian marshaling internal/buffer's
// typed views use.
type scratchFloats struct{ b []byte }

func (s scratchFloats) get(i int) float32 {
	off := i * 4
	if off+4 > len(s.b) {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(s.b[off:]))
}

func (s scratchFloats) set(i int, v float32) {
	off := i * 4
	if off+4 > len(s.b) {
		return
	}
	binary.LittleEndian.PutUint32(s.b[off:], math.Float32bits(v))
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func initVoiceFloats(n int) func(ctx *nativeapi.Context) (any, int, int, error) {
	return func(ctx *nativeapi.Context) (any, int, int, error) {
		return nil, n * 4, 4, nil
	}
}

func addModule() nativeapi.Module {
	return nativeapi.Module{
		ID: AddID,
		Signature: nativeapi.Signature{
			Name:                 "add",
			Parameters:           []nativeapi.Parameter{bufIn("a"), bufIn("b"), bufOut("sum")},
			ReturnParameterIndex: -1,
		},
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			a, b, out := args.Arguments[0].FloatBuf, args.Arguments[1].FloatBuf, args.Arguments[2].FloatBuf
			for i := range out {
				out[i] = a[i] + b[i]
			}
			return nil
		},
	}
}

func multiplyModule() nativeapi.Module {
	return nativeapi.Module{
		ID: MultiplyID,
		Signature: nativeapi.Signature{
			Name:                 "multiply",
			Parameters:           []nativeapi.Parameter{bufIn("a"), bufIn("b"), bufOut("product")},
			ReturnParameterIndex: -1,
		},
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			a, b, out := args.Arguments[0].FloatBuf, args.Arguments[1].FloatBuf, args.Arguments[2].FloatBuf
			for i := range out {
				out[i] = a[i] * b[i]
			}
			return nil
		},
	}
}

func gainModule() nativeapi.Module {
	return nativeapi.Module{
		ID: GainID,
		Signature: nativeapi.Signature{
			Name:                 "gain",
			Parameters:           []nativeapi.Parameter{floatParam("amount"), bufIn("in"), bufOut("out")},
			ReturnParameterIndex: -1,
		},
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			amount := args.Arguments[0].Float
			in, out := args.Arguments[1].FloatBuf, args.Arguments[2].FloatBuf
			for i := range out {
				out[i] = in[i] * amount
			}
			return nil
		},
	}
}

// delayModule implements a feedback delay line (teacher's
// internal/effects/delay.go), mono and without the cross-channel mix
// term a stereo pair would have.
func delayModule() nativeapi.Module {
	return nativeapi.Module{
		ID: DelayID,
		Signature: nativeapi.Signature{
			Name:                 "delay",
			Parameters:           []nativeapi.Parameter{floatParam("delayMs"), floatParam("feedback"), floatParam("wet"), bufIn("in"), bufOut("out")},
			ReturnParameterIndex: -1,
		},
		InitializeVoice: func(ctx *nativeapi.Context) (any, int, int, error) {
			capSamples := int(maxDelaySeconds * float64(ctx.SampleRate))
			// one extra float slot at the end holds the write position
			return nil, (capSamples + 1) * 4, 4, nil
		},
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			delayMs := args.Arguments[0].Float
			feedback := clamp(args.Arguments[1].Float, 0, 0.95)
			wet := clamp(args.Arguments[2].Float, 0, 1)
			in, out := args.Arguments[3].FloatBuf, args.Arguments[4].FloatBuf

			capSamples := len(scratch)/4 - 1
			sf := scratchFloats{scratch}
			delaySamples := int(delayMs * float32(ctx.SampleRate) / 1000)
			if delaySamples < 1 {
				delaySamples = 1
			}
			if delaySamples > capSamples {
				delaySamples = capSamples
			}
			pos := int(sf.get(capSamples))

			for i, x := range in {
				readPos := pos - delaySamples
				for readPos < 0 {
					readPos += delaySamples
				}
				delayed := sf.get(readPos % delaySamples)
				sf.set(pos%delaySamples, x+delayed*feedback)
				out[i] = x*(1-wet) + delayed*wet
				pos++
			}
			sf.set(capSamples, float32(pos%delaySamples))
			return nil
		},
	}
}

// chorusModule implements a modulated delay (teacher's
// internal/effects/chorus.go), mono.
func chorusModule() nativeapi.Module {
	const phaseSlot = 0 // float state slots: [0]=phase, [1]=write pos, [2..]=delay line

	return nativeapi.Module{
		ID: ChorusID,
		Signature: nativeapi.Signature{
			Name:                 "chorus",
			Parameters:           []nativeapi.Parameter{floatParam("depthMs"), floatParam("rateHz"), floatParam("feedback"), floatParam("wet"), bufIn("in"), bufOut("out")},
			ReturnParameterIndex: -1,
		},
		InitializeVoice: func(ctx *nativeapi.Context) (any, int, int, error) {
			// base delay is fixed at half the capacity; depth modulates
			// around it within the remaining headroom.
			capSamples := int(maxDelaySeconds * float64(ctx.SampleRate) / 4)
			return nil, (capSamples + 2) * 4, 4, nil
		},
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			depthMs := args.Arguments[0].Float
			rateHz := args.Arguments[1].Float
			feedback := clamp(args.Arguments[2].Float, 0, 0.9)
			wet := clamp(args.Arguments[3].Float, 0, 1)
			in, out := args.Arguments[4].FloatBuf, args.Arguments[5].FloatBuf

			capSamples := len(scratch)/4 - 2
			sf := scratchFloats{scratch}
			depthSamples := depthMs * float32(ctx.SampleRate) / 1000
			rate := 2 * math.Pi * float64(rateHz) / float64(ctx.SampleRate)
			phase := float64(sf.get(phaseSlot))
			pos := int(sf.get(1))
			base := float32(capSamples / 2)

			for i, x := range in {
				mod := float32(math.Sin(phase)) * depthSamples
				phase += rate
				if phase > 2*math.Pi {
					phase -= 2 * math.Pi
				}
				delay := base + mod
				readPos := float32(pos) - delay
				for readPos < 0 {
					readPos += float32(capSamples)
				}
				idx := int(readPos) % capSamples
				idx2 := (idx + 1) % capSamples
				frac := readPos - float32(int(readPos))
				delayed := sf.get(2+idx)*(1-frac) + sf.get(2+idx2)*frac
				sf.set(2+pos, x+delayed*feedback)

				pos++
				if pos >= capSamples {
					pos = 0
				}
				out[i] = x*(1-wet) + delayed*wet
			}
			sf.set(phaseSlot, float32(phase))
			sf.set(1, float32(pos))
			return nil
		},
	}
}

// reverbModule implements a Schroeder reverb (teacher's
// internal/effects/reverb.go) collapsed to mono: four comb filters
// summed and run through two allpass filters.
func reverbModule() nativeapi.Module {
	combRatios := [4]float64{1.0, 1.117, 1.271, 1.437}
	allpassRatios := [2]float64{0.347, 0.213}

	return nativeapi.Module{
		ID: ReverbID,
		Signature: nativeapi.Signature{
			Name:                 "reverb",
			Parameters:           []nativeapi.Parameter{floatParam("roomSize"), floatParam("feedback"), floatParam("wet"), bufIn("in"), bufOut("out")},
			ReturnParameterIndex: -1,
		},
		InitializeVoice: func(ctx *nativeapi.Context) (any, int, int, error) {
			base := int(float64(ctx.SampleRate) * 0.05) // roomSize=1 upper bound
			var total int
			for _, r := range combRatios {
				total += int(float64(base)*r) + 1
			}
			for _, r := range allpassRatios {
				total += int(float64(base)*r) + 1
			}
			// 6 position counters (one per filter) plus the delay lines
			return nil, (total + 6) * 4, 4, nil
		},
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			roomSize := args.Arguments[0].Float
			feedback := clamp(args.Arguments[1].Float, 0, 0.95)
			wet := clamp(args.Arguments[2].Float, 0, 1)
			in, out := args.Arguments[3].FloatBuf, args.Arguments[4].FloatBuf

			sf := scratchFloats{scratch}
			base := int(float64(roomSize) * float64(ctx.SampleRate) * 0.05)
			if base < 10 {
				base = 10
			}
			var lens [6]int
			for i, r := range combRatios {
				lens[i] = int(float64(base) * r)
				if lens[i] < 1 {
					lens[i] = 1
				}
			}
			for i, r := range allpassRatios {
				lens[4+i] = int(float64(base) * r)
				if lens[4+i] < 1 {
					lens[4+i] = 1
				}
			}
			var offs [6]int
			off := 6
			for i, l := range lens {
				offs[i] = off
				off += l
			}
			capTotal := off
			if capTotal > len(scratch)/4-6 {
				// room size asked for more than scratch holds; clamp
				// every line proportionally down to what fits.
				scale := float64(len(scratch)/4-6) / float64(capTotal)
				off = 6
				for i := range lens {
					lens[i] = int(float64(lens[i]) * scale)
					if lens[i] < 1 {
						lens[i] = 1
					}
					offs[i] = off
					off += lens[i]
				}
			}

			for i, x := range in {
				mono := x
				var combSum float32
				for c := 0; c < 4; c++ {
					pos := int(sf.get(c))
					bufOff := offs[c]
					cur := sf.get(bufOff + pos%lens[c])
					sf.set(bufOff+pos%lens[c], mono+cur*feedback)
					combSum += cur
					sf.set(c, float32((pos+1)%lens[c]))
				}
				wetSig := combSum * 0.25
				for a := 0; a < 2; a++ {
					pos := int(sf.get(4 + a))
					bufOff := offs[4+a]
					bufOut := sf.get(bufOff + pos%lens[4+a])
					apOut := -wetSig + bufOut
					sf.set(bufOff+pos%lens[4+a], wetSig+bufOut*0.5)
					sf.set(4+a, float32((pos+1)%lens[4+a]))
					wetSig = apOut
				}
				out[i] = x*(1-wet) + wetSig*wet
			}
			return nil
		},
	}
}

// distortionModule implements tanh waveshaping with an optional
// one-pole lowpass (teacher's internal/effects/distortion.go).
func distortionModule() nativeapi.Module {
	return nativeapi.Module{
		ID: DistortionID,
		Signature: nativeapi.Signature{
			Name:                 "distortion",
			Parameters:           []nativeapi.Parameter{floatParam("preGain"), floatParam("postGain"), floatParam("lpfCutoffHz"), bufIn("in"), bufOut("out")},
			ReturnParameterIndex: -1,
		},
		InitializeVoice: initVoiceFloats(1), // [0] = lowpass state
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			preGain := args.Arguments[0].Float
			postGain := args.Arguments[1].Float
			lpfCutoff := args.Arguments[2].Float
			in, out := args.Arguments[3].FloatBuf, args.Arguments[4].FloatBuf

			sf := scratchFloats{scratch}
			var alpha float32
			if lpfCutoff > 0 && float64(lpfCutoff) < float64(ctx.SampleRate)/2 {
				rc := 1.0 / (2.0 * math.Pi * float64(lpfCutoff))
				dt := 1.0 / float64(ctx.SampleRate)
				alpha = float32(dt / (rc + dt))
			}
			lpf := sf.get(0)
			for i, x := range in {
				x *= preGain
				x = float32(math.Tanh(float64(x)))
				x *= postGain
				if alpha > 0 {
					lpf += alpha * (x - lpf)
					x = lpf
				}
				out[i] = x
			}
			sf.set(0, lpf)
			return nil
		},
	}
}

// compressorModule implements an envelope-follower compressor
// (teacher's internal/effects/compressor.go), mono.
func compressorModule() nativeapi.Module {
	return nativeapi.Module{
		ID: CompressorID,
		Signature: nativeapi.Signature{
			Name:                 "compressor",
			Parameters:           []nativeapi.Parameter{floatParam("thresholdDb"), floatParam("ratio"), floatParam("attackMs"), floatParam("releaseMs"), floatParam("makeupDb"), bufIn("in"), bufOut("out")},
			ReturnParameterIndex: -1,
		},
		InitializeVoice: initVoiceFloats(1), // [0] = envelope state
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			thresholdDb := args.Arguments[0].Float
			ratio := args.Arguments[1].Float
			attackMs := args.Arguments[2].Float
			releaseMs := args.Arguments[3].Float
			makeupDb := args.Arguments[4].Float
			in, out := args.Arguments[5].FloatBuf, args.Arguments[6].FloatBuf

			sr := float64(ctx.SampleRate)
			threshold := float32(math.Pow(10, float64(thresholdDb)/20))
			attack := float32(1.0 - math.Exp(-1.0/(float64(attackMs)*sr/1000.0)))
			release := float32(1.0 - math.Exp(-1.0/(float64(releaseMs)*sr/1000.0)))
			makeup := float32(math.Pow(10, float64(makeupDb)/20))

			sf := scratchFloats{scratch}
			env := sf.get(0)
			for i, x := range in {
				abs := float32(math.Abs(float64(x)))
				if abs > env {
					env += attack * (abs - env)
				} else {
					env += release * (abs - env)
				}
				gain := float32(1.0)
				if threshold > 0 && env > threshold {
					over := env / threshold
					gain = float32(math.Pow(float64(over), float64(1.0/ratio-1)))
				}
				out[i] = x * gain * makeup
			}
			sf.set(0, env)
			return nil
		},
	}
}

// eq3BandModule implements a three-band shelving EQ (teacher's
// internal/effects/eq.go), mono.
func eq3BandModule() nativeapi.Module {
	return nativeapi.Module{
		ID: EQ3BandID,
		Signature: nativeapi.Signature{
			Name:                 "eq3band",
			Parameters:           []nativeapi.Parameter{floatParam("lowGain"), floatParam("midGain"), floatParam("highGain"), floatParam("lowFreqHz"), floatParam("highFreqHz"), bufIn("in"), bufOut("out")},
			ReturnParameterIndex: -1,
		},
		InitializeVoice: initVoiceFloats(2), // [0]=lowpass state, [1]=highpass state
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			lowGain := args.Arguments[0].Float
			midGain := args.Arguments[1].Float
			highGain := args.Arguments[2].Float
			lowFreq := args.Arguments[3].Float
			highFreq := args.Arguments[4].Float
			in, out := args.Arguments[5].FloatBuf, args.Arguments[6].FloatBuf

			dt := 1.0 / float64(ctx.SampleRate)
			lpRC := 1.0 / (2.0 * math.Pi * float64(lowFreq))
			hpRC := 1.0 / (2.0 * math.Pi * float64(highFreq))
			lpAlpha := float32(dt / (lpRC + dt))
			hpAlpha := float32(dt / (hpRC + dt))

			sf := scratchFloats{scratch}
			lp, hp := sf.get(0), sf.get(1)
			for i, x := range in {
				lp += lpAlpha * (x - lp)
				low := lp
				hp += hpAlpha * (x - hp)
				high := x - hp
				mid := x - low - high
				out[i] = low*lowGain + mid*midGain + high*highGain
			}
			sf.set(0, lp)
			sf.set(1, hp)
			return nil
		},
	}
}

// lfoModule is a shared low-frequency oscillator (teacher's
// internal/lfo/lfo.go) producing a [-depth, +depth] modulation buffer
// with no audio input.
func lfoModule() nativeapi.Module {
	const waveSaw, waveSquare, waveTriangle, waveRandom = 0, 1, 2, 3

	return nativeapi.Module{
		ID: LFOID,
		Signature: nativeapi.Signature{
			Name:                 "lfo",
			Parameters:           []nativeapi.Parameter{floatParam("depth"), floatParam("rateHz"), floatParam("waveform"), bufOut("out")},
			ReturnParameterIndex: -1,
		},
		InitializeVoice: initVoiceFloats(2), // [0]=phase, [1]=held random value
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			depth := args.Arguments[0].Float
			rateHz := args.Arguments[1].Float
			waveform := int(args.Arguments[2].Float)
			out := args.Arguments[3].FloatBuf

			sf := scratchFloats{scratch}
			phase := float64(sf.get(0))
			randVal := float64(sf.get(1))
			if depth == 0 || rateHz == 0 || ctx.SampleRate == 0 {
				for i := range out {
					out[i] = 0
				}
				return nil
			}
			rate := float64(rateHz) / float64(ctx.SampleRate)
			for i := range out {
				var wave float64
				switch waveform {
				case waveSaw:
					wave = 1.0 - 2.0*phase
				case waveSquare:
					if phase < 0.5 {
						wave = 1.0
					} else {
						wave = -1.0
					}
				case waveRandom:
					wave = randVal
				default: // triangle
					if phase < 0.5 {
						wave = 4.0*phase - 1.0
					} else {
						wave = 3.0 - 4.0*phase
					}
				}
				oldPhase := phase
				phase += rate
				for phase >= 1.0 {
					phase -= 1.0
				}
				if waveform == waveRandom && phase < oldPhase {
					randVal = math.Sin(phase*12345.6789+randVal*67890.1234) * 2.0
					randVal -= math.Floor(randVal)
					randVal = randVal*2.0 - 1.0
				}
				out[i] = float32(wave) * depth
			}
			sf.set(0, float32(phase))
			sf.set(1, float32(randVal))
			return nil
		},
	}
}

// oscillatorModule is an audio-rate counterpart to lfoModule — a
// band-naive sine/saw/square/triangle generator, grounded on the same
// phase-accumulator shape as the LFO rather than on the table-lookup
// oscillators the dropped whole-voice synth engines used (spec scope
// ends at the native module boundary; no wavetable asset format is
// part of this engine).
func oscillatorModule() nativeapi.Module {
	const waveSine, waveSaw, waveSquare, waveTriangle = 0, 1, 2, 3

	return nativeapi.Module{
		ID: OscillatorID,
		Signature: nativeapi.Signature{
			Name:                 "oscillator",
			Parameters:           []nativeapi.Parameter{floatParam("freqHz"), floatParam("amplitude"), floatParam("waveform"), bufOut("out")},
			ReturnParameterIndex: -1,
		},
		InitializeVoice: initVoiceFloats(1), // [0]=phase
		Invoke: func(ctx *nativeapi.Context, args *nativeapi.ArgumentList, scratch []byte) error {
			freqHz := args.Arguments[0].Float
			amplitude := args.Arguments[1].Float
			waveform := int(args.Arguments[2].Float)
			out := args.Arguments[3].FloatBuf

			sf := scratchFloats{scratch}
			phase := float64(sf.get(0))
			if ctx.SampleRate == 0 {
				for i := range out {
					out[i] = 0
				}
				return nil
			}
			step := float64(freqHz) / float64(ctx.SampleRate)
			for i := range out {
				var wave float64
				switch waveform {
				case waveSaw:
					wave = 1.0 - 2.0*phase
				case waveSquare:
					if phase < 0.5 {
						wave = 1.0
					} else {
						wave = -1.0
					}
				case waveTriangle:
					if phase < 0.5 {
						wave = 4.0*phase - 1.0
					} else {
						wave = 3.0 - 4.0*phase
					}
				default: // sine
					wave = math.Sin(2 * math.Pi * phase)
				}
				phase += step
				for phase >= 1.0 {
					phase -= 1.0
				}
				for phase < 0 {
					phase += 1.0
				}
				out[i] = float32(wave) * amplitude
			}
			sf.set(0, float32(phase))
			return nil
		},
	}
}

// Modules lists every reference module this library exposes.
func Modules() []nativeapi.Module {
	return []nativeapi.Module{
		addModule(),
		multiplyModule(),
		gainModule(),
		delayModule(),
		chorusModule(),
		reverbModule(),
		distortionModule(),
		compressorModule(),
		eq3BandModule(),
		lfoModule(),
		oscillatorModule(),
	}
}

// Register attaches this library to registry as an in-process native
// library (spec §4.3's in-process loading path).
func Register(registry *nativeapi.Registry) {
	registry.RegisterInProcess(func(report nativeapi.ReportFunc, emit func(nativeapi.Library)) {
		emit(nativeapi.Library{ID: LibraryID, Name: "core", Modules: Modules()})
	})
}

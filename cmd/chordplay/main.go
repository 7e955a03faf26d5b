// Command chordplay loads a compiled program binary (see
// cmd/chordbuild), drives it through internal/processor, and plays the
// result through the teacher's ebiten-backed audio player. It replaces
// the teacher's MML playback CLI (cmd/play_mml), trading an MML score
// and a built-in synth engine for a pre-compiled program graph and the
// native modules of the in-process core library. With -render set, it drives the
// same program through internal/processor.RenderOffline instead and
// writes a WAV file, with no live player or host audio device involved.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/cbegin/chordrt-go/internal/audio"
	"github.com/cbegin/chordrt-go/internal/exec"
	"github.com/cbegin/chordrt-go/internal/hostdemo"
	"github.com/cbegin/chordrt-go/internal/nativeapi"
	"github.com/cbegin/chordrt-go/internal/nativelib/core"
	"github.com/cbegin/chordrt-go/internal/processor"
	"github.com/cbegin/chordrt-go/internal/program"
	"github.com/cbegin/chordrt-go/internal/reportlog"
)

func main() {
	var (
		path      = flag.String("file", "demo.chordprog", "path to a compiled program binary")
		blockSize = flag.Int("block-size", 256, "samples rendered per processing block")
		workers   = flag.Int("workers", 4, "task executor worker count")
		trigger   = flag.Duration("trigger-every", time.Second, "interval between voice triggers (0 disables)")
		duration  = flag.Duration("duration", 10*time.Second, "how long to play before exiting")
		guards    = flag.Bool("guards", false, "enable buffer guard-byte checks")
		render    = flag.String("render", "", "render offline to this WAV path instead of opening a live player")
	)
	flag.Parse()

	data, err := os.ReadFile(*path)
	if err != nil {
		log.Fatalf("read %q: %v", *path, err)
	}
	prog, err := program.Decode(data)
	if err != nil {
		log.Fatalf("decode %q: %v", *path, err)
	}

	registry := nativeapi.NewRegistry(reportlog.New(nil))
	core.Register(registry)
	if err := registry.InitializeAll(context.Background()); err != nil {
		log.Fatalf("initialize native libraries: %v", err)
	}

	proc, err := processor.New(prog, registry, *blockSize, *guards)
	if err != nil {
		log.Fatalf("build processor: %v", err)
	}
	proc.SetReport(reportlog.New(nil))

	if !hostdemo.OutputPrimitivesAreAudio(proc) {
		log.Fatal("program's output channels are not audio-rate float/double")
	}

	pool := exec.NewPool(*workers, exec.Hooks{})
	defer pool.Close()

	if *render != "" {
		triggers := map[int][]int{}
		if *trigger > 0 {
			samplesPerTrigger := int(trigger.Seconds() * float64(prog.Variant.SampleRate))
			samplesPerBlock := *blockSize
			for sample := 0; sample < int(duration.Seconds()*float64(prog.Variant.SampleRate)); sample += samplesPerTrigger {
				block, offset := sample/samplesPerBlock, sample%samplesPerBlock
				triggers[block] = append(triggers[block], offset)
			}
		}
		samples := processor.RenderOffline(proc, pool, *blockSize, duration.Seconds(), triggers)
		wav := processor.EncodeWAVFloat32LE(samples, prog.Variant.SampleRate, 2)
		if err := os.WriteFile(*render, wav, 0o644); err != nil {
			log.Fatalf("write %q: %v", *render, err)
		}
		log.Printf("rendered %s (%d frames)", *render, len(samples)/2)
		return
	}

	source := hostdemo.NewSource(proc, pool, *blockSize, len(prog.InputChannelsFloat)+len(prog.InputChannelsDouble), len(prog.OutputChannels))

	player, err := audio.NewPlayer(prog.Variant.SampleRate, source)
	if err != nil {
		log.Fatalf("open audio player: %v", err)
	}
	player.Play()

	stop := make(chan struct{})
	if *trigger > 0 {
		go func() {
			ticker := time.NewTicker(*trigger)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					source.TriggerVoice(0)
				case <-stop:
					return
				}
			}
		}()
	}

	time.Sleep(*duration)
	close(stop)
	if err := player.Stop(); err != nil {
		log.Fatalf("stop player: %v", err)
	}
}

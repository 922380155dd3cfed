package synth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/voicekit/voicecache"
	"github.com/voicekit/voicecache/cache"
	"github.com/voicekit/voicecache/degrade"
	"github.com/voicekit/voicecache/perf"
	"github.com/voicekit/voicecache/resilience"
	"github.com/voicekit/voicecache/telemetry"
)

// ComponentSynthesizer is the degradation component id for the TTS engine.
const ComponentSynthesizer = "synthesizer"

// defaultBytesPerSecond assumes 16-bit mono PCM at 22.05 kHz, the usual
// output rate of the engines this fronts.
const defaultBytesPerSecond = 44100

// ErrEmptyText is returned for requests with no text to synthesize.
var ErrEmptyText = errors.New("empty text")

// Request is one synthesis request.
type Request struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// Synthesizer produces audio for a request. Implemented by the actual TTS
// engine outside this module.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, req Request) ([]byte, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

// EngineConfig holds engine wiring.
type EngineConfig struct {
	// Manager serves the audio cache.
	Manager *cache.Manager

	// Controller routes between primary and fallback synthesis.
	Controller *degrade.Controller

	// Monitor receives one sample per request. Optional.
	Monitor *perf.Monitor

	// Primary is the full-feature synthesis path.
	Primary Synthesizer

	// Fallback is the reduced-feature path. Optional.
	Fallback Synthesizer

	// Breaker guards the primary path so a repeatedly failing engine fails
	// fast to the fallback. Optional.
	Breaker *resilience.Breaker

	// Retry wraps the primary call when MaxAttempts is set.
	Retry resilience.RetrySpec

	// BytesPerSecond converts output size to audio duration for the
	// real-time factor. Default assumes 22.05 kHz 16-bit mono PCM.
	BytesPerSecond int

	// Logger for synthesis events.
	Logger *slog.Logger
}

// Engine is the cached, degradable synthesis front. A request first hits the
// audio cache; on miss it synthesizes through the degradation controller so
// an unhealthy primary routes straight to the fallback.
type Engine struct {
	config EngineConfig
	logger *slog.Logger
}

// NewEngine wires an Engine and registers its fallback with the controller.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.BytesPerSecond <= 0 {
		cfg.BytesPerSecond = defaultBytesPerSecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{config: cfg, logger: cfg.Logger}
	return e
}

// Speak returns audio for the request, cached by (voice, text).
func (e *Engine) Speak(ctx context.Context, req Request) ([]byte, error) {
	if req.Text == "" {
		return nil, ErrEmptyText
	}
	if req.Voice == "" {
		req.Voice = "default"
	}

	key := voicecache.KeyFor(voicecache.ClassAudio, req.Voice, req.Text).String()
	start := time.Now()

	hit := true
	audio, err := e.config.Manager.GetOrLoad(ctx, "audio", key, func(ctx context.Context, _ string) ([]byte, int64, error) {
		hit = false
		out, err := e.synthesize(ctx, req)
		if err != nil {
			return nil, 0, err
		}
		return out, int64(len(out)), nil
	})

	elapsed := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	rtf := e.realTimeFactor(elapsed, len(audio))
	if e.config.Monitor != nil {
		e.config.Monitor.Record(perf.Sample{
			Timestamp:  start,
			Latency:    elapsed,
			RTF:        rtf,
			CacheHit:   hit,
			ArtifactID: req.Voice,
		})
	}
	telemetry.RecordSynthesis(ctx, "speak", outcome, elapsed, rtf)

	if err != nil {
		return nil, err
	}
	return audio, nil
}

// synthesize runs the primary engine through the degradation controller so a
// marked-failed engine goes straight to the fallback path.
func (e *Engine) synthesize(ctx context.Context, req Request) ([]byte, error) {
	if e.config.Controller == nil {
		return e.callPrimary(ctx, req)
	}

	primary := func(ctx context.Context) ([]byte, error) {
		return e.callPrimary(ctx, req)
	}
	var fallback degrade.Operation
	if e.config.Fallback != nil {
		fallback = func(ctx context.Context) ([]byte, error) {
			e.logger.Debug("using fallback synthesis", "voice", req.Voice)
			return e.config.Fallback.Synthesize(ctx, req)
		}
	}
	return e.config.Controller.ExecuteWith(ctx, ComponentSynthesizer, primary, fallback)
}

// callPrimary invokes the primary engine under the configured breaker and
// retry schedule. An open breaker surfaces ErrCircuitOpen, which the
// degradation controller treats like any other primary failure.
func (e *Engine) callPrimary(ctx context.Context, req Request) ([]byte, error) {
	attempt := func(ctx context.Context) ([]byte, error) {
		return e.config.Primary.Synthesize(ctx, req)
	}
	if e.config.Retry.MaxAttempts > 0 {
		inner := attempt
		attempt = func(ctx context.Context) ([]byte, error) {
			var out []byte
			err := e.config.Retry.Do(ctx, func(ctx context.Context) error {
				var err error
				out, err = inner(ctx)
				return err
			})
			return out, err
		}
	}
	if e.config.Breaker == nil {
		return attempt(ctx)
	}

	var out []byte
	err := e.config.Breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = attempt(ctx)
		return err
	})
	return out, err
}

// realTimeFactor is synthesis time over estimated audio duration. Lower is
// better; below 1.0 is faster than real time.
func (e *Engine) realTimeFactor(elapsed time.Duration, audioBytes int) float64 {
	if audioBytes == 0 {
		return 0
	}
	audioSeconds := float64(audioBytes) / float64(e.config.BytesPerSecond)
	return elapsed.Seconds() / audioSeconds
}

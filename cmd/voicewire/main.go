// Command voicewire runs one live duplex voice session against the
// configured model service: microphone in, speaker out, transcripts and
// status on the terminal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/session"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/channel"
	"github.com/voicewire/voicewire/pkg/channel/gemini"
	"github.com/voicewire/voicewire/pkg/vad"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicewire: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicewire: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicewire starting",
		"config", *configPath,
		"model", cfg.Provider.Model,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicewire"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)

	// ── Metrics endpoint ──────────────────────────────────────────────────────
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}

		group.Go(func() error {
			slog.Info("metrics endpoint listening", "addr", cfg.Server.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	source := audio.NewCaptureSource(audio.CaptureConfig{
		Rate:         cfg.Audio.CaptureRate,
		BlockSamples: cfg.Audio.BlockSamples,
	})

	sink, err := audio.NewSpeakerSink(cfg.Audio.PlaybackRate)
	if err != nil {
		slog.Error("failed to open speaker", "err", err)
		return 1
	}

	// ── Session ───────────────────────────────────────────────────────────────
	var providerOpts []gemini.Option
	if cfg.Provider.Model != "" {
		providerOpts = append(providerOpts, gemini.WithModel(cfg.Provider.Model))
	}
	if cfg.Provider.BaseURL != "" {
		providerOpts = append(providerOpts, gemini.WithBaseURL(cfg.Provider.BaseURL))
	}
	provider := gemini.New(cfg.Provider.APIKey, providerOpts...)

	sess, err := session.Open(ctx, session.Config{
		Provider:          provider,
		Source:            source,
		Sink:              sink,
		SystemInstruction: cfg.Session.SystemInstruction,
		VoiceProfile:      cfg.Session.VoiceProfile,
		Tools:             builtinTools(),
		VideoEnabled:      cfg.Session.VideoEnabled,
		OutputMuted:       cfg.Session.OutputMuted,
		VideoInterval:     cfg.Video.Interval(),
		SettleDelay:       cfg.Session.SettleDelay(),
		CallTimeout:       cfg.Tooling.CallTimeout(),
		VAD: vad.Config{
			EnergyThreshold: cfg.VAD.EnergyThreshold,
			SilenceHoldoff:  cfg.VAD.SilenceHoldoff(),
		},
		Logger: logger,
	}, session.Callbacks{
		OnTranscript: printTranscript,
		OnStatus: func(st session.Status) {
			slog.Info("status", "status", st)
		},
		OnError: func(err error) {
			slog.Error("session failed", "err", err)
			stop()
		},
	})
	if err != nil {
		slog.Error("failed to open session", "err", err)
		sink.Close()
		return 1
	}

	slog.Info("session ready — speak into the microphone, press Ctrl+C to hang up")

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping…")

	if err := sess.Close(); err != nil {
		slog.Warn("session close error", "err", err)
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// printTranscript writes one transcript fragment to stdout, tagged by
// speaker.
func printTranscript(t channel.Transcript) {
	tag := "you"
	if t.Speaker == channel.SpeakerRemote {
		tag = "model"
	}
	fmt.Printf("[%s] %s\n", tag, t.Text)
}

// builtinTools returns the demo tool manifest: a clock the model can read so
// tool-call plumbing is exercised out of the box.
func builtinTools() []session.Tool {
	return []session.Tool{
		{
			Spec: channel.ToolSpec{
				Name:        "local_time",
				Description: "Returns the user's current local date and time.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
			Handler: func(_ context.Context, _ string) (string, error) {
				out, err := json.Marshal(map[string]string{
					"time": time.Now().Format(time.RFC1123),
				})
				if err != nil {
					return "", err
				}
				return string(out), nil
			},
		},
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

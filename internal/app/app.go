// Package app wires the Earshot pipeline into a running assistant.
//
// The App struct owns the full lifecycle: New builds every stage from the
// configuration and the provider set and connects them, Run drives the
// conversation loop and the admin HTTP server, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via the Providers slots and functional options
// (WithSpeaker, WithArchiver, etc.). When an option is not provided, New
// builds the real component from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/earshot-ai/earshot/internal/archive"
	"github.com/earshot-ai/earshot/internal/config"
	"github.com/earshot-ai/earshot/internal/duplex"
	"github.com/earshot-ai/earshot/internal/events"
	"github.com/earshot-ai/earshot/internal/gain"
	"github.com/earshot-ai/earshot/internal/health"
	"github.com/earshot-ai/earshot/internal/listen"
	"github.com/earshot-ai/earshot/internal/observe"
	"github.com/earshot-ai/earshot/internal/preroll"
	"github.com/earshot-ai/earshot/internal/resilience"
	"github.com/earshot-ai/earshot/internal/session"
	"github.com/earshot-ai/earshot/internal/wake"
	"github.com/earshot-ai/earshot/pkg/provider/embed"
	"github.com/earshot-ai/earshot/pkg/provider/mic"
	"github.com/earshot-ai/earshot/pkg/provider/respond"
	"github.com/earshot-ai/earshot/pkg/provider/stt"
	"github.com/earshot-ai/earshot/pkg/provider/tts"
	"github.com/earshot-ai/earshot/pkg/provider/vad"
)

// adminShutdownTimeout bounds the graceful drain of the admin server once the
// run context ends.
const adminShutdownTimeout = 5 * time.Second

// Providers holds one implementation per provider slot. Populated by main.go
// via the config registry. Mic, STT, TTS, Respond, and VAD are required;
// TTSFallback and Embed may be nil.
type Providers struct {
	Mic         mic.Source
	STT         stt.Provider
	TTS         tts.Synthesizer
	TTSFallback tts.Synthesizer
	Respond     respond.Generator
	VAD         vad.Engine
	Embed       embed.Embedder
}

// App owns all component lifetimes and drives the Earshot voice pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	// Pipeline — initialised in New, torn down in Shutdown.
	bus         *events.Bus
	metrics     *observe.Metrics
	norm        *gain.Normalizer
	calibrator  *listen.Calibrator
	ring        *preroll.Ring
	spotter     *wake.Spotter
	coordinator *duplex.Coordinator
	manager     *session.Manager
	archiver    session.Archiver
	store       *archive.Store

	wakeDecoder stt.Decoder
	segDecoder  stt.Decoder

	// speakerOverride, when set, replaces the synthesizer+playback chain.
	speakerOverride tts.Speaker

	admin        *http.Server
	adminHandler http.Handler

	closers  []func() error
	stopOnce sync.Once
}

// Option customises App construction, typically to inject test doubles.
type Option func(*App)

// WithLogger sets the logger passed to every pipeline stage.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithSpeaker injects the playback path, bypassing the synthesizer and the
// external playback command.
func WithSpeaker(s tts.Speaker) Option {
	return func(a *App) { a.speakerOverride = s }
}

// WithArchiver injects the session archiver, bypassing the PostgreSQL store.
func WithArchiver(ar session.Archiver) Option {
	return func(a *App) { a.archiver = ar }
}

// WithMetrics overrides the default meter-backed instruments. Nil disables
// metric recording entirely.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New builds the full pipeline from cfg and providers. The provider set comes
// from main.go (populated via the config registry); Option functions inject
// test doubles for individual pieces.
//
// New performs all initialisation synchronously: decoder warm-up, the
// playback chain, the PostgreSQL archive (when configured), the conversation
// manager, and the admin surface. The microphone is not read until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.checkProviders(); err != nil {
		return nil, err
	}

	// ── 1. Event bus ─────────────────────────────────────────────────────
	a.bus = events.NewBus(events.WithLogger(a.logger))
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	// ── 2. Gain + adaptive listening ─────────────────────────────────────
	a.norm = gain.New(cfg.Gain.NormalizerConfig())
	a.calibrator = listen.New(providers.VAD, cfg.VAD.CalibratorConfig(cfg.Audio),
		listen.WithLogger(a.logger),
		listen.WithCalibratedFunc(a.onCalibrated),
	)
	a.closers = append(a.closers, a.calibrator.Close)

	// ── 3. Decoders ──────────────────────────────────────────────────────
	if err := a.initDecoders(ctx); err != nil {
		return nil, fmt.Errorf("app: init decoders: %w", err)
	}

	// ── 4. Wake spotting ─────────────────────────────────────────────────
	a.ring = preroll.NewRing(cfg.Audio.PreRollFrames())
	spotter, err := wake.New(cfg.Wake.SpotterConfig(), a.ring, a.wakeDecoder, wake.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("app: init wake spotter: %w", err)
	}
	a.spotter = spotter

	// ── 5. Playback + capture coordination ───────────────────────────────
	if err := a.initDuplex(); err != nil {
		return nil, fmt.Errorf("app: init duplex: %w", err)
	}

	// ── 6. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 7. Conversation manager ──────────────────────────────────────────
	manager, err := session.NewManager(
		cfg.Session.ManagerConfig(cfg.Segment.SegmenterConfig(cfg.Audio)),
		session.Deps{
			Reader:     a.coordinator,
			Speaker:    a.coordinator,
			Normalizer: a.norm,
			Classifier: a.calibrator,
			Decoder:    a.segDecoder,
			Spotter:    a.spotter,
			Generator:  providers.Respond,
			Archiver:   a.archiver,
			Bus:        a.bus,
			Metrics:    a.metrics,
		},
		session.WithLogger(a.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init session manager: %w", err)
	}
	a.manager = manager

	// ── 8. Admin surface ─────────────────────────────────────────────────
	a.initAdmin()

	return a, nil
}

// checkProviders validates the required provider slots up front so a
// misconfigured process fails at startup with the complete list.
func (a *App) checkProviders() error {
	var errs []error
	if a.providers.Mic == nil {
		errs = append(errs, errors.New("microphone source is required"))
	}
	if a.providers.STT == nil {
		errs = append(errs, errors.New("speech-to-text provider is required"))
	}
	if a.providers.TTS == nil && a.speakerOverride == nil {
		errs = append(errs, errors.New("speech synthesizer is required"))
	}
	if a.providers.Respond == nil {
		errs = append(errs, errors.New("response generator is required"))
	}
	if a.providers.VAD == nil {
		errs = append(errs, errors.New("voice-activity engine is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDecoders opens the two streaming decoders: one drained continuously by
// the wake spotter, one fed only during utterance capture. Both carry the
// phrase vocabulary as recognition hints for backends with keyword boosting.
func (a *App) initDecoders(ctx context.Context) error {
	decCfg := stt.DecoderConfig{
		SampleRate: a.cfg.Audio.SampleRate,
		Language:   optionString(a.cfg.Providers.STT.Options, "language"),
		Hints:      recognitionHints(a.cfg),
	}

	wakeDec, err := a.providers.STT.OpenDecoder(ctx, decCfg)
	if err != nil {
		return fmt.Errorf("open wake decoder: %w", err)
	}
	a.closers = append(a.closers, wakeDec.Close)
	a.wakeDecoder = observe.InstrumentDecoder(wakeDec, a.metrics, "wake")

	segDec, err := a.providers.STT.OpenDecoder(ctx, decCfg)
	if err != nil {
		return fmt.Errorf("open segment decoder: %w", err)
	}
	a.closers = append(a.closers, segDec.Close)
	a.segDecoder = observe.InstrumentDecoder(segDec, a.metrics, "segment")

	return nil
}

// initDuplex builds the speech-output chain and wraps the microphone in the
// half-duplex coordinator that mutes capture during playback.
func (a *App) initDuplex() error {
	speaker := a.speakerOverride
	if speaker == nil {
		chain, err := a.buildSpeakerChain()
		if err != nil {
			return err
		}
		speaker = chain
	}

	a.coordinator = duplex.New(a.providers.Mic, speaker, a.cfg.Duplex.CoordinatorConfig(),
		duplex.WithLogger(a.logger),
		duplex.WithForcedUnmuteFunc(a.onForcedUnmute),
	)
	a.closers = append(a.closers, a.coordinator.Close)
	return nil
}

// buildSpeakerChain pipes the primary synthesizer into the playback command
// and layers the retry/breaker chain (plus the fallback synthesizer, when
// configured) on top.
func (a *App) buildSpeakerChain() (*resilience.SpeakerChain, error) {
	primary, err := tts.NewPlayer(a.providers.TTS, a.cfg.Audio.PlaybackCommand, a.cfg.Audio.PlaybackArgs,
		tts.WithPlayerLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("build playback for %q: %w", a.cfg.Providers.TTS.Name, err)
	}

	chain := resilience.NewSpeakerChain(primary, a.cfg.Providers.TTS.Name,
		a.cfg.Duplex.Speak.ChainConfig(), resilience.WithLogger(a.logger))

	if a.providers.TTSFallback != nil {
		fallback, err := tts.NewPlayer(a.providers.TTSFallback, a.cfg.Audio.PlaybackCommand, a.cfg.Audio.PlaybackArgs,
			tts.WithPlayerLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("build fallback playback for %q: %w", a.cfg.Providers.TTSFallback.Name, err)
		}
		chain.AddFallback(a.cfg.Providers.TTSFallback.Name, fallback)
	}

	return chain, nil
}

// initArchive opens the PostgreSQL session archive, or installs the no-op
// archiver when no DSN is configured.
func (a *App) initArchive(ctx context.Context) error {
	if a.archiver != nil {
		return nil // injected
	}

	if a.cfg.Archive.PostgresDSN == "" {
		a.archiver = archive.NoopArchiver{}
		a.logger.Info("session archival disabled, archive.postgres_dsn not set")
		return nil
	}

	opts := []archive.Option{archive.WithLogger(a.logger)}
	if a.cfg.Archive.ArtifactDir != "" {
		opts = append(opts, archive.WithArtifactDir(a.cfg.Archive.ArtifactDir))
	}
	if a.providers.Embed != nil {
		opts = append(opts, archive.WithEmbedder(a.providers.Embed))
	}

	store, err := archive.NewStore(ctx, a.cfg.Archive.PostgresDSN, a.cfg.Archive.EmbeddingDimensions, opts...)
	if err != nil {
		return err
	}
	a.store = store
	a.archiver = store
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	return nil
}

// initAdmin assembles the admin mux. The listening server is only created
// when admin.listen_addr is set; the handler itself always exists so tests
// and embedders can mount it.
func (a *App) initAdmin() {
	mux := http.NewServeMux()

	probes := []health.Probe{{
		Name:  "providers",
		Check: func(context.Context) error { return a.checkProviders() },
	}}
	if a.store != nil {
		probes = append(probes, health.Probe{Name: "archive", Check: a.store.Ping})
	}
	health.New(probes...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /events", events.NewBroadcaster(a.bus, events.WithBroadcastLogger(a.logger)))
	mux.HandleFunc("POST /recalibrate", a.handleRecalibrate)
	mux.HandleFunc("POST /stop", a.handleStop)
	mux.HandleFunc("POST /cancel", a.handleCancel)
	mux.HandleFunc("GET /search", a.handleSearch)

	a.adminHandler = observe.Middleware(a.metrics)(mux)

	if a.cfg.Admin.ListenAddr == "" {
		return
	}
	a.admin = &http.Server{
		Addr:              a.cfg.Admin.ListenAddr,
		Handler:           a.adminHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Pipeline callbacks ──────────────────────────────────────────────────────

// onCalibrated publishes the outcome of a calibration window.
func (a *App) onCalibrated(background float64, sensitivity vad.Sensitivity) {
	a.bus.Emit(events.KindRecalibrated, a.currentSessionID(), map[string]any{
		"background_rms": background,
		"sensitivity":    sensitivity.String(),
	})
}

// onForcedUnmute records a tripped mute safety timeout.
func (a *App) onForcedUnmute(mutedFor time.Duration) {
	a.metrics.RecordForcedUnmute(context.Background())
	a.bus.Emit(events.KindForcedUnmute, a.currentSessionID(), map[string]any{
		"muted_for_ms": mutedFor.Milliseconds(),
	})
}

// currentSessionID is safe to call from callbacks registered before the
// manager exists.
func (a *App) currentSessionID() string {
	if a.manager == nil {
		return ""
	}
	return a.manager.CurrentSessionID()
}

// ─── Control surface ─────────────────────────────────────────────────────────

// RequestRecalibration schedules a fresh background calibration window. Bound
// to SIGHUP and POST /recalibrate.
func (a *App) RequestRecalibration() {
	a.calibrator.RequestRecalibration()
}

// AdminHandler returns the admin surface, for mounting without the built-in
// server.
func (a *App) AdminHandler() http.Handler { return a.adminHandler }

// Events returns the bus carrying pipeline lifecycle events, for in-process
// subscribers.
func (a *App) Events() *events.Bus { return a.bus }

// State reports the conversation state machine's current state.
func (a *App) State() session.State { return a.manager.State() }

func (a *App) handleRecalibrate(w http.ResponseWriter, _ *http.Request) {
	a.calibrator.RequestRecalibration()
	writeStatus(w, http.StatusAccepted, "recalibration scheduled")
}

func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	a.manager.StopUtterance()
	writeStatus(w, http.StatusAccepted, "stop requested")
}

func (a *App) handleCancel(w http.ResponseWriter, _ *http.Request) {
	if !a.manager.CancelSession() {
		writeStatus(w, http.StatusConflict, "no live session")
		return
	}
	writeStatus(w, http.StatusAccepted, "session cancelled")
}

func (a *App) handleSearch(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeStatus(w, http.StatusNotFound, "archive not configured")
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeStatus(w, http.StatusBadRequest, "missing q parameter")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	hits, err := a.store.Search(r.Context(), query, limit)
	switch {
	case errors.Is(err, archive.ErrNoEmbedder):
		writeStatus(w, http.StatusNotImplemented, "no embedding provider configured")
		return
	case err != nil:
		a.logger.Error("archive search failed", "err", err)
		writeStatus(w, http.StatusInternalServerError, "search failed")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(hits)
}

// writeStatus emits the uniform JSON body used by the control endpoints.
func writeStatus(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": message})
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run drives the conversation loop and the admin server until ctx ends or
// either fails terminally. A clean context cancellation returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.manager.Run(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})

	if a.admin != nil {
		g.Go(func() error {
			a.logger.Info("admin server listening", "addr", a.admin.Addr)
			if err := a.admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shctx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
			defer cancel()
			return a.admin.Shutdown(shctx)
		})
	}

	return g.Wait()
}

// Shutdown tears the pipeline down in construction order. Safe to call more
// than once; only the first call does work. Returns ctx.Err() if the deadline
// expires before all closers have run.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// recognitionHints collects the vocabulary the pipeline matches against so
// that keyword-boosting backends hear the phrases more reliably.
func recognitionHints(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	var hints []string
	add := func(phrases []string) {
		for _, phrase := range phrases {
			for _, token := range wake.Tokenize(phrase) {
				if _, ok := seen[token]; ok {
					continue
				}
				seen[token] = struct{}{}
				hints = append(hints, token)
			}
		}
	}
	add(cfg.Wake.Variants)
	add(cfg.Segment.StopPhrases)
	add(cfg.Session.ExitPhrases)
	return hints
}

// optionString reads a string value from a provider options map.
func optionString(options map[string]any, key string) string {
	if v, ok := options[key].(string); ok {
		return v
	}
	return ""
}

// Package app contains the top-level orchestration of a session: admission,
// the signaling channel, the SFU negotiation or snapshot broadcast, and the
// reaction overlay.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/1ureka/huddle/internal/admission"
	"github.com/1ureka/huddle/internal/config"
	"github.com/1ureka/huddle/internal/correlator"
	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/media/pionengine"
	"github.com/1ureka/huddle/internal/overlay"
	"github.com/1ureka/huddle/internal/session"
	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/snapshot"
	"github.com/1ureka/huddle/internal/tiles"
	"github.com/1ureka/huddle/internal/util"
)

var log = util.Component("app")

// ErrChannelClosed is returned by Run when the server ends the session.
var ErrChannelClosed = errors.New("signaling channel closed by server")

// Deps are the collaborators of a session. Zero fields take defaults built
// from the configuration.
type Deps struct {
	// Device defaults to a pion device using the configured STUN servers.
	Device media.Device
	// Camera defaults to the configured IVF file, or none.
	Camera media.Camera
	// Frames feeds snapshot mode; defaults to a test pattern.
	Frames snapshot.FrameSource
	// Input carries local reactions, one per line. Nil disables input.
	Input io.Reader
	// Render receives the sprites of every render tick.
	Render func([]overlay.Sprite)
}

// App is one participant's session.
type App struct {
	cfg  *config.Config
	deps Deps

	tiles    *tiles.Registry
	animator *overlay.Animator

	ready     chan struct{}
	readyOnce sync.Once

	mu   sync.Mutex
	bus  *overlay.Bus
	neg  *session.Negotiator
	recv *snapshot.Receiver
}

// New returns an App for cfg. cfg must be valid.
func New(cfg *config.Config, deps Deps) *App {
	reg := tiles.New(float64(cfg.ViewportWidth), float64(cfg.ViewportHeight))
	return &App{
		cfg:      cfg,
		deps:     deps,
		tiles:    reg,
		animator: overlay.NewAnimator(reg, overlay.AnimatorConfig{Lifespan: cfg.EntityLifespan}),
		ready:    make(chan struct{}),
	}
}

// Tiles returns the tile registry.
func (a *App) Tiles() *tiles.Registry { return a.tiles }

// Animator returns the reaction animator.
func (a *App) Animator() *overlay.Animator { return a.animator }

// Ready is closed once the session can exchange media and reactions.
func (a *App) Ready() <-chan struct{} { return a.ready }

// React emits a local reaction. It reports false before the session has
// started and when the rate limit drops the reaction.
func (a *App) React(symbol, target string, ox, oy float64) bool {
	a.mu.Lock()
	bus := a.bus
	a.mu.Unlock()
	if bus == nil {
		return false
	}
	return bus.Emit(symbol, target, ox, oy)
}

// State returns the negotiation state; snapshot sessions report Idle.
func (a *App) State() session.State {
	a.mu.Lock()
	neg := a.neg
	a.mu.Unlock()
	if neg == nil {
		return session.Idle
	}
	return neg.State()
}

func (a *App) markReady() {
	a.readyOnce.Do(func() { close(a.ready) })
}

// Run executes the session until ctx ends, the server closes the channel or
// negotiation fails. Cancelling ctx is a clean shutdown and returns nil.
func (a *App) Run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	// ── 1. Resolve the signaling URL ───────────────────────────────────
	signalURL, err := a.signalURL(ctx)
	if err != nil {
		return err
	}

	// ── 2. Connect ─────────────────────────────────────────────────────
	conn, err := signaling.Dial(ctx, signalURL, signaling.Options{From: a.cfg.Identity})
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info("connected to %s as %s", redact(signalURL), a.cfg.Identity)

	corr := correlator.New(conn, a.cfg.ReplyTimeout)
	defer corr.Close(nil)
	defer a.tiles.Close()

	bus := overlay.NewBus(a.cfg.Identity, corr, a.animator, a.cfg.ReactionInterval)
	a.mu.Lock()
	a.bus = bus
	a.mu.Unlock()

	util.StartStatsReporter(ctx)

	// ── 3. Start the video path ────────────────────────────────────────
	var (
		runMain func(context.Context) error
		neg     *session.Negotiator
	)
	switch a.cfg.Mode {
	case config.ModeSnapshot:
		recv := &snapshot.Receiver{Self: a.cfg.Identity, Registry: a.tiles}
		a.mu.Lock()
		a.recv = recv
		a.mu.Unlock()

		b := &snapshot.Broadcaster{
			Self:     a.cfg.Identity,
			Sender:   corr,
			Source:   a.frames(),
			Interval: a.cfg.SnapshotInterval,
			Quality:  a.cfg.SnapshotQuality,
		}
		runMain = b.Run
		a.markReady()
		log.Info("snapshot mode: broadcasting every %s", a.cfg.SnapshotInterval)

	default:
		device, err := a.device()
		if err != nil {
			return err
		}
		neg = session.New(session.Config{
			Identity: a.cfg.Identity,
			Device:   device,
			Camera:   a.camera(),
			Tiles:    a.tiles,
		}, corr)
		a.mu.Lock()
		a.neg = neg
		a.mu.Unlock()

		runMain = neg.Run
		go func() {
			select {
			case <-neg.Ready():
				a.markReady()
			case <-ctx.Done():
			}
		}()
	}

	// ── 4. Background loops ────────────────────────────────────────────
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.dispatch(ctx, cancel, conn, corr)
	}()
	go func() {
		defer wg.Done()
		a.render(ctx)
	}()
	if a.deps.Input != nil {
		go a.readInput(ctx, a.deps.Input)
	}

	// ── 5. Block until shutdown ────────────────────────────────────────
	runErr := runMain(ctx)
	cause := context.Cause(ctx)
	cancel(nil)

	if neg != nil {
		if err := neg.Close(); err != nil {
			log.Debug("release session: %v", err)
		}
	}
	conn.Close()
	wg.Wait()

	switch {
	case errors.Is(cause, ErrChannelClosed) || errors.Is(runErr, ErrChannelClosed):
		return errors.Join(ErrChannelClosed, conn.Err())
	case parent.Err() != nil:
		log.Info("session ended")
		return nil
	case runErr != nil:
		return runErr
	}
	return nil
}

func (a *App) signalURL(ctx context.Context) (string, error) {
	if a.cfg.AdmissionURL == "" {
		return config.NormalizeSignalURL(a.cfg.SignalURL)
	}

	grant, err := admission.NewClient(a.cfg.AdmissionURL).Fetch(ctx, a.cfg.Room, a.cfg.Identity)
	if err != nil {
		return "", err
	}
	raw, err := grant.SignalURL(a.cfg.SignalURL)
	if err != nil {
		return "", err
	}
	return config.NormalizeSignalURL(raw)
}

func (a *App) device() (media.Device, error) {
	if a.deps.Device != nil {
		return a.deps.Device, nil
	}
	engine, err := pionengine.New(a.cfg.STUNServers)
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}
	return engine.NewDevice(), nil
}

func (a *App) camera() media.Camera {
	switch {
	case a.deps.Camera != nil:
		return a.deps.Camera
	case a.cfg.CameraFile != "":
		return &pionengine.FileCamera{Path: a.cfg.CameraFile}
	}
	return nil
}

func (a *App) frames() snapshot.FrameSource {
	if a.deps.Frames != nil {
		return a.deps.Frames
	}
	return &snapshot.TestPattern{Width: 320, Height: 240}
}

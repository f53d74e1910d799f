// Huddle — CLI entry point.
//
// Joins a group video room through an SFU signaling server, publishes an IVF
// file as the camera (or a JPEG snapshot stream in snapshot mode) and trades
// emoji reactions typed on stdin.
//
// Settings come from a .env file, HUDDLE_* variables and flags. Without a
// signaling or admission URL the missing values are prompted for.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/huddle/internal/app"
	"github.com/1ureka/huddle/internal/config"
	"github.com/1ureka/huddle/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Huddle — v%s", version))
	pterm.Println()

	if cfg.SignalURL == "" && cfg.AdmissionURL == "" {
		runInteractive(cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}

	util.LogDebug("reply timeout %s, reaction interval %s, %d fps, camera %q",
		cfg.ReplyTimeout, cfg.ReactionInterval, cfg.FrameRate, cfg.CameraFile)
	util.LogInfo("joining room %q as %s (%s mode)", cfg.Room, cfg.Identity, cfg.Mode)
	util.LogInfo("type an emoji and press enter to react, e.g. \"👍\" or \"🎉 <identity> 0.5 0.5\"")

	session := app.New(cfg, app.Deps{Input: os.Stdin})
	if err := session.Run(ctx); err != nil {
		util.LogError("session ended: %v", err)
		os.Exit(1)
	}

	util.LogSuccess("left the room")
}

// runInteractive prompts for the values a session cannot start without.
func runInteractive(cfg *config.Config) {
	cfg.SignalURL = askURL()

	room, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Room").
		WithDefaultValue(cfg.Room).
		Show()
	if room = strings.TrimSpace(room); room != "" {
		cfg.Room = room
	}
	pterm.Println()

	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"SFU      — negotiate media with the server", "Snapshot — broadcast JPEG frames over signaling"}).
		WithDefaultText("Select the video path").
		Show()
	if strings.HasPrefix(mode, "Snapshot") {
		cfg.Mode = config.ModeSnapshot
	}
	pterm.Println()
}

// askURL prompts the user for a valid signaling URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling URL (e.g. wss://sfu.example.com/ws)").
			Show()

		wsURL, err := config.NormalizeSignalURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

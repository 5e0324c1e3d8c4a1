package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func run() error {
	var args cliArgs
	cliCtx := kong.Parse(
		&args,
		kong.Name("avatarcrop"),
		kong.UsageOnError(),
	)
	if err := cliCtx.Run(); err != nil {
		return err
	}

	return nil
}

type cliArgs struct {
	Serve serveCmd `cmd:"" default:"withargs" help:"Run the avatar crop service"`
	Crop  cropCmd  `cmd:"" help:"Crop a single image without the server"`
}

type serveCmd struct {
	AvatarDir  string        `arg:"" help:"Directory the exported avatar is stored in"`
	Listen     string        `help:"Address to listen on; port 0 picks a free one" default:"localhost:0"`
	Open       bool          `help:"Open the browser automatically when the server starts" default:"true"`
	Once       bool          `help:"Exit after the first avatar is saved" default:"false"`
	SessionTTL time.Duration `help:"Idle time before an abandoned crop session is discarded" default:"10m"`
	Verbose    bool          `help:"Enable verbose logging" default:"false"`
}

func (cmd *serveCmd) Run() error {
	setupLogging(cmd.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ctx = log.Logger.WithContext(ctx)

	app := NewWebApp(Config{
		AvatarDir:  cmd.AvatarDir,
		Listen:     cmd.Listen,
		SessionTTL: cmd.SessionTTL,
		OnBeforeShutdown: func() {
			log.Ctx(ctx).Info().Msg("Shutting down web application...")
		},
		OnReady: func(addr string) {
			log.Ctx(ctx).Info().Msgf("Server started at %s", addr)
			if cmd.Open {
				if err := openBrowser(addr); err != nil {
					log.Error().Err(err).Msg("Failed to open browser")
				}
			}
		},
		OnAvatarSaved: func() {
			log.Ctx(ctx).Info().Msg("Avatar saved")
			if cmd.Once {
				cancel()
			}
		},
	})

	if err := app.Run(ctx); err != nil {
		return err
	}

	return nil
}

type cropCmd struct {
	Input   string  `arg:"" type:"existingfile" help:"Image to crop"`
	Output  string  `arg:"" help:"Path the cropped PNG is written to"`
	Zoom    float64 `help:"Zoom factor on top of the fit scale" default:"1"`
	OffsetX float64 `help:"Horizontal pan, in preview pixels" default:"0"`
	OffsetY float64 `help:"Vertical pan, in preview pixels" default:"0"`
	Verbose bool    `help:"Enable verbose logging" default:"false"`
}

// Run drives one crop session headlessly: load, apply the requested framing
// through the same interaction path the server uses, export.
func (cmd *cropCmd) Run() error {
	setupLogging(cmd.Verbose)

	f, err := os.Open(cmd.Input)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cmd.Input, err)
	}
	defer f.Close()

	var writeErr error
	sess := NewSession(SessionConfig{
		OnCrop: func(png []byte) {
			writeErr = os.WriteFile(cmd.Output, png, 0644)
		},
	})

	if err := sess.Load(f); err != nil {
		return err
	}
	if err := sess.SetZoom(cmd.Zoom); err != nil {
		return err
	}
	if cmd.OffsetX != 0 || cmd.OffsetY != 0 {
		if err := sess.DragStart(0, 0); err != nil {
			return err
		}
		if err := sess.DragMove(cmd.OffsetX, cmd.OffsetY); err != nil {
			return err
		}
		if err := sess.DragEnd(); err != nil {
			return err
		}
	}
	if _, err := sess.Confirm(); err != nil {
		return err
	}
	if writeErr != nil {
		return fmt.Errorf("failed to write %s: %w", cmd.Output, writeErr)
	}

	log.Info().Str("output", cmd.Output).Msg("cropped")
	return nil
}

func setupLogging(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.NewConsoleWriter()).Level(level)
	zerolog.DefaultContextLogger = &log.Logger
}

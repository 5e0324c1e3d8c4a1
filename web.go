package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

type Config struct {
	AvatarDir        string
	Listen           string
	SessionTTL       time.Duration
	OnBeforeShutdown func()
	OnReady          func(addr string)
	OnAvatarSaved    func()
}

type WebApp struct {
	config       Config
	store        *AvatarStore
	sessions     *SessionManager
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

func NewWebApp(config Config) *WebApp {
	if config.SessionTTL <= 0 {
		config.SessionTTL = 10 * time.Minute
	}
	return &WebApp{
		config:     config,
		store:      &AvatarStore{Dir: config.AvatarDir},
		sessions:   NewSessionManager(config.SessionTTL),
		shutdownCh: make(chan struct{}),
	}
}

func (a *WebApp) Shutdown() {
	a.shutdownOnce.Do(func() {
		close(a.shutdownCh)
	})
}

func (a *WebApp) Run(ctx context.Context) error {
	webapp := a.router(ctx)

	webapp.Hooks().OnListen(func(listen fiber.ListenData) error {
		if fn := a.config.OnReady; fn != nil {
			fn(fmt.Sprintf("http://%s:%s", listen.Host, listen.Port))
		}
		return nil
	})

	go a.sessions.Sweep(ctx, time.Minute)

	go func() {
		select {
		case <-ctx.Done():
		case <-a.shutdownCh:
		}
		if fn := a.config.OnBeforeShutdown; fn != nil {
			fn()
		}
		if err := webapp.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Failed to shutdown web application")
		}
	}()

	listen := a.config.Listen
	if listen == "" {
		// Let the OS assign a random available port
		listen = "localhost:0"
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if err := webapp.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// router builds the fiber app. Split from Run so tests can drive it with
// app.Test without opening a listener.
func (a *WebApp) router(ctx context.Context) *fiber.App {
	webapp := fiber.New(fiber.Config{
		Immutable:             true,
		DisableStartupMessage: true,
		BodyLimit:             32 << 20,
		ErrorHandler:          errorHandler,
	})

	webapp.Post("/api/sessions", func(c *fiber.Ctx) error {
		header, err := c.FormFile("image")
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "missing image file")
		}
		file, err := header.Open()
		if err != nil {
			return fmt.Errorf("failed to open upload: %w", err)
		}
		defer file.Close()

		id, sess, err := a.sessions.Open(file, SessionConfig{
			OnCrop: func(png []byte) {
				if err := a.store.Put(ctx, png); err != nil {
					log.Ctx(ctx).Error().Err(err).Msg("failed to store avatar")
					return
				}
				if fn := a.config.OnAvatarSaved; fn != nil {
					fn()
				}
			},
			OnCancel: func() {
				log.Ctx(ctx).Debug().Msg("crop session cancelled")
			},
		})
		if err != nil {
			return err
		}

		w, h, baseScale, _ := sess.Source()
		log.Ctx(c.Context()).Info().Str("session", id).Int("width", w).Int("height", h).Msg("crop session opened")
		return c.Status(http.StatusCreated).JSON(fiber.Map{
			"id":         id,
			"width":      w,
			"height":     h,
			"base_scale": baseScale,
			"view":       sess.View(),
		})
	})

	webapp.Get("/api/sessions/:id/preview", func(c *fiber.Ctx) error {
		sess, err := a.sessions.Get(c.Params("id"))
		if err != nil {
			return err
		}
		frame, rev, err := sess.Preview()
		if err != nil {
			return err
		}

		etag := fmt.Sprintf("\"crop-%d\"", rev)
		if c.Get(fiber.HeaderIfNoneMatch) == etag {
			return c.SendStatus(http.StatusNotModified)
		}

		drawBorder(frame)
		data, err := encodePNG(frame)
		if err != nil {
			return err
		}
		c.Set(fiber.HeaderETag, etag)
		c.Type("png")
		return c.Send(data)
	})

	webapp.Post("/api/sessions/:id/drag", func(c *fiber.Ctx) error {
		var request struct {
			Phase string  `json:"phase"`
			X     float64 `json:"x"`
			Y     float64 `json:"y"`
		}
		if err := c.BodyParser(&request); err != nil {
			return err
		}
		sess, err := a.sessions.Get(c.Params("id"))
		if err != nil {
			return err
		}

		switch request.Phase {
		case "start":
			err = sess.DragStart(request.X, request.Y)
		case "move":
			err = sess.DragMove(request.X, request.Y)
		case "end":
			err = sess.DragEnd()
		default:
			return fiber.NewError(http.StatusBadRequest, fmt.Sprintf("unknown drag phase %q", request.Phase))
		}
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"view": sess.View()})
	})

	webapp.Post("/api/sessions/:id/wheel", func(c *fiber.Ctx) error {
		var request struct {
			DeltaY float64 `json:"delta_y"`
		}
		if err := c.BodyParser(&request); err != nil {
			return err
		}
		sess, err := a.sessions.Get(c.Params("id"))
		if err != nil {
			return err
		}
		if err := sess.Wheel(request.DeltaY); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"view": sess.View()})
	})

	webapp.Post("/api/sessions/:id/zoom", func(c *fiber.Ctx) error {
		var request struct {
			Zoom float64 `json:"zoom"`
		}
		if err := c.BodyParser(&request); err != nil {
			return err
		}
		sess, err := a.sessions.Get(c.Params("id"))
		if err != nil {
			return err
		}
		if err := sess.SetZoom(request.Zoom); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"view": sess.View()})
	})

	webapp.Post("/api/sessions/:id/confirm", func(c *fiber.Ctx) error {
		id := c.Params("id")
		sess, err := a.sessions.Get(id)
		if err != nil {
			return err
		}
		if _, err := sess.Confirm(); err != nil {
			return err
		}
		a.sessions.Remove(id)
		log.Ctx(c.Context()).Info().Str("session", id).Msg("crop confirmed")
		return c.JSON(fiber.Map{"url": "/api/avatar"})
	})

	webapp.Delete("/api/sessions/:id", func(c *fiber.Ctx) error {
		id := c.Params("id")
		sess, err := a.sessions.Get(id)
		if err != nil {
			return err
		}
		sess.Cancel()
		a.sessions.Remove(id)
		return c.SendStatus(http.StatusNoContent)
	})

	webapp.Get("/api/avatar", func(c *fiber.Ctx) error {
		f, err := a.store.Open(c.QueryInt("size", OutputDiameter))
		if err != nil {
			return err
		}
		c.Type("png")
		return c.SendStream(f)
	})

	webapp.Delete("/api/avatar", func(c *fiber.Ctx) error {
		if err := a.store.Delete(); err != nil {
			return err
		}
		return c.SendStatus(http.StatusNoContent)
	})

	webapp.Post("/api/shutdown", func(c *fiber.Ctx) error {
		a.Shutdown()
		return nil
	})

	return webapp
}

func errorHandler(c *fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrNoAvatar):
		status = http.StatusNotFound
	case errors.Is(err, ErrImageDecode):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrImageTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrNoSource):
		status = http.StatusConflict
	default:
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			if fiberErr.Code == http.StatusNotFound && c.Path() == "/favicon.ico" {
				return nil
			}
			status = fiberErr.Code
		}
	}

	if status >= http.StatusInternalServerError {
		log.Ctx(c.Context()).Error().
			Err(err).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("Request failed")
		return c.Status(status).JSON(fiber.Map{"error": "Internal Server Error"})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func openBrowser(addr string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", addr)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", addr)
	default:
		cmd = exec.Command("xdg-open", addr)
	}
	return cmd.Start()
}

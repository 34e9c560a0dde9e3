package command

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CommandsPath is the route of the command endpoint.
const CommandsPath = "/api/v1/commands"

// ServerConfig configures the command server.
type ServerConfig struct {
	// Secret enables bearer authentication with HS256 tokens when set.
	Secret  string
	Timeout time.Duration
}

// NewServer returns a fiber app serving d.
func NewServer(d *Dispatcher, cfg ServerConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "etaexport",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          cfg.Timeout,
		IdleTimeout:           60 * time.Second,
	})
	app.Use(recover.New())
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Request-ID", uuid.NewString())
		return c.Next()
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "mode": string(d.Mode())})
	})

	api := app.Group("/api/v1")
	if cfg.Secret != "" {
		api.Use(authMiddleware(cfg.Secret))
	}
	api.Post("/commands", func(c *fiber.Ctx) error {
		var req Request
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(Response{Success: false, Error: "invalid body"})
		}
		resp := d.Handle(c.UserContext(), req)
		return c.JSON(resp)
	})
	return app
}

func authMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		h := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(h, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(Response{Success: false, Error: "missing token"})
		}
		if err := verify(secret, strings.TrimPrefix(h, "Bearer ")); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(Response{Success: false, Error: "invalid token"})
		}
		return c.Next()
	}
}

func verify(secret, raw string) error {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if !tok.Valid {
		return errors.New("token not valid")
	}
	return nil
}

// Sign returns a token accepted by a server configured with secret.
func Sign(secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "etaexport",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}).SignedString([]byte(secret))
}

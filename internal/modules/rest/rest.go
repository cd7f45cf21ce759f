package rest

import (
	"context"
	"strings"
	"time"

	"github.com/eric2788/splitrec/internal/modules/config"
	jwtware "github.com/gofiber/contrib/v3/jwt"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	logging "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/sirupsen/logrus"
	"go.uber.org/fx"
)

var logger = logrus.WithField("module", "rest")

// PublicPrefix marks routes that carry their own authorization and skip the
// bearer token check.
const PublicPrefix = "/public/"

// NewApp builds the HTTP app. Every route registered after it requires a
// bearer token unless login is anonymous or the route is under PublicPrefix.
func NewApp(cfg *config.Config) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "splitrec",
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New())
	app.Use(logging.New(logging.Config{
		Format: "| ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
		Stream: logger.Writer(),
	}))

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if !cfg.AnonymousLogin {
		logger.Info("JWT authentication enabled for REST API")
		app.Post("/login",
			limiter.New(limiter.Config{Max: 10, Expiration: 1 * time.Minute}),
			loginHandler(cfg),
		)
		auth := jwtware.New(jwtware.Config{
			SigningKey: jwtware.SigningKey{Key: []byte(cfg.JwtSecret)},
		})
		app.Use(func(c fiber.Ctx) error {
			if strings.HasPrefix(c.Path(), PublicPrefix) {
				return c.Next()
			}
			return auth(c)
		})
	}
	return app
}

func provider(ls fx.Lifecycle, cfg *config.Config) *fiber.App {
	app := NewApp(cfg)
	ls.Append(
		fx.StartStopHook(
			func(ctx context.Context) error {
				addr := ":" + cfg.Port
				logger.Infof("starting http server on %s", addr)
				go func() {
					if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
						logger.Errorf("http server error: %v", err)
					}
				}()
				return nil
			},
			func(ctx context.Context) error {
				logger.Info("stopping http server")
				return app.ShutdownWithContext(ctx)
			},
		),
	)
	return app
}

func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	if code >= fiber.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

var Module = fx.Module("rest", fx.Provide(provider))

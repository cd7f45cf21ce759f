package rest

import (
	"crypto/subtle"
	"time"

	"github.com/eric2788/splitrec/internal/modules/config"
	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenLifetime = 72 * time.Hour
	tokenIssuer   = "splitrec"
)

type loginRequest struct {
	User string `json:"user" form:"user"`
	Pass string `json:"pass" form:"pass"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func loginHandler(cfg *config.Config) fiber.Handler {
	return func(c fiber.Ctx) error {
		var req loginRequest
		if err := c.Bind().Body(&req); err != nil {
			return fiber.ErrBadRequest
		}
		// both checks always run
		userOK := subtle.ConstantTimeCompare([]byte(req.User), []byte(cfg.Username)) == 1
		passOK := bcrypt.CompareHashAndPassword([]byte(cfg.PasswordHash), []byte(req.Pass)) == nil
		if !userOK || !passOK {
			logger.Warnf("failed login for %q from %s", req.User, c.IP())
			return fiber.ErrUnauthorized
		}

		res, err := issueToken(cfg, time.Now())
		if err != nil {
			return fiber.ErrInternalServerError
		}
		return c.JSON(res)
	}
}

func issueToken(cfg *config.Config, now time.Time) (*LoginResponse, error) {
	exp := now.Add(tokenLifetime)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   cfg.Username,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte(cfg.JwtSecret))
	if err != nil {
		return nil, err
	}
	return &LoginResponse{Token: token, ExpiresAt: exp}, nil
}

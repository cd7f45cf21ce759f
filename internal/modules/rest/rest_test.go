package rest_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eric2788/splitrec/internal/modules/config"
	"github.com/eric2788/splitrec/internal/modules/rest"
	"github.com/gofiber/fiber/v3"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfig(t *testing.T, user, pass string) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("username", user)
	v.Set("password", pass)
	v.Set("jwt_secret", "test-secret")
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func protected(app *fiber.App) {
	app.Get("/secret", func(c fiber.Ctx) error {
		return c.SendString("hidden")
	})
}

func TestApp_Anonymous(t *testing.T) {
	app := rest.NewApp(newConfig(t, "", ""))
	protected(app)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/secret", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/login", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no login route without credentials")
}

func TestApp_Login(t *testing.T) {
	app := rest.NewApp(newConfig(t, "admin", "hunter2"))
	protected(app)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/secret", nil))
	require.NoError(t, err)
	// missing token
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusUnauthorized}, resp.StatusCode)

	login := func(body string) *http.Response {
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, login(`{"user":"admin","pass":"wrong"}`).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, login(`{"user":"root","pass":"hunter2"}`).StatusCode)

	resp = login(`{"user":"admin","pass":"hunter2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body rest.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Token)
	assert.WithinDuration(t, time.Now().Add(72*time.Hour), body.ExpiresAt, time.Minute)
	t.Logf("🔑 token: %s...", body.Token[:16])

	req := httptest.NewRequest(http.MethodGet, "/secret", nil)
	req.Header.Set("Authorization", "Bearer "+body.Token)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_PublicPrefixSkipsToken(t *testing.T) {
	app := rest.NewApp(newConfig(t, "admin", "hunter2"))
	app.Get(rest.PublicPrefix+"ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})
	protected(app)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, rest.PublicPrefix+"ping", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/secret", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

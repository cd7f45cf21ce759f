package record_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eric2788/splitrec/internal/controllers/record"
	"github.com/eric2788/splitrec/internal/modules/config"
	"github.com/eric2788/splitrec/internal/services/recorder"
	"github.com/eric2788/splitrec/internal/splitmux"
	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/media/mediatest"
	"github.com/eric2788/splitrec/pkg/storage"
	"github.com/gofiber/fiber/v3"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*fiber.App, *recorder.Service, *storage.Memory) {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("output_dir", "/rec")
	v.Set("min_free_bytes", 1<<20)
	v.Set("check_interval", time.Hour)
	cfg, err := config.Load(v)
	require.NoError(t, err)

	fs := storage.NewMemory(1 << 30)
	s := recorder.NewManager(cfg, fs, nil)
	t.Cleanup(func() { s.Close(context.Background()) })
	app := fiber.New()
	record.NewController(app, s)
	return app, s, fs
}

func get(t *testing.T, app *fiber.App, method, path string, out any) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, path, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestController(t *testing.T) {
	app, s, fs := setup(t)

	sess, err := s.Open("live", nil)
	require.NoError(t, err)
	v, err := sess.AddTrack(mediatest.H264())
	require.NoError(t, err)
	require.NoError(t, sess.StartRecording())
	for i := 0; i < 10; i++ {
		frame := mediatest.VideoFrame(1000, i == 0)
		require.NoError(t, sess.WriteSampleData(v, frame, media.FrameInfo{Size: 1000, PresentationTimeUs: int64(i) * mediatest.FrameIntervalUs}))
	}

	var list []recorder.Stats
	require.Equal(t, http.StatusOK, get(t, app, http.MethodGet, "/record/list", &list))
	require.Len(t, list, 1)
	assert.Equal(t, sess.ID, list[0].ID)
	assert.Equal(t, "live", list[0].Key)

	var stats recorder.Stats
	require.Equal(t, http.StatusOK, get(t, app, http.MethodGet, "/record/"+sess.ID+"/stats", &stats))
	assert.Equal(t, int64(10), stats.Frames)
	assert.Equal(t, "started", stats.State)
	assert.Equal(t, http.StatusNotFound, get(t, app, http.MethodGet, "/record/nope/stats", nil))

	var check splitmux.CheckResult
	require.Equal(t, http.StatusOK, get(t, app, http.MethodGet, "/record/"+sess.ID+"/check", &check))
	assert.True(t, check.OK)
	fs.SetFree(10)
	require.Equal(t, http.StatusOK, get(t, app, http.MethodGet, "/record/"+sess.ID+"/check", &check))
	assert.False(t, check.OK)
	assert.Equal(t, splitmux.ReasonLowSpace, check.Reason)

	var res record.StopResult
	require.Equal(t, http.StatusOK, get(t, app, http.MethodPost, "/record/"+sess.ID+"/stop", &res))
	require.Len(t, res.Outputs, 1)
	assert.True(t, storage.Exists(fs, res.Outputs[0]))
	assert.Equal(t, http.StatusNotFound, get(t, app, http.MethodPost, "/record/"+sess.ID+"/stop", nil))

	list = nil
	require.Equal(t, http.StatusOK, get(t, app, http.MethodGet, "/record/list", &list))
	assert.Empty(t, list)
}

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/eric2788/splitrec/internal/modules/config"
	"github.com/eric2788/splitrec/internal/postmux"
	"github.com/eric2788/splitrec/pkg/flv"
	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/media/mediatest"
	"github.com/eric2788/splitrec/pkg/mp4"
	"github.com/eric2788/splitrec/pkg/raw"
	"github.com/eric2788/splitrec/pkg/storage"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("split_size", 64*1024)
	v.Set("split_check_every", 10)
	v.Set("pool_max_buffers", 64)
	v.Set("pool_block_timeout", time.Second)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func writeFLV(t *testing.T, fs afero.Fs, path string, frames int) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, flv.WriteHeader(&buf))
	vh := &flv.VideoTag{KeyFrame: true, SequenceHeader: true, Data: flv.BuildDecoderConfig(mediatest.SPS, mediatest.PPS)}
	ah := &flv.AudioTag{SequenceHeader: true, Data: mediatest.ASC}
	require.NoError(t, flv.WriteTag(&buf, &flv.Tag{Type: flv.TagTypeVideo, Data: vh.Marshal()}))
	require.NoError(t, flv.WriteTag(&buf, &flv.Tag{Type: flv.TagTypeAudio, Data: ah.Marshal()}))
	for i := 0; i < frames; i++ {
		ts := int32(i * 33)
		key := i%30 == 0
		vt := &flv.VideoTag{KeyFrame: key, Data: mediatest.VideoFrame(1500, key)}
		at := &flv.AudioTag{Data: mediatest.AudioFrame(200)}
		require.NoError(t, flv.WriteTag(&buf, &flv.Tag{Type: flv.TagTypeVideo, Timestamp: ts, Data: vt.Marshal()}))
		require.NoError(t, flv.WriteTag(&buf, &flv.Tag{Type: flv.TagTypeAudio, Timestamp: ts, Data: at.Marshal()}))
	}
	require.NoError(t, fs.MkdirAll("/in", 0755))
	require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0644))
}

func TestImport_Direct(t *testing.T) {
	fs := storage.NewMemory(1 << 32)
	writeFLV(t, fs, "/in/my show.flv", 150)

	outputs, err := runImport(context.Background(), fs, testConfig(t), "/in/my show.flv", &ImportOptions{
		Output:   "/out",
		Strategy: config.StrategyDirect,
	})
	require.NoError(t, err)
	require.Greater(t, len(outputs), 1, "64 KiB segments")

	var video int
	for _, o := range outputs {
		info, err := mp4.Probe(fs, o)
		require.NoError(t, err)
		video += info.Tracks[0].Samples
		t.Logf("📼 %s: %d bytes", o, info.Size)
	}
	assert.Equal(t, 150, video)
}

func TestImport_RawFileThenProbe(t *testing.T) {
	fs := storage.NewMemory(1 << 32)
	writeFLV(t, fs, "/in/take.flv", 60)

	outputs, err := runImport(context.Background(), fs, testConfig(t), "/in/take.flv", &ImportOptions{
		Output:   "/out",
		Name:     "renamed",
		Strategy: config.StrategyRawFile,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/out/renamed.mp4"}, outputs)
	assert.False(t, storage.Exists(fs, "/out/renamed.video.raw"))

	cmd := NewProbeCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, runProbe(cmd, fs, outputs))
	assert.Contains(t, out.String(), "/out/renamed.mp4")
	assert.Contains(t, out.String(), "h264")
	assert.Contains(t, out.String(), "60 samples")

	assert.Error(t, runProbe(cmd, fs, []string{"/in/take.flv"}))
}

func TestImport_NoMedia(t *testing.T) {
	fs := storage.NewMemory(1 << 32)
	var buf bytes.Buffer
	require.NoError(t, flv.WriteHeader(&buf))
	require.NoError(t, afero.WriteFile(fs, "/empty.flv", buf.Bytes(), 0644))

	_, err := runImport(context.Background(), fs, testConfig(t), "/empty.flv", &ImportOptions{Output: "/out", Strategy: config.StrategyDirect})
	assert.ErrorIs(t, err, ErrNoMedia)
}

func TestBuild(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := raw.NewWriter(raw.NewFileSinks(fs, "/raw", "take"))
	v, err := w.AddTrack(mediatest.H264())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	for i := 0; i < 40; i++ {
		flags := media.Flags(0)
		if i%20 == 0 {
			flags = media.FlagKeyFrame
		}
		vf := mediatest.VideoFrame(500, flags.Has(media.FlagKeyFrame))
		require.NoError(t, w.WriteSampleData(v, vf, media.FrameInfo{Size: len(vf), PresentationTimeUs: int64(i) * mediatest.FrameIntervalUs, Flags: flags}))
	}
	require.NoError(t, w.Stop())
	require.NoError(t, w.Release())

	var out bytes.Buffer
	require.NoError(t, runBuild(context.Background(), &out, fs, &BuildOptions{Dir: "/raw", Name: "take"}))
	var res struct {
		Output string `json:"output"`
		Info   struct {
			Parts int `json:"parts"`
		} `json:"info"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, "/raw/take.mp4", res.Output)
	assert.Positive(t, res.Info.Parts)
	info, err := mp4.Probe(fs, "/raw/take.mp4")
	require.NoError(t, err)
	require.Len(t, info.Tracks, 1)
	assert.Equal(t, 40, info.Tracks[0].Samples)

	// raw streams are gone
	assert.ErrorIs(t, runBuild(context.Background(), io.Discard, fs, &BuildOptions{Dir: "/raw", Name: "take"}), postmux.ErrNoInput)
}

func TestServeFlagsBindConfig(t *testing.T) {
	cmd := NewServeCommand()
	require.NoError(t, cmd.Flags().Set("strategy", config.StrategyRawChannel))
	require.NoError(t, cmd.Flags().Set("split-size", "1048576"))
	t.Cleanup(func() {
		// restore for the other tests of the package
		config.V.Set("strategy", config.StrategyDirect)
		config.V.Set("split_size", int64(4_000_000_000))
	})

	cfg, err := config.Load(config.V)
	require.NoError(t, err)
	assert.Equal(t, config.StrategyRawChannel, cfg.Strategy)
	assert.Equal(t, int64(1048576), cfg.SplitSize)
}

package postmux_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math/rand"
	"testing"

	"github.com/eric2788/splitrec/internal/postmux"
	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/media/mediatest"
	"github.com/eric2788/splitrec/pkg/mp4"
	"github.com/eric2788/splitrec/pkg/raw"
	"github.com/eric2788/splitrec/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rec struct {
	seq   int32
	pts   int64
	flags media.Flags
}

// rawStream encodes a raw stream by hand so tests can express records the
// writer itself refuses, like timestamps going backwards.
func rawStream(t *testing.T, format *media.Format, recs []rec, payloadSize int) *bytes.Buffer {
	t.Helper()
	sinks := raw.NewChannelSinks()
	w := raw.NewWriter(sinks)
	_, err := w.AddTrack(format)
	require.NoError(t, err)
	require.NoError(t, w.Stop())
	header, err := io.ReadAll(sinks.Reader(format.Type()))
	require.NoError(t, err)

	buf := bytes.NewBuffer(header)
	for _, r := range recs {
		var payload []byte
		if format.Type() == media.Video {
			payload = mediatest.VideoFrame(payloadSize, r.flags.Has(media.FlagKeyFrame))
		} else {
			payload = mediatest.AudioFrame(payloadSize)
		}
		var hdr [raw.FrameHeaderSize]byte
		binary.BigEndian.PutUint32(hdr[0:], uint32(r.seq))
		binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
		binary.BigEndian.PutUint32(hdr[8:], uint32(r.flags))
		binary.BigEndian.PutUint64(hdr[12:], uint64(r.pts))
		buf.Write(hdr[:])
		buf.Write(payload)
	}
	return buf
}

func TestBuild_StitchesSequenceRestart(t *testing.T) {
	video := rawStream(t, mediatest.H264(), []rec{
		{0, 0, media.FlagKeyFrame}, {0, 33333, 0}, {0, 66666, 0},
		{1, 0, media.FlagKeyFrame}, {1, 33333, 0},
	}, 64)

	dest := &mediatest.Recorder{}
	res, err := postmux.New(postmux.Options{}).Build(context.Background(), dest, video, nil)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 33333, 66666, 99999, 133332}, dest.PTS(0))
	assert.True(t, dest.Stopped)
	assert.Equal(t, media.Released, dest.State())
	assert.Equal(t, 1, res.Transitions)
	v := res.Track(media.Video)
	require.NotNil(t, v)
	assert.Equal(t, int64(5), v.Written)
	assert.Equal(t, 2, v.Sequences)
	assert.Nil(t, res.Track(media.Audio))
}

func TestBuild_MonotonicAcrossManyRestarts(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		var vrecs, arecs []rec
		seqs := 1 + rng.Intn(8)
		for s := 0; s < seqs; s++ {
			// every sequence restarts from an arbitrary clock
			vbase := rng.Int63n(5_000_000)
			abase := vbase + rng.Int63n(40_000)
			for i := 0; i < 1+rng.Intn(30); i++ {
				vrecs = append(vrecs, rec{int32(s), vbase + int64(i)*33333, 0})
			}
			for i := 0; i < 1+rng.Intn(40); i++ {
				arecs = append(arecs, rec{int32(s), abase + int64(i)*23219, 0})
			}
		}
		dest := &mediatest.Recorder{}
		res, err := postmux.New(postmux.Options{}).Build(context.Background(), dest,
			rawStream(t, mediatest.H264(), vrecs, 16), rawStream(t, mediatest.AAC(), arecs, 16))
		require.NoError(t, err)
		assert.Equal(t, 2*(seqs-1), res.Transitions)

		for track, n := range map[int]int{0: len(vrecs), 1: len(arecs)} {
			pts := dest.PTS(track)
			require.Len(t, pts, n)
			for i := 1; i < len(pts); i++ {
				require.GreaterOrEqual(t, pts[i], pts[i-1], "round %d track %d sample %d", round, track, i)
			}
			require.GreaterOrEqual(t, pts[0], int64(0))
		}
	}
}

func TestBuild_InterleavesByTime(t *testing.T) {
	video := rawStream(t, mediatest.H264(), []rec{{0, 1000, media.FlagKeyFrame}, {0, 34333, 0}, {0, 67666, 0}}, 32)
	audio := rawStream(t, mediatest.AAC(), []rec{{0, 1000, 0}, {0, 24219, 0}, {0, 47438, 0}, {0, 70657, 0}}, 8)

	dest := &mediatest.Recorder{}
	_, err := postmux.New(postmux.Options{}).Build(context.Background(), dest, video, audio)
	require.NoError(t, err)

	var order []int
	var pts []int64
	for _, s := range dest.Samples() {
		order = append(order, s.Track)
		pts = append(pts, s.Info.PresentationTimeUs)
	}
	// common origin at 1000 µs, video first on ties
	assert.Equal(t, []int{0, 1, 1, 0, 1, 0, 1}, order)
	assert.Equal(t, []int64{0, 0, 23219, 33333, 46438, 66666, 69657}, pts)
}

func TestBuild_DisablesInvalidStreamOnly(t *testing.T) {
	video := rawStream(t, mediatest.H264(), []rec{
		{0, 0, media.FlagKeyFrame}, {0, 33333, 0}, {0, 66666, 0}, {0, 99999, 0},
	}, 32)
	// same sequence, clock goes backwards: the destination rejects it
	audio := rawStream(t, mediatest.AAC(), []rec{{0, 0, 0}, {0, 23219, 0}, {0, 10000, 0}, {0, 46438, 0}}, 8)

	dest := &mediatest.Recorder{}
	res, err := postmux.New(postmux.Options{}).Build(context.Background(), dest, video, audio)
	require.NoError(t, err)

	assert.Len(t, dest.PTS(0), 4)
	assert.Equal(t, []int64{0, 23219}, dest.PTS(1))
	a := res.Track(media.Audio)
	assert.Equal(t, int64(2), a.Written)
	assert.NotEmpty(t, a.Disabled)
	assert.ErrorIs(t, a.Err(), media.ErrInvalidArgument)
	assert.Empty(t, res.Track(media.Video).Disabled)
}

func TestBuild_MissingOrCorruptHeader(t *testing.T) {
	video := rawStream(t, mediatest.H264(), []rec{{0, 0, media.FlagKeyFrame}, {0, 33333, 0}}, 32)
	dest := &mediatest.Recorder{}
	res, err := postmux.New(postmux.Options{}).Build(context.Background(), dest, video, bytes.NewReader([]byte("garbage")))
	require.NoError(t, err)
	assert.Len(t, dest.Formats(), 1)
	assert.Len(t, res.Tracks, 1)

	dest = &mediatest.Recorder{}
	_, err = postmux.New(postmux.Options{}).Build(context.Background(), dest, nil, nil)
	require.ErrorIs(t, err, postmux.ErrNoInput)
	assert.Equal(t, media.Released, dest.State())
}

func TestBuild_TruncatedTail(t *testing.T) {
	video := rawStream(t, mediatest.H264(), []rec{{0, 0, media.FlagKeyFrame}, {0, 33333, 0}, {0, 66666, 0}}, 40)
	data := video.Bytes()
	dest := &mediatest.Recorder{}
	res, err := postmux.New(postmux.Options{}).Build(context.Background(), dest, bytes.NewReader(data[:len(data)-7]), nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 33333}, dest.PTS(0))
	assert.True(t, res.Track(media.Video).Truncated)
}

func TestBuild_AbortsOnIOError(t *testing.T) {
	video := rawStream(t, mediatest.H264(), []rec{{0, 0, media.FlagKeyFrame}, {0, 33333, 0}, {0, 66666, 0}}, 40)
	audio := rawStream(t, mediatest.AAC(), []rec{{0, 0, 0}, {0, 23219, 0}}, 8)
	dest := &mediatest.Recorder{WriteErr: media.IOError(io.ErrShortWrite), Fail: 2}
	_, err := postmux.New(postmux.Options{}).Build(context.Background(), dest, video, audio)
	require.ErrorIs(t, err, media.ErrIO)
	assert.Len(t, dest.Samples(), 2)
	assert.Equal(t, media.Released, dest.State())
}

func TestBuild_Cancelled(t *testing.T) {
	video := rawStream(t, mediatest.H264(), []rec{{0, 0, media.FlagKeyFrame}, {0, 33333, 0}}, 40)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dest := &mediatest.Recorder{}
	_, err := postmux.New(postmux.Options{}).Build(ctx, dest, video, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, dest.Samples())
}

func TestBuildFiles_EndToEnd(t *testing.T) {
	fs := storage.NewMemory(1 << 32)
	sinks := raw.NewFileSinks(fs, "/rec", "take")
	w := raw.NewWriter(sinks)
	v, err := w.AddTrack(mediatest.H264())
	require.NoError(t, err)
	a, err := w.AddTrack(mediatest.AAC())
	require.NoError(t, err)
	require.NoError(t, w.Start())

	write := func(n int) {
		for i := 0; i < n; i++ {
			pts := int64(i) * mediatest.FrameIntervalUs
			flags := media.Flags(0)
			if i%30 == 0 {
				flags = media.FlagKeyFrame
			}
			vf := mediatest.VideoFrame(1500, flags.Has(media.FlagKeyFrame))
			require.NoError(t, w.WriteSampleData(v, vf, media.FrameInfo{Size: len(vf), PresentationTimeUs: pts, Flags: flags}))
			af := mediatest.AudioFrame(200)
			require.NoError(t, w.WriteSampleData(a, af, media.FrameInfo{Size: len(af), PresentationTimeUs: pts}))
		}
	}
	write(60)
	w.NextSequence()
	write(45)
	require.NoError(t, w.Stop())
	require.NoError(t, w.Release())

	var lastRead, lastTotal int64
	b := postmux.New(postmux.Options{Progress: func(read, total int64) { lastRead, lastTotal = read, total }})
	res, err := b.BuildFiles(context.Background(), fs, postmux.Job{Dir: "/rec", BaseName: "take", Output: "/rec/take.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "/rec/take.mp4", res.Output)
	assert.Equal(t, 2, res.Transitions)
	assert.Equal(t, lastTotal, lastRead)
	t.Logf("raw input %d bytes", lastTotal)

	assert.False(t, storage.Exists(fs, sinks.Path(media.Video)))
	assert.False(t, storage.Exists(fs, sinks.Path(media.Audio)))
	assert.False(t, storage.Exists(fs, "/rec/take.mp4.tmp"))

	info, err := mp4.Probe(fs, "/rec/take.mp4")
	require.NoError(t, err)
	video := info.Track(1)
	require.NotNil(t, video)
	assert.Equal(t, 105, video.Samples)
	times := video.TimesUs()
	for i := 1; i < len(times); i++ {
		require.Greater(t, times[i], times[i-1])
	}
	// second sequence continues one frame after the first
	assert.InDelta(t, 60*mediatest.FrameIntervalUs, times[60], 20)
}

func TestBuildFiles_NoInput(t *testing.T) {
	fs := storage.NewMemory(1 << 20)
	_, err := postmux.New(postmux.Options{}).BuildFiles(context.Background(), fs, postmux.Job{Dir: "/x", BaseName: "y", Output: "/x/y.mp4"})
	require.ErrorIs(t, err, postmux.ErrNoInput)
}

func TestBuildChannels(t *testing.T) {
	fs := storage.NewMemory(1 << 30)
	sinks := raw.NewChannelSinks()
	w := raw.NewWriter(sinks)
	a, err := w.AddTrack(mediatest.AAC())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	for i := 0; i < 100; i++ {
		af := mediatest.AudioFrame(100)
		require.NoError(t, w.WriteSampleData(a, af, media.FrameInfo{Size: 100, PresentationTimeUs: int64(i) * 23219}))
	}
	require.NoError(t, w.Stop())

	res, err := postmux.New(postmux.Options{}).BuildChannels(context.Background(), fs, sinks, "/out/audio.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Track(media.Audio).Written)

	info, err := mp4.Probe(fs, "/out/audio.mp4")
	require.NoError(t, err)
	assert.Equal(t, "aac", info.Track(1).Codec)
	assert.Equal(t, 100, info.Track(1).Samples)
}

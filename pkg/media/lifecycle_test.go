package media_test

import (
	"testing"

	"github.com/eric2788/splitrec/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func avcFormat() *media.Format {
	return &media.Format{
		MimeType:    media.MimeH264,
		Width:       1280,
		Height:      720,
		CodecConfig: [][]byte{{0x67, 0x42, 0xc0, 0x28}, {0x68, 0xce, 0x3c, 0x80}},
	}
}

func aacFormat() *media.Format {
	return &media.Format{
		MimeType:     media.MimeAAC,
		SampleRate:   44100,
		ChannelCount: 2,
		CodecConfig:  [][]byte{{0x12, 0x10}},
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	var l media.Lifecycle

	v, err := l.AddTrack(avcFormat())
	require.NoError(t, err)
	a, err := l.AddTrack(aacFormat())
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	assert.Equal(t, 1, a)
	assert.Equal(t, 0, l.TrackOf(media.Video))
	assert.Equal(t, 1, l.TrackOf(media.Audio))

	require.NoError(t, l.Start())
	payload := []byte{1, 2, 3}
	require.NoError(t, l.CheckWrite(v, payload, media.FrameInfo{Size: 3, PresentationTimeUs: 0}))
	require.NoError(t, l.CheckWrite(v, payload, media.FrameInfo{Size: 3, PresentationTimeUs: 0}))
	require.NoError(t, l.CheckWrite(a, payload, media.FrameInfo{Offset: 1, Size: 2, PresentationTimeUs: 10}))

	changed, err := l.Stop()
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = l.Stop()
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = l.Release()
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = l.Release()
	require.ErrorIs(t, err, media.ErrAlreadyReleased)
}

func TestLifecycle_StateErrors(t *testing.T) {
	var l media.Lifecycle

	err := l.CheckWrite(0, []byte{1}, media.FrameInfo{Size: 1})
	require.ErrorIs(t, err, media.ErrInvalidState)

	err = l.Start()
	require.ErrorIs(t, err, media.ErrInvalidState)
	assert.Contains(t, err.Error(), "no track added")

	_, err = l.AddTrack(avcFormat())
	require.NoError(t, err)
	_, err = l.AddTrack(avcFormat())
	require.ErrorIs(t, err, media.ErrInvalidState)

	require.NoError(t, l.Start())
	_, err = l.AddTrack(aacFormat())
	require.ErrorIs(t, err, media.ErrInvalidState)

	_, err = l.Release()
	require.NoError(t, err)
	_, err = l.AddTrack(aacFormat())
	require.ErrorIs(t, err, media.ErrAlreadyReleased)
	require.ErrorIs(t, l.Start(), media.ErrAlreadyReleased)
	require.ErrorIs(t, l.CheckWrite(0, nil, media.FrameInfo{}), media.ErrAlreadyReleased)
	_, err = l.Stop()
	require.ErrorIs(t, err, media.ErrAlreadyReleased)
}

func TestLifecycle_InvalidFrames(t *testing.T) {
	var l media.Lifecycle
	_, err := l.AddTrack(avcFormat())
	require.NoError(t, err)
	require.NoError(t, l.Start())

	payload := make([]byte, 8)
	cases := map[string]struct {
		track int
		info  media.FrameInfo
	}{
		"track out of range": {track: 1, info: media.FrameInfo{Size: 1}},
		"negative track":     {track: -1, info: media.FrameInfo{Size: 1}},
		"negative offset":    {info: media.FrameInfo{Offset: -1, Size: 1}},
		"negative size":      {info: media.FrameInfo{Size: -1}},
		"overflow":           {info: media.FrameInfo{Offset: 4, Size: 5}},
		"negative pts":       {info: media.FrameInfo{Size: 1, PresentationTimeUs: -1}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, l.CheckWrite(c.track, payload, c.info), media.ErrInvalidArgument)
		})
	}

	require.NoError(t, l.CheckWrite(0, payload, media.FrameInfo{Size: 8, PresentationTimeUs: 100}))
	require.ErrorIs(t, l.CheckWrite(0, payload, media.FrameInfo{Size: 8, PresentationTimeUs: 99}), media.ErrInvalidArgument)
}

func TestFormat_Validate(t *testing.T) {
	require.NoError(t, avcFormat().Validate())
	require.NoError(t, aacFormat().Validate())
	require.NoError(t, (&media.Format{MimeType: media.MimeOpus, SampleRate: 48000, ChannelCount: 2}).Validate())

	require.ErrorIs(t, (&media.Format{MimeType: "video/x-vnd.on2.vp8"}).Validate(), media.ErrInvalidArgument)
	require.ErrorIs(t, (&media.Format{MimeType: media.MimeH264, CodecConfig: [][]byte{{1}}}).Validate(), media.ErrInvalidArgument)
	require.ErrorIs(t, (&media.Format{MimeType: media.MimeOpus}).Validate(), media.ErrInvalidArgument)

	f := avcFormat()
	c := f.Clone()
	f.CodecConfig[0][0] = 0
	assert.Equal(t, byte(0x67), c.CodecConfig[0][0])
}

func TestIOError(t *testing.T) {
	cause := assert.AnError
	err := media.IOErrorf(cause, "write segment %d", 3)
	require.ErrorIs(t, err, media.ErrIO)
	require.ErrorIs(t, err, cause)
	assert.Same(t, err, media.IOError(err))
	assert.Nil(t, media.IOError(nil))
}

func TestLifecycle_ResetTimestamps(t *testing.T) {
	var l media.Lifecycle
	_, err := l.AddTrack(aacFormat())
	require.NoError(t, err)
	require.NoError(t, l.Start())

	require.NoError(t, l.CheckWrite(0, nil, media.FrameInfo{PresentationTimeUs: 500}))
	require.ErrorIs(t, l.CheckWrite(0, nil, media.FrameInfo{PresentationTimeUs: 0}), media.ErrInvalidArgument)
	l.ResetTimestamps()
	require.NoError(t, l.CheckWrite(0, nil, media.FrameInfo{PresentationTimeUs: 0}))
}

func TestLifecycle_StartFuncFailureKeepsState(t *testing.T) {
	var l media.Lifecycle
	calls := 0
	prepare := func() error {
		calls++
		if calls == 1 {
			return media.IOError(assert.AnError)
		}
		return nil
	}

	require.ErrorIs(t, l.StartFunc(prepare), media.ErrInvalidState, "no track yet")
	assert.Zero(t, calls, "prepare runs only for a valid start")

	_, err := l.AddTrack(avcFormat())
	require.NoError(t, err)
	require.ErrorIs(t, l.StartFunc(prepare), media.ErrIO)
	assert.Equal(t, media.Uninitialized, l.State())

	require.NoError(t, l.StartFunc(prepare))
	assert.Equal(t, media.Started, l.State())
	assert.Equal(t, 2, calls)
}

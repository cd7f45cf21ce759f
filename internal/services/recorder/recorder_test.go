package recorder_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eric2788/splitrec/internal/services/recorder"
	"github.com/eric2788/splitrec/internal/splitmux"
	"github.com/eric2788/splitrec/pkg/media"
	"github.com/eric2788/splitrec/pkg/media/mediatest"
	"github.com/eric2788/splitrec/pkg/mp4"
	"github.com/eric2788/splitrec/pkg/pool"
	"github.com/eric2788/splitrec/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// events records callback invocations in order.
type events struct {
	mu   sync.Mutex
	list []string
	errs []error
}

func (e *events) add(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, name)
}

func (e *events) OnConnected()    { e.add("connected") }
func (e *events) OnPrepared()     { e.add("prepared") }
func (e *events) OnReady()        { e.add("ready") }
func (e *events) OnDisconnected() { e.add("disconnected") }
func (e *events) OnError(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
	e.add("error")
}

func (e *events) Events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

func (e *events) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func testOptions(strategy recorder.Strategy) recorder.Options {
	return recorder.Options{
		Dir:      "/rec/live",
		BaseName: "take",
		Strategy: strategy,
		Split: splitmux.Options{
			SplitSize:  256 * 1024,
			CheckEvery: 1,
			Pool:       pool.Options{MaxBuffers: 64, BlockTimeout: time.Second},
		},
		Limits:        splitmux.Limits{MinFreeBytes: 1 << 20},
		ExpectVideo:   true,
		ExpectAudio:   true,
		FrameInterval: mediatest.FrameIntervalUs,
	}
}

// feed writes n video frames and n audio frames starting at start µs.
func feed(t *testing.T, r interface {
	WriteSampleData(int, []byte, media.FrameInfo) error
}, v, a, n int, start int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		pts := start + int64(i)*mediatest.FrameIntervalUs
		key := i%30 == 0
		flags := media.Flags(0)
		if key {
			flags = media.FlagKeyFrame
		}
		vf := mediatest.VideoFrame(2048, key)
		require.NoError(t, r.WriteSampleData(v, vf, media.FrameInfo{Size: len(vf), PresentationTimeUs: pts, Flags: flags}), "video %d", i)
		af := mediatest.AudioFrame(200)
		require.NoError(t, r.WriteSampleData(a, af, media.FrameInfo{Size: len(af), PresentationTimeUs: pts}), "audio %d", i)
	}
}

func startRecorder(t *testing.T, fs storage.FileSystem, opts recorder.Options, cb recorder.Callback) (*recorder.Recorder, int, int) {
	t.Helper()
	r := recorder.New(fs, opts, cb)
	require.NoError(t, r.Prepare())
	v, err := r.AddTrack(mediatest.H264())
	require.NoError(t, err)
	a, err := r.AddTrack(mediatest.AAC())
	require.NoError(t, err)
	require.NoError(t, r.StartRecording())
	return r, v, a
}

func TestRecorder_WriteBeforeStartCreatesNothing(t *testing.T) {
	for _, strategy := range []recorder.Strategy{recorder.Direct, recorder.RawFile, recorder.RawChannel} {
		t.Run(string(strategy), func(t *testing.T) {
			fs := storage.NewMemory(1 << 30)
			r := recorder.New(fs, testOptions(strategy), nil)
			frame := mediatest.VideoFrame(100, true)
			info := media.FrameInfo{Size: 100, Flags: media.FlagKeyFrame}

			assert.ErrorIs(t, r.WriteSampleData(0, frame, info), media.ErrInvalidState)
			assert.ErrorIs(t, r.StartRecording(), media.ErrInvalidState)
			assert.False(t, storage.Exists(fs, "/rec/live"))

			require.NoError(t, r.Prepare())
			assert.ErrorIs(t, r.Prepare(), media.ErrInvalidState)
			assert.ErrorIs(t, r.WriteSampleData(0, frame, info), media.ErrInvalidState)
			assert.ErrorIs(t, r.StartRecording(), media.ErrInvalidState, "no track yet")

			entries, err := afero.ReadDir(fs, "/rec/live")
			require.NoError(t, err)
			assert.Empty(t, entries, "no file before the first track")
			assert.Equal(t, recorder.Prepared, r.State())
		})
	}
}

func TestRecorder_CallbacksAndStates(t *testing.T) {
	fs := storage.NewMemory(1 << 30)
	cb := &events{}
	r := recorder.New(fs, testOptions(recorder.Direct), cb)
	assert.Equal(t, recorder.Uninitialized, r.State())

	require.NoError(t, r.Prepare())
	v, err := r.AddTrack(mediatest.H264())
	require.NoError(t, err)
	assert.False(t, r.Ready(), "audio still expected")
	assert.ErrorIs(t, r.StartRecording(), media.ErrInvalidState)

	a, err := r.AddTrack(mediatest.AAC())
	require.NoError(t, err)
	assert.True(t, r.Ready())
	require.NoError(t, r.StartRecording())
	assert.Equal(t, recorder.Started, r.State())

	feed(t, r, v, a, 60, 0)
	outputs, err := r.StopRecording(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, outputs)
	for _, out := range outputs {
		assert.True(t, storage.Exists(fs, out), out)
	}
	again, err := r.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outputs, again)
	assert.ErrorIs(t, r.WriteSampleData(v, mediatest.VideoFrame(10, true), media.FrameInfo{Size: 10}), media.ErrInvalidState)

	st := r.Stats()
	assert.Equal(t, int64(120), st.Frames)
	assert.Equal(t, "stopped", st.State)
	require.NotNil(t, st.Split)
	assert.Equal(t, int64(120), st.Split.Written)

	require.NoError(t, r.Release())
	assert.ErrorIs(t, r.Release(), media.ErrAlreadyReleased)
	assert.ErrorIs(t, r.WriteSampleData(v, mediatest.VideoFrame(10, true), media.FrameInfo{Size: 10}), media.ErrAlreadyReleased)
	_, err = r.StopRecording(context.Background())
	assert.ErrorIs(t, err, media.ErrAlreadyReleased)
	_, err = r.AddTrack(mediatest.AAC())
	assert.ErrorIs(t, err, media.ErrAlreadyReleased)

	assert.Equal(t, []string{"prepared", "ready", "disconnected"}, cb.Events())
	t.Logf("✅ outputs: %v", outputs)
}

func TestRecorder_ReadyWithoutExpectations(t *testing.T) {
	opts := testOptions(recorder.RawChannel)
	opts.ExpectVideo, opts.ExpectAudio = false, false
	cb := &events{}
	r := recorder.New(storage.NewMemory(1<<30), opts, cb)
	require.NoError(t, r.Prepare())
	_, err := r.AddTrack(mediatest.AAC())
	require.NoError(t, err)
	assert.True(t, r.Ready())
	_, err = r.AddTrack(mediatest.H264())
	require.NoError(t, err)
	assert.Equal(t, []string{"prepared", "ready"}, cb.Events(), "ready fires once")
}

func TestRecorder_RawStrategiesBuildOneFile(t *testing.T) {
	for _, strategy := range []recorder.Strategy{recorder.RawFile, recorder.RawChannel} {
		t.Run(string(strategy), func(t *testing.T) {
			fs := storage.NewMemory(1 << 30)
			r, v, a := startRecorder(t, fs, testOptions(strategy), nil)

			feed(t, r, v, a, 45, 0)
			r.Discontinuity()
			// the source timeline restarts from zero
			feed(t, r, v, a, 30, 0)
			assert.Equal(t, int32(1), r.Stats().RawSequence)

			outputs, err := r.StopRecording(context.Background())
			require.NoError(t, err)
			require.Equal(t, []string{"/rec/live/take.mp4"}, outputs)

			info, err := mp4.Probe(fs, outputs[0])
			require.NoError(t, err)
			require.Len(t, info.Tracks, 2)
			for _, tr := range info.Tracks {
				assert.Equal(t, 75, tr.Samples)
				times := tr.TimesUs()
				for i := 1; i < len(times); i++ {
					assert.Greater(t, times[i], times[i-1], "track %d sample %d", tr.ID, i)
				}
			}

			assert.False(t, storage.Exists(fs, "/rec/live/take.video.raw"), "raw streams removed after the build")
			require.NoError(t, r.Release())
		})
	}
}

func TestRecorder_ReleaseWithoutStartRemovesRawFiles(t *testing.T) {
	fs := storage.NewMemory(1 << 30)
	cb := &events{}
	r := recorder.New(fs, testOptions(recorder.RawFile), cb)
	require.NoError(t, r.Prepare())
	_, err := r.AddTrack(mediatest.H264())
	require.NoError(t, err)
	assert.True(t, storage.Exists(fs, "/rec/live/take.video.raw"))

	require.NoError(t, r.Release())
	assert.False(t, storage.Exists(fs, "/rec/live/take.video.raw"))
	assert.Equal(t, []string{"prepared", "disconnected"}, cb.Events())
}

func TestRecorder_ReleaseStopsRunningRecording(t *testing.T) {
	fs := storage.NewMemory(1 << 30)
	r, v, a := startRecorder(t, fs, testOptions(recorder.RawFile), nil)
	feed(t, r, v, a, 10, 0)

	require.NoError(t, r.Release())
	assert.Equal(t, recorder.Released, r.State())
	assert.True(t, storage.Exists(fs, "/rec/live/take.mp4"))
}

type brokenFS struct {
	storage.FileSystem
}

func (brokenFS) MkdirAll(string, os.FileMode) error {
	return os.ErrPermission
}

func TestRecorder_PrepareIOError(t *testing.T) {
	r := recorder.New(brokenFS{storage.NewMemory(1 << 30)}, testOptions(recorder.Direct), nil)
	err := r.Prepare()
	require.ErrorIs(t, err, media.ErrIO)
	assert.Equal(t, recorder.Uninitialized, r.State())
}

func TestRecorder_UnknownStrategy(t *testing.T) {
	opts := testOptions("carrier-pigeon")
	r := recorder.New(storage.NewMemory(1<<30), opts, nil)
	assert.ErrorIs(t, r.Prepare(), media.ErrInvalidArgument)
}

// failingWriter fails every write after the first few.
type failingWriter struct {
	splitmux.SegmentWriter
	mu     sync.Mutex
	writes int
}

func (w *failingWriter) WriteSampleData(track int, payload []byte, info media.FrameInfo) error {
	w.mu.Lock()
	w.writes++
	n := w.writes
	w.mu.Unlock()
	if n > 3 {
		return media.IOErrorf(errors.New("device gone"), "write")
	}
	return w.SegmentWriter.WriteSampleData(track, payload, info)
}

func TestRecorder_AsyncFailureReported(t *testing.T) {
	fs := storage.NewMemory(1 << 30)
	opts := testOptions(recorder.Direct)
	opts.Split.NewWriter = func(fs afero.Fs, path string) splitmux.SegmentWriter {
		return &failingWriter{SegmentWriter: mp4.NewWriter(fs, path)}
	}
	cb := &events{}
	r, v, _ := startRecorder(t, fs, opts, cb)

	for i := 0; i < 20; i++ {
		frame := mediatest.VideoFrame(512, true)
		if err := r.WriteSampleData(v, frame, media.FrameInfo{Size: 512, PresentationTimeUs: int64(i) * 1000, Flags: media.FlagKeyFrame}); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool { return r.Err() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, r.Err(), media.ErrIO)
	require.Len(t, cb.Errors(), 1)
	assert.NotEmpty(t, r.Stats().Error)

	// the recording stops itself once the mux goroutine is gone
	require.Eventually(t, func() bool { return r.State() == recorder.Stopped }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, r.WriteSampleData(v, mediatest.VideoFrame(512, true), media.FrameInfo{Size: 512, PresentationTimeUs: time.Hour.Microseconds()}), media.ErrInvalidState)

	outputs, err := r.StopRecording(context.Background())
	assert.ErrorIs(t, err, media.ErrIO)
	assert.Len(t, outputs, 1)
	require.NoError(t, r.Release())
}

func TestRecorder_Check(t *testing.T) {
	fs := storage.NewMemory(1 << 30)
	opts := testOptions(recorder.Direct)
	opts.Limits.MaxDuration = time.Hour
	r, _, _ := startRecorder(t, fs, opts, nil)
	defer r.Release()

	res, err := r.Check()
	require.NoError(t, err)
	assert.True(t, res.OK)

	fs.SetFree(1024)
	res, err = r.Check()
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, splitmux.ReasonLowSpace, res.Reason)
	t.Logf("check: %+v", res)
}

func TestOptions_Output(t *testing.T) {
	opts := recorder.Options{Dir: "/rec/a", BaseName: "b"}
	assert.Equal(t, filepath.Join("/rec/a", "b.mp4"), opts.Output())
}

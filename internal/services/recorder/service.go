package recorder

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/eric2788/splitrec/internal/modules/config"
	"github.com/eric2788/splitrec/internal/postmux"
	"github.com/eric2788/splitrec/internal/services/journal"
	"github.com/eric2788/splitrec/internal/splitmux"
	"github.com/eric2788/splitrec/pkg/storage"
	"github.com/eric2788/splitrec/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/fx"
)

var (
	ErrMaxConcurrentRecordingsReached = errors.New("maximum concurrent recordings reached")
	ErrRecordingStarted               = errors.New("recording already started")
	ErrSessionNotFound                = errors.New("recording session not found")
	ErrStorageLow                     = errors.New("free storage below the configured floor")
	ErrMaxRecordingDuration           = errors.New("maximum recording duration reached")
)

// Session is one recording registered in the Service.
type Session struct {
	*Recorder
	ID        string
	Key       string
	CreatedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
	cb     Callback
}

type Service struct {
	cfg      *config.Config
	fs       storage.FileSystem
	journal  *journal.Service
	builder  *postmux.Builder
	sessions *xsync.Map[string, *Session]
	keys     *xsync.Map[string, string]
	finished *xsync.Counter

	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(lc fx.Lifecycle, cfg *config.Config, j *journal.Service) *Service {
	usage := storage.NewCachedUsage(storage.NewOS(), cfg.CheckInterval/2)
	s := NewManager(cfg, usage, j)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go usage.Start()
			go func() {
				if err := s.RecoverPending(s.ctx); err != nil {
					logger.Errorf("recover pending raw sessions: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.Close(ctx)
			usage.Stop()
			return nil
		},
	})
	return s
}

// NewManager builds a Service over fs. j may be nil, raw-file sessions are then
// not journaled.
func NewManager(cfg *config.Config, fs storage.FileSystem, j *journal.Service) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		fs:       fs,
		journal:  j,
		builder:  postmux.New(postmux.Options{FrameInterval: cfg.FrameInterval, ReadLimit: cfg.BuildReadLimit}),
		sessions: xsync.NewMap[string, *Session](),
		keys:     xsync.NewMap[string, string](),
		finished: xsync.NewCounter(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

type OpenOption func(*Options)

func WithStrategy(strategy Strategy) OpenOption {
	return func(o *Options) { o.Strategy = strategy }
}

func WithExpectedTracks(video, audio bool) OpenOption {
	return func(o *Options) { o.ExpectVideo, o.ExpectAudio = video, audio }
}

func WithSplitOptions(fn func(*splitmux.Options)) OpenOption {
	return func(o *Options) { fn(&o.Split) }
}

// Open registers and prepares a recording for key. The returned session
// still needs its tracks and StartRecording.
func (s *Service) Open(key string, cb Callback, options ...OpenOption) (*Session, error) {
	if cb == nil {
		cb = NopCallback{}
	}
	if s.sessions.Size() >= s.cfg.MaxConcurrentRecordings {
		return nil, ErrMaxConcurrentRecordingsReached
	}
	id := uuid.NewString()
	if _, loaded := s.keys.LoadOrStore(key, id); loaded {
		return nil, errors.Wrap(ErrRecordingStarted, key)
	}

	now := time.Now()
	name := utils.SanitizeFilename(key)
	opts := OptionsFromConfig(s.cfg)
	opts.Dir = filepath.Join(s.cfg.OutputDir, name)
	opts.BaseName = fmt.Sprintf("%s-%s", name, now.Format("20060102-150405"))
	for _, o := range options {
		o(&opts)
	}

	sess := &Session{ID: id, Key: key, CreatedAt: now, done: make(chan struct{}), cb: cb}
	if opts.Strategy == RawFile && s.journal != nil {
		opts.Finalize = func(ctx context.Context, job postmux.Job) (*postmux.Result, error) {
			return s.finalize(ctx, sess.ID, false)
		}
	}
	sess.Recorder = New(s.fs, opts, &sessionCallback{Callback: cb, s: s, id: id})
	sess.log = sess.log.WithField("session", id)

	cb.OnConnected()
	if err := sess.Prepare(); err != nil {
		s.keys.Delete(key)
		return nil, err
	}
	if opts.Strategy == RawFile && s.journal != nil {
		if err := s.journal.Add(&journal.Entry{
			ID:       id,
			Key:      key,
			Dir:      opts.Dir,
			BaseName: opts.BaseName,
			Output:   opts.Output(),
			Strategy: string(opts.Strategy),
		}); err != nil {
			sess.Release()
			s.keys.Delete(key)
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sess.cancel = cancel
	s.sessions.Store(id, sess)
	go s.watch(ctx, sess)
	sess.log.Infof("session opened for %q with %s strategy", key, opts.Strategy)
	return sess, nil
}

// Stop stops and releases a session and returns its output files.
func (s *Service) Stop(ctx context.Context, id string) ([]string, error) {
	sess, ok := s.sessions.LoadAndDelete(id)
	if !ok {
		return nil, errors.Wrap(ErrSessionNotFound, id)
	}
	sess.cancel()
	defer close(sess.done)
	defer s.keys.Delete(sess.Key)
	defer s.finished.Inc()

	outputs, err := sess.StopRecording(ctx)
	if rerr := sess.Release(); rerr != nil {
		sess.log.Warnf("release: %v", rerr)
	}
	if err != nil {
		sess.log.Errorf("stop: %v", err)
		return outputs, err
	}
	sess.log.Infof("session stopped, %d output file(s)", len(outputs))
	return outputs, nil
}

// StopByKey stops the session recording key, if any.
func (s *Service) StopByKey(ctx context.Context, key string) ([]string, error) {
	id, ok := s.keys.Load(key)
	if !ok {
		return nil, errors.Wrap(ErrSessionNotFound, key)
	}
	return s.Stop(ctx, id)
}

func (s *Service) Get(id string) (*Session, bool) {
	return s.sessions.Load(id)
}

func (s *Service) List() []string {
	ids := make([]string, 0, s.sessions.Size())
	s.sessions.Range(func(id string, _ *Session) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Close stops every session.
func (s *Service) Close(ctx context.Context) {
	for _, id := range s.List() {
		if _, err := s.Stop(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			logger.Warnf("stop %s on shutdown: %v", id, err)
		}
	}
	s.cancel()
}

// watch polls the storage and duration guard and stops the session when it
// fails.
func (s *Service) watch(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			res, err := sess.Check()
			if err != nil {
				sess.log.Warnf("storage check: %v", err)
				continue
			}
			if res.OK {
				continue
			}
			var cause error
			switch res.Reason {
			case splitmux.ReasonMaxDuration:
				cause = errors.Wrapf(ErrMaxRecordingDuration, "after %v", res.Elapsed.Round(time.Second))
			default:
				cause = errors.Wrapf(ErrStorageLow, "%s: %d bytes free (%.1f%%)", res.Reason, res.Free, res.FreeRatio*100)
			}
			sess.log.Warnf("stopping: %v", cause)
			sess.cb.OnError(cause)
			if _, err := s.Stop(context.Background(), sess.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
				sess.log.Errorf("stop after guard: %v", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// sessionCallback drops the session from the registry when its mux goroutine
// fails.
type sessionCallback struct {
	Callback
	s  *Service
	id string
}

func (c *sessionCallback) OnError(err error) {
	c.Callback.OnError(err)
	// runs on the mux goroutine, which Stop waits for
	go func() {
		if _, serr := c.s.Stop(context.Background(), c.id); serr != nil && !errors.Is(serr, ErrSessionNotFound) {
			logger.WithField("session", c.id).Warnf("stop after mux failure: %v", serr)
		}
	}()
}

// Package stream records remote HTTP-FLV streams.
package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/eric2788/splitrec/internal/ingest"
	"github.com/eric2788/splitrec/internal/services/recorder"
	"github.com/eric2788/splitrec/pkg/flv"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"
	"go.uber.org/fx"
)

var logger = logrus.WithField("service", "stream")

const (
	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	stopTimeout = 5 * time.Minute
)

var ErrUnexpectedStatus = errors.New("unexpected response status")

type Service struct {
	client   *resty.Client
	recorder *recorder.Service
	// session id -> cancel of the running pull
	pulls *xsync.Map[string, context.CancelFunc]
}

func NewService(lc fx.Lifecycle, rs *recorder.Service) *Service {
	s := New(resty.New(), rs)
	lc.Append(fx.StopHook(s.Close))
	return s
}

func New(client *resty.Client, rs *recorder.Service) *Service {
	client.
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "*/*").
		SetHeader("User-Agent", userAgent)
	return &Service{
		client:   client,
		recorder: rs,
		pulls:    xsync.NewMap[string, context.CancelFunc](),
	}
}

// Pull opens a recording for key and records the HTTP-FLV stream at url in
// the background until the stream ends or the session is stopped.
func (s *Service) Pull(key, url string) (*recorder.Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	resp, err := s.client.R().SetContext(ctx).Get(url)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "fetch %s", url)
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		body.Close()
		cancel()
		return nil, errors.Wrapf(ErrUnexpectedStatus, "%s: %d", url, resp.StatusCode())
	}
	src, err := flv.NewSource(body)
	if err != nil {
		body.Close()
		cancel()
		return nil, err
	}

	log := logger.WithField("key", key)
	sess, err := s.recorder.Open(key, &pullCallback{cancel: cancel, log: log})
	if err != nil {
		body.Close()
		cancel()
		return nil, err
	}
	s.pulls.Store(sess.ID, cancel)
	go func() {
		defer body.Close()
		defer s.pulls.Delete(sess.ID)
		s.run(ctx, sess, src, log.WithField("session", sess.ID))
	}()
	log.Infof("pulling %s", url)
	return sess, nil
}

func (s *Service) run(ctx context.Context, sess *recorder.Session, src *flv.Source, log *logrus.Entry) {
	st, err := ingest.Import(ctx, src, sess)
	switch {
	case err == nil:
		log.WithField("stats", st).Info("stream ended")
	case ctx.Err() != nil:
		log.WithField("stats", st).Info("pull cancelled")
	default:
		log.WithField("stats", st).Warnf("stream interrupted: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	outputs, err := s.recorder.Stop(stopCtx, sess.ID)
	switch {
	case errors.Is(err, recorder.ErrSessionNotFound):
	case err != nil:
		log.Errorf("stop after pull: %v", err)
	default:
		log.Infof("%d output file(s)", len(outputs))
	}
}

// Pulling reports whether the session id is fed by a running pull.
func (s *Service) Pulling(id string) bool {
	_, ok := s.pulls.Load(id)
	return ok
}

// Close cancels every running pull. The sessions are stopped by their pull
// goroutine.
func (s *Service) Close() {
	s.pulls.Range(func(id string, cancel context.CancelFunc) bool {
		cancel()
		return true
	})
}

// pullCallback aborts the request once the session is released, whoever
// stopped it.
type pullCallback struct {
	recorder.NopCallback
	cancel context.CancelFunc
	log    *logrus.Entry
}

func (c *pullCallback) OnDisconnected() {
	c.cancel()
}

func (c *pullCallback) OnError(err error) {
	c.log.Errorf("recording failed: %v", err)
}

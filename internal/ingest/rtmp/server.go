// Package rtmp accepts RTMP publishers and records every published stream
// as one recorder session, keyed by the publishing name.
package rtmp

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/eric2788/splitrec/internal/ingest"
	"github.com/eric2788/splitrec/internal/modules/config"
	"github.com/eric2788/splitrec/internal/services/recorder"
	"github.com/eric2788/splitrec/pkg/flv"
	"github.com/eric2788/splitrec/pkg/media"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"
	gortmp "github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	"go.uber.org/fx"
)

var logger = logrus.WithField("module", "rtmp")

const (
	bandwidthWindowSize = 6 * 1024 * 1024
	stopTimeout         = 5 * time.Minute
)

var ErrAlreadyPublishing = errors.New("connection is already publishing")

type Server struct {
	addr      string
	recorder  *recorder.Service
	srv       *gortmp.Server
	publishes *xsync.Counter

	mu sync.Mutex
	ln net.Listener
}

func NewServer(lc fx.Lifecycle, cfg *config.Config, rs *recorder.Service) *Server {
	s := New(cfg.RTMPAddr, rs)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := s.Listen(); err != nil {
				return err
			}
			go func() {
				if err := s.Serve(); err != nil {
					logger.Debugf("rtmp server stopped: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
	return s
}

func New(addr string, rs *recorder.Service) *Server {
	s := &Server{addr: addr, recorder: rs, publishes: xsync.NewCounter()}
	s.srv = gortmp.NewServer(&gortmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *gortmp.ConnConfig) {
			return conn, &gortmp.ConnConfig{
				Handler: s.NewHandler(conn.RemoteAddr().String()),
				ControlState: gortmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: bandwidthWindowSize,
				},
				Logger: logrus.StandardLogger(),
			}
		},
	})
	return s
}

func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen rtmp on %s", s.addr)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	logger.Infof("rtmp listening on %s", ln.Addr())
	return nil
}

// Serve blocks until the listener is closed.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("rtmp server is not listening")
	}
	return s.srv.Serve(ln)
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Publishes counts the accepted publish commands.
func (s *Server) Publishes() int64 {
	return s.publishes.Value()
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}

// NewHandler returns the handler of one RTMP connection.
func (s *Server) NewHandler(remote string) *Handler {
	return &Handler{s: s, log: logger.WithField("remote", remote)}
}

// Handler records the stream published on one connection.
type Handler struct {
	gortmp.DefaultHandler
	s   *Server
	log *logrus.Entry

	sess   *recorder.Session
	feeder *ingest.Feeder
	buf    bytes.Buffer
}

func (h *Handler) OnPublish(_ *gortmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	if h.sess != nil {
		return ErrAlreadyPublishing
	}
	key := publishKey(cmd.PublishingName)
	if key == "" {
		return errors.Wrap(media.ErrInvalidArgument, "empty publishing name")
	}
	sess, err := h.s.recorder.Open(key, &publisherCallback{log: h.log})
	if err != nil {
		h.log.Warnf("refusing publish of %q: %v", key, err)
		return err
	}
	h.sess = sess
	h.log = h.log.WithField("key", key)
	h.feeder = ingest.NewFeeder(sess, h.log)
	h.s.publishes.Inc()
	h.log.Infof("publishing to session %s", sess.ID)
	return nil
}

func (h *Handler) OnVideo(timestamp uint32, payload io.Reader) error {
	return h.feed(flv.TagTypeVideo, timestamp, payload)
}

func (h *Handler) OnAudio(timestamp uint32, payload io.Reader) error {
	return h.feed(flv.TagTypeAudio, timestamp, payload)
}

func (h *Handler) feed(tagType byte, timestamp uint32, payload io.Reader) error {
	if h.feeder == nil {
		return nil
	}
	h.buf.Reset()
	if _, err := io.Copy(&h.buf, payload); err != nil {
		return err
	}
	err := h.feeder.Feed(tagType, int32(timestamp), h.buf.Bytes())
	if err != nil {
		// the session was stopped under us, drop the publisher
		h.log.Warnf("feed: %v", err)
	}
	return err
}

func (h *Handler) OnClose() {
	if h.sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	outputs, err := h.s.recorder.Stop(ctx, h.sess.ID)
	switch {
	case errors.Is(err, recorder.ErrSessionNotFound):
	case err != nil:
		h.log.Errorf("stop on disconnect: %v", err)
	default:
		h.log.WithField("stats", h.feeder.Stats()).Infof("publisher left, %d output file(s)", len(outputs))
	}
	h.sess = nil
	h.feeder = nil
}

// Session is the recording of the current publish, if any.
func (h *Handler) Session() *recorder.Session {
	return h.sess
}

// publishKey strips the query of a publishing name such as "room?token=x".
func publishKey(name string) string {
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	return strings.Trim(name, "/ ")
}

type publisherCallback struct {
	recorder.NopCallback
	log *logrus.Entry
}

func (c *publisherCallback) OnReady() {
	c.log.Debugf("all expected tracks added")
}

func (c *publisherCallback) OnError(err error) {
	c.log.Errorf("recording failed: %v", err)
}

package journal

import (
	"context"
	"time"

	"github.com/eric2788/splitrec/internal/modules/config"
	"github.com/eric2788/splitrec/pkg/db"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/fx"
)

var logger = logrus.WithField("service", "journal")

const bucketName = "raw-sessions"

var ErrEntryNotFound = errors.New("journal entry not found")

type Status string

const (
	Pending Status = "pending"
	Built   Status = "built"
	Failed  Status = "failed"
)

// Entry records one raw-file recording until its container is built.
type Entry struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Dir       string    `json:"dir"`
	BaseName  string    `json:"base_name"`
	Output    string    `json:"output"`
	Strategy  string    `json:"strategy"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	BuiltAt   time.Time `json:"built_at,omitempty"`
}

type Service struct {
	records *db.Records[Entry]
}

func NewService(lc fx.Lifecycle, cfg *config.Config) (*Service, error) {
	client, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	s, err := New(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	lc.Append(fx.StopHook(func(context.Context) error {
		return client.Close()
	}))
	return s, nil
}

func New(client *db.Client) (*Service, error) {
	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, err
	}
	return &Service{records: db.NewRecords[Entry](bucket)}, nil
}

func (s *Service) Add(e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Status = Pending
	if err := s.records.Put(e.ID, e); err != nil {
		return errors.Wrapf(err, "journal %s", e.ID)
	}
	logger.WithField("session", e.ID).Debugf("journaled raw session %s/%s", e.Dir, e.BaseName)
	return nil
}

func (s *Service) Get(id string) (*Entry, error) {
	e, err := s.records.Get(id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errors.Wrap(ErrEntryNotFound, id)
	}
	return e, nil
}

func (s *Service) Complete(id, output string) error {
	return s.modify(id, func(e *Entry) {
		e.Status = Built
		e.Output = output
		e.Error = ""
		e.BuiltAt = time.Now()
		e.Attempts++
	})
}

func (s *Service) Fail(id string, cause error) error {
	return s.modify(id, func(e *Entry) {
		e.Status = Failed
		e.Error = cause.Error()
		e.Attempts++
	})
}

func (s *Service) modify(id string, fn func(e *Entry)) error {
	found, err := s.records.Modify(id, fn)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrap(ErrEntryNotFound, id)
	}
	return nil
}

// Pending lists entries never built nor failed, the ones a crash left behind.
func (s *Service) Pending() ([]*Entry, error) {
	return s.list(func(e *Entry) bool { return e.Status == Pending })
}

// Unbuilt lists pending and failed entries.
func (s *Service) Unbuilt() ([]*Entry, error) {
	return s.list(func(e *Entry) bool { return e.Status != Built })
}

func (s *Service) List() ([]*Entry, error) {
	return s.list(func(*Entry) bool { return true })
}

func (s *Service) list(keep func(e *Entry) bool) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	err := s.records.ForEach(func(_ string, e *Entry) bool {
		if keep(e) {
			entries = append(entries, e)
		}
		return true
	})
	return entries, err
}

func (s *Service) Delete(id string) error {
	return s.records.Remove(id)
}

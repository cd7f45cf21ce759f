package record

import (
	"github.com/eric2788/splitrec/internal/services/recorder"
	"github.com/eric2788/splitrec/internal/services/stream"
	"github.com/eric2788/splitrec/pkg/flv"
	"github.com/gofiber/fiber/v3"
	"github.com/pkg/errors"
)

type PullController struct {
	stream *stream.Service
}

type PullRequest struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type PullResult struct {
	ID  string `json:"id"`
	Key string `json:"key"`
	Dir string `json:"dir"`
}

func NewPullController(app *fiber.App, service *stream.Service) *PullController {
	pc := &PullController{stream: service}
	app.Post("/record/pull", pc.pull)
	return pc
}

func (p *PullController) pull(ctx fiber.Ctx) error {
	var req PullRequest
	if err := ctx.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if req.Key == "" || req.URL == "" {
		return fiber.NewError(fiber.StatusBadRequest, "key and url are required")
	}
	sess, err := p.stream.Pull(req.Key, req.URL)
	switch {
	case err == nil:
	case errors.Is(err, recorder.ErrRecordingStarted), errors.Is(err, recorder.ErrMaxConcurrentRecordingsReached):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, stream.ErrUnexpectedStatus), errors.Is(err, flv.ErrNotFlvFile):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	default:
		logger.Errorf("pull %s: %v", req.URL, err)
		return err
	}
	opts := sess.Options()
	return ctx.Status(fiber.StatusCreated).JSON(PullResult{ID: sess.ID, Key: sess.Key, Dir: opts.Dir})
}

package postmux

import (
	"github.com/eric2788/splitrec/internal/postmux"
	"github.com/eric2788/splitrec/internal/services/journal"
	"github.com/eric2788/splitrec/internal/services/recorder"
	"github.com/gofiber/fiber/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("controller", "postmux")

type Controller struct {
	service *recorder.Service
}

type BuildResult struct {
	ID string `json:"id"`
	*postmux.Result
}

func NewController(app *fiber.App, service *recorder.Service) *Controller {
	pc := &Controller{service: service}
	group := app.Group("/postmux")
	group.Get("/pending", pc.listPending)
	group.Post("/:id/build", pc.build)
	return pc
}

// listPending lists raw sessions without a built container.
func (p *Controller) listPending(ctx fiber.Ctx) error {
	entries, err := p.service.Pending()
	if err != nil {
		logger.Errorf("list pending: %v", err)
		return fiber.ErrInternalServerError
	}
	return ctx.JSON(entries)
}

func (p *Controller) build(ctx fiber.Ctx) error {
	id := ctx.Params("id")
	res, err := p.service.Build(ctx.Context(), id)
	switch {
	case errors.Is(err, journal.ErrEntryNotFound), errors.Is(err, recorder.ErrNoJournal):
		return fiber.NewError(fiber.StatusNotFound, "raw session not found")
	case errors.Is(err, recorder.ErrRecordingStarted):
		return fiber.NewError(fiber.StatusConflict, "session is still recording")
	case errors.Is(err, recorder.ErrAlreadyBuilt):
		return fiber.NewError(fiber.StatusConflict, "session already built")
	case errors.Is(err, postmux.ErrNoInput):
		return fiber.NewError(fiber.StatusUnprocessableEntity, "no raw stream left to build")
	case err != nil:
		logger.Errorf("build %s: %v", id, err)
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return ctx.JSON(&BuildResult{ID: id, Result: res})
}

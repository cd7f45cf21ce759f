package record

import (
	"context"
	"time"

	"github.com/eric2788/splitrec/internal/services/recorder"
	"github.com/gofiber/fiber/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("controller", "record")

const stopTimeout = 5 * time.Minute

type Controller struct {
	service *recorder.Service
}

type StopResult struct {
	ID      string   `json:"id"`
	Outputs []string `json:"outputs"`
	Error   string   `json:"error,omitempty"`
}

func NewController(app *fiber.App, service *recorder.Service) *Controller {
	rc := &Controller{service: service}
	record := app.Group("/record")
	record.Get("/list", rc.listRecordings)
	record.Get("/:id/stats", rc.getRecordingStats)
	record.Get("/:id/check", rc.checkRecording)
	record.Post("/:id/stop", rc.stopRecording)
	return rc
}

func (r *Controller) listRecordings(ctx fiber.Ctx) error {
	return ctx.JSON(r.service.ListStats())
}

func (r *Controller) getRecordingStats(ctx fiber.Ctx) error {
	stats, ok := r.service.GetStats(ctx.Params("id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "recording not found")
	}
	return ctx.JSON(stats)
}

// checkRecording runs the storage and duration guard once.
func (r *Controller) checkRecording(ctx fiber.Ctx) error {
	sess, ok := r.service.Get(ctx.Params("id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "recording not found")
	}
	res, err := sess.Check()
	if err != nil {
		logger.Warnf("check %s: %v", sess.ID, err)
		return fiber.NewError(fiber.StatusServiceUnavailable, "storage usage unavailable")
	}
	return ctx.JSON(res)
}

func (r *Controller) stopRecording(ctx fiber.Ctx) error {
	id := ctx.Params("id")
	c, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	outputs, err := r.service.Stop(c, id)
	if errors.Is(err, recorder.ErrSessionNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "recording not found")
	}
	res := StopResult{ID: id, Outputs: outputs}
	if res.Outputs == nil {
		res.Outputs = []string{}
	}
	if err != nil {
		logger.Errorf("stop %s: %v", id, err)
		res.Error = err.Error()
		return ctx.Status(fiber.StatusInternalServerError).JSON(res)
	}
	return ctx.JSON(res)
}

package file

import (
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/eric2788/splitrec/internal/modules/config"
	"github.com/eric2788/splitrec/internal/modules/rest"
	"github.com/eric2788/splitrec/internal/services/file"
	"github.com/eric2788/splitrec/internal/services/recorder"
	"github.com/eric2788/splitrec/pkg/signeddownload"
	"github.com/gofiber/fiber/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("controller", "file")

type Controller struct {
	fileSvc     *file.Service
	recorderSvc *recorder.Service
	signer      *signeddownload.Signer
}

type PresignedURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Tree struct {
	file.Tree
	IsRecording bool `json:"is_recording"`
}

func NewController(app *fiber.App, cfg *config.Config, fileSvc *file.Service, recorderSvc *recorder.Service) *Controller {
	fc := &Controller{
		fileSvc:     fileSvc,
		recorderSvc: recorderSvc,
		signer:      signeddownload.NewSigner([]byte(cfg.JwtSecret)),
	}
	files := app.Group("/files")
	files.Get("/browse/*", fc.listFiles)
	files.Get("/download/*", fc.downloadFile)
	files.Post("/presigned/*", fc.createPresignedURL)
	files.Delete("/*", fc.deletePath)

	app.Get(rest.PublicPrefix+"download", fc.presignedDownload)
	return fc
}

func (c *Controller) listFiles(ctx fiber.Ctx) error {
	path, err := url.PathUnescape(ctx.Params("*", "/"))
	if err != nil {
		return fiber.ErrBadRequest
	}
	trees, err := c.fileSvc.ListTree(path)
	if err != nil {
		logger.Warnf("error listing dir at path %s: %v", path, err)
		return c.parseFiberError(err)
	}
	out := make([]Tree, len(trees))
	for i, t := range trees {
		out[i] = Tree{Tree: t, IsRecording: c.isRecording(t.Path)}
	}
	return ctx.JSON(out)
}

func (c *Controller) downloadFile(ctx fiber.Ctx) error {
	path, err := url.PathUnescape(ctx.Params("*", "/"))
	if err != nil {
		return fiber.ErrBadRequest
	}
	return c.sendFile(ctx, path)
}

func (c *Controller) sendFile(ctx fiber.Ctx, path string) error {
	if c.isRecording(path) {
		return fiber.NewError(fiber.StatusConflict, "file is still being recorded")
	}
	f, info, err := c.fileSvc.Open(path)
	if err != nil {
		logger.Warnf("error opening %s: %v", path, err)
		return c.parseFiberError(err)
	}
	setAttachment(ctx, info.Name())
	return ctx.SendStream(f, int(info.Size()))
}

// createPresignedURL grants the download of a finished file to anyone holding
// the returned link, for ?ttl= seconds.
func (c *Controller) createPresignedURL(ctx fiber.Ctx) error {
	path, err := url.PathUnescape(ctx.Params("*", "/"))
	if err != nil {
		return fiber.ErrBadRequest
	}
	if c.isRecording(path) {
		return fiber.NewError(fiber.StatusConflict, "file is still being recorded")
	}
	f, _, err := c.fileSvc.Open(path)
	if err != nil {
		return c.parseFiberError(err)
	}
	f.Close()

	ttl := signeddownload.DefaultExpireAfter
	if raw := ctx.Query("ttl"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid ttl")
		}
		ttl = time.Duration(n) * time.Second
	}

	rel, err := c.fileSvc.Rel(path)
	if err != nil {
		return c.parseFiberError(err)
	}
	token, exp, err := c.signer.Sign(rel, ttl)
	if err != nil {
		logger.Warnf("error signing %s: %v", rel, err)
		return fiber.ErrInternalServerError
	}
	link := fmt.Sprintf("%s%sdownload?token=%s", ctx.BaseURL(), rest.PublicPrefix, url.QueryEscape(token))
	return ctx.Status(fiber.StatusCreated).JSON(PresignedURLResponse{URL: link, ExpiresAt: exp})
}

func (c *Controller) presignedDownload(ctx fiber.Ctx) error {
	token := ctx.Query("token")
	if token == "" {
		return fiber.ErrBadRequest
	}
	path, err := c.signer.Verify(token)
	if err != nil {
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	}
	return c.sendFile(ctx, path)
}

func (c *Controller) deletePath(ctx fiber.Ctx) error {
	path, err := url.PathUnescape(ctx.Params("*", "/"))
	if err != nil {
		return fiber.ErrBadRequest
	}
	if c.isRecording(path) {
		return fiber.NewError(fiber.StatusConflict, "path holds a recording in progress")
	}
	if err := c.fileSvc.Delete(path); err != nil {
		logger.Warnf("error deleting %s: %v", path, err)
		return c.parseFiberError(err)
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

func (c *Controller) isRecording(rel string) bool {
	full, err := c.fileSvc.ValidatePath(rel)
	if err != nil {
		return false
	}
	return c.recorderSvc.IsRecordingPath(filepath.Clean(full))
}

func (c *Controller) parseFiberError(err error) error {
	switch {
	case os.IsNotExist(err):
		return fiber.NewError(fiber.StatusNotFound, "file or directory not found")
	case os.IsPermission(err), errors.Is(err, file.ErrAccessDenied):
		return fiber.NewError(fiber.StatusForbidden, "access to this path is denied")
	case errors.Is(err, file.ErrInvalidFilePath):
		return fiber.NewError(fiber.StatusBadRequest, "invalid file path")
	case errors.Is(err, file.ErrIsDirectory):
		return fiber.NewError(fiber.StatusBadRequest, "path is a directory")
	default:
		return fiber.ErrInternalServerError
	}
}

// setAttachment keeps spaces and non-ASCII characters of segment names,
// which fiber's Attachment would query-escape.
func setAttachment(ctx fiber.Ctx, name string) {
	ctx.Type(filepath.Ext(name))
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": name})
	if disposition == "" {
		disposition = "attachment"
	}
	ctx.Set(fiber.HeaderContentDisposition, disposition)
}

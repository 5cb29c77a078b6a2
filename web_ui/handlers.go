package web_ui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"stable_diffusion_web/entities"
	"stable_diffusion_web/image_generator"
	"stable_diffusion_web/repositories"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const invalidFormMessage = "Some values could not be read. Please check the form and try again."

func (w *webImpl) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"model":     w.model.ModelID,
		"device":    w.model.Device.Name,
		"precision": w.model.Precision,
		"loaded_at": w.model.LoadedAt,
	})
}

func (w *webImpl) index(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.GetString(sessionIDKey)

	settings, err := w.sessionSettings(ctx, sessionID)
	if err != nil {
		w.logger.Error("Error loading session settings", zap.String("session_id", sessionID), zap.Error(err))
		c.String(http.StatusInternalServerError, "Failed to load settings")

		return
	}

	result, err := w.generator.LatestResult(ctx, sessionID)
	if err != nil && !repositories.IsNotFound(err) {
		w.logger.Error("Error loading result", zap.String("session_id", sessionID), zap.Error(err))
		c.String(http.StatusInternalServerError, "Failed to load result")

		return
	}

	notices := w.popFlashes(c)
	device := w.model.Device
	data := newPageData(*settings, notices, &device, result, w.generator.Busy(sessionID))

	if data.Result != nil {
		data.Result.Parameters, err = embeddedParameters(result.Image)
		if err != nil {
			w.logger.Warn("Error reading result parameters", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	c.HTML(http.StatusOK, "index.html", data)
}

func (w *webImpl) generate(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.GetString(sessionIDKey)

	previous, err := w.sessionSettings(ctx, sessionID)
	if err != nil {
		w.logger.Error("Error loading session settings", zap.String("session_id", sessionID), zap.Error(err))
		c.String(http.StatusInternalServerError, "Failed to load settings")

		return
	}

	var form generateForm

	err = c.ShouldBind(&form)
	if err != nil {
		w.logger.Info("Invalid generate form", zap.String("session_id", sessionID), zap.Error(err))
		w.redirectWithNotices(c, []image_generator.Notice{{Level: image_generator.NoticeWarning, Message: invalidFormMessage}})

		return
	}

	settings := form.settings(*previous)
	settings.SessionID = sessionID

	_, err = w.settings.Upsert(ctx, &settings)
	if err != nil {
		w.logger.Error("Error saving session settings", zap.String("session_id", sessionID), zap.Error(err))
	}

	outcome, err := w.generator.Generate(ctx, sessionID, settings.Request())
	if err != nil {
		w.redirectWithNotices(c, w.failureNotices(c, err))

		return
	}

	w.logger.Info("Image generated",
		zap.String("session_id", sessionID),
		zap.Int64("seed", outcome.Result.Seed),
		zap.Bool("hires_fix", outcome.Result.HiresFix))

	w.redirectWithNotices(c, outcome.Notices)
}

func (w *webImpl) failureNotices(c *gin.Context, err error) []image_generator.Notice {
	var genErr *image_generator.GenerationError
	if !errors.As(err, &genErr) {
		genErr = &image_generator.GenerationError{
			Kind:    image_generator.KindGeneric,
			Message: fmt.Sprintf("An error occurred while generating the image: %v", err),
			Err:     err,
		}
	}

	if genErr.Kind == image_generator.KindGeneric {
		if hub := sentrygin.GetHubFromContext(c); hub != nil {
			hub.CaptureException(err)
		}
	}

	return genErr.Notices()
}

func (w *webImpl) resultImage(c *gin.Context) {
	result, ok := w.latestResult(c)
	if !ok {
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", result.Image)
}

func (w *webImpl) resultDownload(c *gin.Context) {
	result, ok := w.latestResult(c)
	if !ok {
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, result.Filename()))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", result.Image)
}

func (w *webImpl) latestResult(c *gin.Context) (*entities.GenerationResult, bool) {
	sessionID := c.GetString(sessionIDKey)

	result, err := w.generator.LatestResult(c.Request.Context(), sessionID)
	if err != nil {
		if repositories.IsNotFound(err) {
			c.String(http.StatusNotFound, "No image has been generated yet")

			return nil, false
		}

		w.logger.Error("Error loading result", zap.String("session_id", sessionID), zap.Error(err))
		c.String(http.StatusInternalServerError, "Failed to load result")

		return nil, false
	}

	return result, true
}

func (w *webImpl) progress(c *gin.Context) {
	sessionID := c.GetString(sessionIDKey)
	busy := w.queue.Busy()

	resp := gin.H{
		"queue_length": w.queue.Len(),
		"busy":         busy,
		"session_busy": w.generator.Busy(sessionID),
		"progress":     0.0,
		"eta_relative": 0.0,
	}

	if busy {
		progress, err := w.model.Pipeline.GetCurrentProgress(c.Request.Context())
		if err != nil {
			w.logger.Debug("Error getting engine progress", zap.Error(err))
		} else {
			resp["progress"] = progress.Progress
			resp["eta_relative"] = progress.EtaRelative
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (w *webImpl) sessionSettings(ctx context.Context, sessionID string) (*entities.SessionSettings, error) {
	settings, err := w.settings.GetBySessionID(ctx, sessionID)
	if err == nil {
		return settings, nil
	}

	if !repositories.IsNotFound(err) {
		return nil, err
	}

	defaults := image_generator.DefaultSettings()
	defaults.SessionID = sessionID

	return &defaults, nil
}

// Flashes are stored as "level|message" strings.
func (w *webImpl) redirectWithNotices(c *gin.Context, notices []image_generator.Notice) {
	session := currentSession(c)

	for _, notice := range notices {
		session.AddFlash(string(notice.Level) + "|" + notice.Message)
	}

	err := session.Save(c.Request, c.Writer)
	if err != nil {
		w.logger.Error("Error saving flashes", zap.Error(err))
	}

	c.Redirect(http.StatusSeeOther, "/")
}

func (w *webImpl) popFlashes(c *gin.Context) []image_generator.Notice {
	session := currentSession(c)

	flashes := session.Flashes()
	if len(flashes) == 0 {
		return nil
	}

	err := session.Save(c.Request, c.Writer)
	if err != nil {
		w.logger.Error("Error clearing flashes", zap.Error(err))
	}

	notices := make([]image_generator.Notice, 0, len(flashes))

	for _, flash := range flashes {
		raw, ok := flash.(string)
		if !ok {
			continue
		}

		level, message, found := strings.Cut(raw, "|")
		if !found {
			level, message = string(image_generator.NoticeInfo), raw
		}

		notices = append(notices, image_generator.Notice{Level: image_generator.NoticeLevel(level), Message: message})
	}

	return notices
}

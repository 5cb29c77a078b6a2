package web_ui

import (
	"net/http"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"
)

const (
	requestIDKey = "request_id"
	sessionKey   = "session"
	sessionIDKey = "session_id"

	sessionCookieName = "sd_session"
	sessionValueID    = "id"
)

// requestTracking adds a request ID and logs every request.
func (w *webImpl) requestTracking() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()

		c.Next()

		statusCode := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status_code", statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}

		switch {
		case statusCode >= http.StatusInternalServerError:
			w.logger.Error("Request failed with server error", fields...)
		case statusCode >= http.StatusBadRequest:
			w.logger.Warn("Request failed with client error", fields...)
		default:
			w.logger.Debug("Request completed", fields...)
		}
	}
}

func (w *webImpl) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				w.logger.Error("Panic recovered",
					zap.String("request_id", c.GetString(requestIDKey)),
					zap.String("path", c.Request.URL.Path),
					zap.Any("error", err))

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":      "Internal server error",
					"request_id": c.GetString(requestIDKey),
				})
			}
		}()

		c.Next()
	}
}

// sessionMiddleware makes sure every browser has a session ID cookie.
func (w *webImpl) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := w.store.Get(c.Request, sessionCookieName)
		if err != nil {
			// a stale or tampered cookie; Get still returns a fresh session
			w.logger.Debug("Discarding invalid session cookie", zap.Error(err))
		}

		sessionID, _ := session.Values[sessionValueID].(string)
		if sessionID == "" {
			sessionID = uuid.NewString()
			session.Values[sessionValueID] = sessionID

			err = session.Save(c.Request, c.Writer)
			if err != nil {
				w.logger.Error("Error saving session", zap.Error(err))
				c.AbortWithStatus(http.StatusInternalServerError)

				return
			}
		}

		c.Set(sessionKey, session)
		c.Set(sessionIDKey, sessionID)

		if hub := sentrygin.GetHubFromContext(c); hub != nil {
			hub.Scope().SetTag("session_id", sessionID)
		}

		c.Next()
	}
}

func currentSession(c *gin.Context) *sessions.Session {
	session, _ := c.MustGet(sessionKey).(*sessions.Session)

	return session
}

package web_ui

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"time"

	"stable_diffusion_web/clock"
	"stable_diffusion_web/generation_queue"
	"stable_diffusion_web/image_generator"
	"stable_diffusion_web/model_loader"
	"stable_diffusion_web/repositories/session_results"
	"stable_diffusion_web/repositories/session_settings"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templatesFS embed.FS

const (
	defaultListenAddr  = ":8080"
	defaultSessionTTL  = 24 * time.Hour
	shutdownTimeout    = 10 * time.Second
	sentryFlushTimeout = 2 * time.Second
)

type webImpl struct {
	listenAddr string
	generator  image_generator.Generator
	settings   session_settings.Repository
	results    session_results.Repository
	queue      generation_queue.Queue
	model      *model_loader.ModelHandle
	store      *sessions.CookieStore
	sessionTTL time.Duration
	clock      clock.Clock
	logger     *zap.Logger
	router     *gin.Engine
}

type Config struct {
	ListenAddr string
	Generator  image_generator.Generator
	Settings   session_settings.Repository
	Results    session_results.Repository
	Queue      generation_queue.Queue
	Model      *model_loader.ModelHandle

	// SessionSecret signs the session cookie. A random key is generated when empty,
	// which invalidates sessions on restart.
	SessionSecret []byte
	SessionTTL    time.Duration

	Development   bool
	SentryEnabled bool
	Clock         clock.Clock
	Logger        *zap.Logger
}

func New(cfg Config) (WebUI, error) {
	if cfg.Generator == nil {
		return nil, errors.New("missing generator")
	}

	if cfg.Settings == nil {
		return nil, errors.New("missing settings repository")
	}

	if cfg.Results == nil {
		return nil, errors.New("missing results repository")
	}

	if cfg.Queue == nil {
		return nil, errors.New("missing generation queue")
	}

	if cfg.Model == nil {
		return nil, errors.New("missing model handle")
	}

	if cfg.Logger == nil {
		return nil, errors.New("missing logger")
	}

	secret := cfg.SessionSecret
	if len(secret) == 0 {
		cfg.Logger.Warn("No session secret configured, generating a random one")

		secret = securecookie.GenerateRandomKey(32)
		if secret == nil {
			return nil, errors.New("generating session secret")
		}
	}

	w := &webImpl{
		listenAddr: cfg.ListenAddr,
		generator:  cfg.Generator,
		settings:   cfg.Settings,
		results:    cfg.Results,
		queue:      cfg.Queue,
		model:      cfg.Model,
		sessionTTL: cfg.SessionTTL,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}

	if w.listenAddr == "" {
		w.listenAddr = defaultListenAddr
	}

	if w.sessionTTL <= 0 {
		w.sessionTTL = defaultSessionTTL
	}

	if w.clock == nil {
		w.clock = clock.NewClock()
	}

	w.store = sessions.NewCookieStore(secret)
	w.store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(w.sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.SetHTMLTemplate(tmpl)

	router.Use(w.recovery())

	if cfg.SentryEnabled {
		router.Use(sentrygin.New(sentrygin.Options{
			Repanic: true,
			Timeout: sentryFlushTimeout,
		}))
	}

	router.Use(w.requestTracking())

	router.GET("/health", w.health)

	pages := router.Group("/", w.sessionMiddleware())
	pages.GET("/", w.index)
	pages.POST("/generate", w.generate)
	pages.GET("/result/image.png", w.resultImage)
	pages.GET("/result/download", w.resultDownload)
	pages.GET("/progress", w.progress)

	w.router = router

	return w, nil
}

func (w *webImpl) Handler() http.Handler {
	return w.router
}

func (w *webImpl) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              w.listenAddr,
		Handler:           w.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go w.startJanitor(ctx)

	errCh := make(chan error, 1)

	go func() {
		w.logger.Info("Starting web server", zap.String("addr", w.listenAddr))

		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	case <-ctx.Done():
	}

	w.logger.Info("Shutting down web server")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	return server.Shutdown(shutdownCtx)
}

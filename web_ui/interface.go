package web_ui

import (
	"context"
	"net/http"
)

type WebUI interface {
	Handler() http.Handler
	// Start serves until ctx is done, then shuts down gracefully.
	Start(ctx context.Context) error
}

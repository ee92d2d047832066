package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/klauspost/compress/gzhttp"

	"healthsense-server/internal/config"
	"healthsense-server/internal/logging"
)

// streamPath is served uncompressed; gzip writers cannot be hijacked.
const streamPath = "/api/stream"

func NewServer(cfg config.Config, handler http.Handler, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           Wrap(handler, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logging.StdLogger(logger, slog.LevelWarn),
	}
}

// Wrap applies the middleware shared by every route. Requests are logged
// outermost so recovered panics still show up as 500s.
func Wrap(handler http.Handler, logger *slog.Logger) http.Handler {
	gz := gzhttp.GzipHandler(handler)
	compressed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == streamPath {
			handler.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", requestIDHeader}),
		handlers.ExposedHeaders([]string{requestIDHeader}),
	)(compressed)

	recovered := handlers.RecoveryHandler(
		handlers.RecoveryLogger(logging.StdLogger(logger, slog.LevelError)),
		handlers.PrintRecoveryStack(true),
	)(cors)

	return requestLogger(logger, recovered)
}

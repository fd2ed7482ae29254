package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"healthsync/services/pipeline-api/internal/metrics"
)

const (
	corsAllowOrigin  = "*"
	corsAllowHeaders = "authorization, x-client-info, apikey, content-type"
	corsAllowMethods = "POST, OPTIONS"
)

// CORS adds the permissive browser headers to every response and answers
// preflight requests with an empty 200.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", corsAllowOrigin)
		w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
		w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Instrument counts responses by matched route pattern and status. Mounted
// after CORS, it never sees preflight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

// Routes mounts the pipeline endpoints. auth may be nil to leave them open.
func (h *Handler) Routes(auth func(http.Handler) http.Handler) chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(CORS)
	router.Use(Instrument)

	router.Get("/healthz", h.Healthz)
	router.Group(func(r chi.Router) {
		if auth != nil {
			r.Use(auth)
		}
		r.Post("/process-medical-report", h.ProcessMedicalReport)
		r.Post("/notify-donors", h.NotifyDonors)
	})
	return router
}

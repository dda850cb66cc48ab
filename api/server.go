/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the ingress
  3. Logger:     Request logging through logrus
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the caseworker frontend

ROUTE GROUPS:
  /api/saker/*          Saker and their repayment cases
  /api/kravgrunnlag/*   Claim-basis intake and ingestion
  /internal/isalive     Liveness check

SECURITY NOTE:
  Authentication is done by the ingress; the caseworker's ident arrives in
  X-Nav-Ident.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// RouterConfig holds the router's tunables.
type RouterConfig struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: requestLogger{h.log}, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader, MessageIDHeader},
		AllowCredentials: true,
	}))

	r.Get("/internal/isalive", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/saker", func(r chi.Router) {
			r.Post("/", h.RegisterSak)
			r.Get("/", h.FindSak)

			r.Route("/{sakId}", func(r chi.Router) {
				r.Get("/", h.GetSak)
				r.Get("/hendelser", h.History)

				r.Route("/tilbakekrevinger", func(r chi.Router) {
					r.Get("/", h.ListCases)
					r.Post("/", h.CreateCase)

					r.Route("/{caseId}", func(r chi.Router) {
						r.Get("/", h.GetCase)
						r.Post("/forhandsvarsel", h.AddPreNotification)
						r.Post("/vurderinger", h.SetDecisions)
						r.Post("/vedtaksbrev", h.ChooseLetter)
						r.Post("/tilAttestering", h.SubmitForAttestation)
						r.Post("/iverksett", h.Settle)
						r.Post("/underkjenn", h.Reject)
						r.Post("/avklarIverksetting", h.ResolveSettlement)
						r.Post("/avbryt", h.Abort)
					})
				})
			})
		})

		r.Route("/kravgrunnlag", func(r chi.Router) {
			r.Post("/", h.ReceiveKravgrunnlag)
			r.Get("/unprocessed", h.ListUnprocessed)
			r.Post("/ingest", h.TriggerIngest)
			r.Get("/ingest", h.LastIngest)
		})
	})

	return r
}

// requestLogger routes chi's request log lines into logrus.
type requestLogger struct {
	log logrus.FieldLogger
}

func (l requestLogger) Print(v ...interface{}) {
	l.log.Info(v...)
}

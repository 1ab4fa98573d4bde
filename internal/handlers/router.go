package handlers

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/relay"
)

// RouterOptions wires the relay's collaborators into the HTTP surface.
type RouterOptions struct {
	Hub         *relay.Hub
	Store       relay.Store
	Tokens      relay.Tokens
	CORSOrigins []string
	Logger      *log.Entry

	// RequestLogging enables chi's access log
	RequestLogging bool
}

// NewRouter builds the relay's chi router: the socket endpoint, the
// authenticated REST API and a health check.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	keyHandler := NewKeyHandler(opts.Store, logger)
	messageHandler := NewMessageHandler(opts.Store, opts.Hub)
	wsHandler := relay.NewHandler(opts.Hub, opts.Tokens)

	r := chi.NewRouter()

	// Middleware stack
	if opts.RequestLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", HealthCheck)

	r.Get("/ws/messages", wsHandler.ServeWS)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireToken(opts.Tokens))

		r.Route("/keys", func(r chi.Router) {
			r.Post("/user", keyHandler.RegisterUserKey)
			r.Get("/user/{userId}", keyHandler.GetUserKey)
			r.Post("/group-public", keyHandler.UploadGroupPublicKey)
			r.Get("/group-public/{groupId}", keyHandler.GetGroupPublicKey)
			r.Post("/group-member", keyHandler.UploadGroupMemberKey)
			r.Get("/group-member/{groupId}/{userId}", keyHandler.GetGroupMemberKey)
		})

		r.Get("/users/{userId}", messageHandler.GetUser)

		r.Route("/groups/{groupId}", func(r chi.Router) {
			r.Get("/messages", messageHandler.GetMessages)
			r.Get("/members", messageHandler.GetMembers)
		})
	})

	return r
}

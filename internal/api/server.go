package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"area-automator-api/internal/registry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type contextKey string

var userContextKey contextKey = "user_id"

// Evaluator triggers one out-of-band automation evaluation. Implemented by
// the engine; a new automation gets its first watermark through this without
// waiting for the next tick.
type Evaluator interface {
	EvaluateOnce(ctx context.Context, automationID uuid.UUID) error
}

// Server is the operational HTTP surface: health, metrics, the service
// catalog and the evaluate-now endpoint.
type Server struct {
	Router    *chi.Mux
	registry  *registry.Registry
	evaluator Evaluator
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
}

// NewServer ...
func NewServer(reg *registry.Registry, eval Evaluator, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	server := &Server{
		Router:    chi.NewRouter(),
		registry:  reg,
		evaluator: eval,
		gatherer:  gatherer,
		logger:    log,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware() {
	allowedOrigins := strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",")
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.Router.Get("/healthz", s.handleHealth())
	s.Router.Get("/about.json", s.handleAbout())

	if s.gatherer != nil {
		s.Router.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/automations/{automationID}/evaluate", s.handleEvaluateNow())
		})
	})
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleAbout serves the machine-readable catalog of registered services
// with their actions and reactions.
func (s *Server) handleAbout() http.HandlerFunc {
	type aboutField struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Required    bool   `json:"required"`
		Description string `json:"description,omitempty"`
	}
	type aboutReturnValue struct {
		Name    string `json:"name"`
		Example string `json:"example,omitempty"`
	}
	type aboutAction struct {
		ID           string             `json:"id"`
		Name         string             `json:"name"`
		Description  string             `json:"description"`
		Params       []aboutField       `json:"params"`
		ReturnValues []aboutReturnValue `json:"return_values"`
	}
	type aboutReaction struct {
		ID          string       `json:"id"`
		Name        string       `json:"name"`
		Description string       `json:"description"`
		Params      []aboutField `json:"params"`
	}
	type aboutService struct {
		ID            string          `json:"id"`
		Name          string          `json:"name"`
		RequiresOAuth bool            `json:"requires_oauth"`
		Actions       []aboutAction   `json:"actions"`
		Reactions     []aboutReaction `json:"reactions"`
	}

	fields := func(params []registry.ParamField) []aboutField {
		out := make([]aboutField, 0, len(params))
		for _, p := range params {
			out = append(out, aboutField{
				Name:        p.Name,
				Type:        string(p.Type),
				Required:    p.Required,
				Description: p.Description,
			})
		}
		return out
	}

	return func(w http.ResponseWriter, r *http.Request) {
		services := make([]aboutService, 0)
		for _, svc := range s.registry.Services() {
			entry := aboutService{
				ID:            svc.ID,
				Name:          svc.Name,
				RequiresOAuth: svc.RequiresOAuth,
				Actions:       make([]aboutAction, 0, len(svc.Actions)),
				Reactions:     make([]aboutReaction, 0, len(svc.Reactions)),
			}
			for _, a := range svc.Actions {
				returnValues := make([]aboutReturnValue, 0, len(a.ReturnValues))
				for _, rv := range a.ReturnValues {
					returnValues = append(returnValues, aboutReturnValue{Name: rv.Name, Example: rv.Example})
				}
				entry.Actions = append(entry.Actions, aboutAction{
					ID:           a.ID,
					Name:         a.Name,
					Description:  a.Description,
					Params:       fields(a.Params),
					ReturnValues: returnValues,
				})
			}
			for _, re := range svc.Reactions {
				entry.Reactions = append(entry.Reactions, aboutReaction{
					ID:          re.ID,
					Name:        re.Name,
					Description: re.Description,
					Params:      fields(re.Params),
				})
			}
			services = append(services, entry)
		}

		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		WriteJSON(w, http.StatusOK, map[string]any{
			"client": map[string]string{"host": host},
			"server": map[string]any{
				"current_time": time.Now().Unix(),
				"services":     services,
			},
		})
	}
}

func (s *Server) handleEvaluateNow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		automationID, err := uuid.Parse(chi.URLParam(r, "automationID"))
		if err != nil {
			WriteJSONError(w, http.StatusBadRequest, "invalid automation id")
			return
		}

		if err := s.evaluator.EvaluateOnce(r.Context(), automationID); err != nil {
			s.logger.Warn("out-of-band evaluation failed",
				zap.String("component", "api"),
				zap.String("automation_id", automationID.String()),
				zap.Error(err))
			WriteJSONError(w, http.StatusConflict, err.Error())
			return
		}

		WriteJSON(w, http.StatusOK, map[string]string{"status": "evaluated"})
	}
}

// authMiddleware validates the JWT and puts the user id in the context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteJSONError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		jwtKey := []byte(os.Getenv("JWT_SECRET_KEY"))

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return jwtKey, nil
		})
		if err != nil || !token.Valid {
			WriteJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			WriteJSONError(w, http.StatusUnauthorized, "invalid claims")
			return
		}

		userIDStr, ok := claims["user_id"].(string)
		if !ok {
			WriteJSONError(w, http.StatusUnauthorized, "no user id in token")
			return
		}

		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			WriteJSONError(w, http.StatusUnauthorized, "invalid user id")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

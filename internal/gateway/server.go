// Package gateway is the outer surface of the call server: a Fiber app
// serving the client WebSocket, the REST call API, and Prometheus
// metrics.
package gateway

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/sparebook/callkit/internal/api"
	"github.com/sparebook/callkit/internal/call"
	"github.com/sparebook/callkit/internal/config"
	"github.com/sparebook/callkit/internal/session"
	"github.com/sparebook/callkit/internal/sockets"
	"github.com/sparebook/callkit/internal/store"
)

// Server routes client traffic into the call manager.
type Server struct {
	app      *fiber.App
	cfg      *config.AppConfig
	manager  *call.Manager
	registry *session.Registry

	clientSockets *sockets.Pool
}

func NewServer(cfg *config.AppConfig, app *fiber.App, manager *call.Manager, registry *session.Registry) *Server {
	return &Server{
		app:           app,
		cfg:           cfg,
		manager:       manager,
		registry:      registry,
		clientSockets: sockets.NewPool(),
	}
}

// Setup mounts every route on the Fiber app. Call once before Listen.
func (s *Server) Setup() {
	s.setupClientSockets()
	s.setupCallApi()
	s.setupMetrics()
}

// Close drops every client connection.
func (s *Server) Close() {
	s.clientSockets.Close()
}

// CheckClientCredential validates a client credential. Authentication
// is disabled when no credential is configured.
func (s *Server) CheckClientCredential(credential string) bool {
	return s.cfg.Server.ClientCredential == nil || *s.cfg.Server.ClientCredential == credential
}

func (s *Server) setupCallApi() {
	s.app.Route("/api", func(router fiber.Router) {
		router.Post("/calls", func(c *fiber.Ctx) error {
			var req startCallRequest
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).SendString("Bad Request")
			}
			callType, err := session.ParseType(req.Type)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).SendString("unknown call type")
			}

			w, err := s.manager.StartCall(c.Context(), req.CallerID, req.ReceiverID, callType, session.Metadata{
				CallerName:   req.CallerName,
				ReceiverName: req.ReceiverName,
			})
			if err != nil {
				return callError(c, err)
			}
			return c.Status(fiber.StatusCreated).JSON(callStateResponse(w))
		})

		router.Post("/calls/:id/accept", func(c *fiber.Ctx) error {
			var req acceptCallRequest
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).SendString("Bad Request")
			}

			w, err := s.manager.AcceptCall(c.Context(), c.Params("id"), req.ReceiverID)
			if err != nil {
				return callError(c, err)
			}
			return c.JSON(callStateResponse(w))
		})

		router.Post("/calls/:id/reject", func(c *fiber.Ctx) error {
			if err := s.manager.RejectCall(c.Context(), c.Params("id")); err != nil {
				return callError(c, err)
			}
			return c.SendString("Ok")
		})

		router.Post("/calls/:id/end", func(c *fiber.Ctx) error {
			if err := s.manager.EndCall(c.Params("id")); err != nil {
				return c.Status(fiber.StatusNotFound).SendString("Call not found")
			}
			return c.SendString("Ok")
		})

		router.Post("/calls/:id/mute", func(c *fiber.Ctx) error {
			w, ok := s.manager.Window(c.Params("id"))
			if !ok {
				return c.Status(fiber.StatusNotFound).SendString("Call not found")
			}
			return c.JSON(fiber.Map{"muted": w.ToggleMute()})
		})

		router.Post("/calls/:id/camera", func(c *fiber.Ctx) error {
			w, ok := s.manager.Window(c.Params("id"))
			if !ok {
				return c.Status(fiber.StatusNotFound).SendString("Call not found")
			}
			return c.JSON(fiber.Map{"cameraOff": w.ToggleCamera()})
		})

		router.Get("/calls/:id", func(c *fiber.Ctx) error {
			cs, err := s.registry.Get(c.Context(), c.Params("id"))
			if err != nil {
				return callError(c, err)
			}
			return c.JSON(api.ToApiCall(cs))
		})

		router.Get("/history/:userID", func(c *fiber.Ctx) error {
			limit := c.QueryInt("limit", 50)
			records, err := s.manager.History(c.Context(), c.Params("userID"), limit)
			if err != nil {
				slog.Error("failed to list call history", "userID", c.Params("userID"), "error", err)
				return c.Status(fiber.StatusInternalServerError).SendString("Internal Server Error")
			}
			return c.JSON(api.ToApiHistory(records))
		})
	})
}

func (s *Server) setupMetrics() {
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s.app.Get("/metrics", func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})
}

func callError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).SendString("Session not found")
	case errors.Is(err, call.ErrCallActive):
		return c.Status(fiber.StatusConflict).SendString("Call already active")
	case errors.Is(err, call.ErrSessionTerminal), errors.Is(err, session.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).SendString("Session already terminal")
	case errors.Is(err, call.ErrOfferMissing):
		return c.Status(fiber.StatusConflict).SendString("Offer not ready")
	default:
		slog.Error("call operation failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
	}
}

func callStateResponse(w *call.Window) fiber.Map {
	return fiber.Map{
		"sessionId": w.SessionID(),
		"state":     string(w.Status()),
	}
}

type startCallRequest struct {
	CallerID     string `json:"callerId"`
	ReceiverID   string `json:"receiverId"`
	Type         string `json:"type"`
	CallerName   string `json:"callerName"`
	ReceiverName string `json:"receiverName"`
}

type acceptCallRequest struct {
	ReceiverID string `json:"receiverId"`
}

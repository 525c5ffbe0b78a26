package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/abdm-relay/internal/config"
	"github.com/minasoft/abdm-relay/internal/db"
	natsstore "github.com/minasoft/abdm-relay/internal/nats"
)

// Server is the gateway's HTTP surface: session auth, bridge registry,
// care-context link relay and the data request/response correlator.
type Server struct {
	echo       *echo.Echo
	js         jetstream.JetStream
	config     *config.Config
	registry   *Registry
	links      *LinkRelay
	correlator *Correlator
	notices    *NoticeBoard
}

func NewServer(js jetstream.JetStream, cfg *config.Config, registry *Registry, links *LinkRelay, correlator *Correlator, notices *NoticeBoard) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	return &Server{
		echo:       e,
		js:         js,
		config:     cfg,
		registry:   registry,
		links:      links,
		correlator: correlator,
		notices:    notices,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.setupRoutes()

	addr := fmt.Sprintf(":%d", s.config.GatewayPort)
	slog.Info("Gateway server starting", "port", s.config.GatewayPort)

	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("Gateway server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.handleHealth)

	api := s.echo.Group("/api", s.requireGatewayHeaders)
	api.POST("/auth/session", s.handleCreateSession)

	authed := api.Group("", s.requireBearerToken)
	authed.POST("/bridge/register", s.handleRegisterBridge)
	authed.PATCH("/bridge/url", s.handleUpdateBridgeURL)
	authed.GET("/bridge/:id/services", s.handleListServices)
	authed.POST("/bridge/service", s.handleAddService)

	authed.POST("/link/carecontext", s.handleBindCareContext)

	authed.POST("/data/request", s.handleDataRequest)
	authed.POST("/data/response", s.handleDataResponse)
	authed.GET("/data/request/:id/status", s.handleRequestStatus)
	authed.POST("/data/request/:id/timeout", s.handleRequestTimeout)

	authed.POST("/health-records/notify", s.handleRecordNotify)
}

// requireGatewayHeaders enforces the REQUEST-ID / TIMESTAMP / X-CM-ID
// correlation headers on every gateway call.
func (s *Server) requireGatewayHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var missing []string
		for _, name := range []string{"REQUEST-ID", "TIMESTAMP", "X-CM-ID"} {
			if c.Request().Header.Get(name) == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return echo.NewHTTPError(http.StatusBadRequest,
				"Missing required headers: "+strings.Join(missing, ", "))
		}
		return next(c)
	}
}

func (s *Server) requireBearerToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing bearer token")
		}
		clientID, err := s.registry.VerifyToken(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
		}
		c.Set("clientId", clientID)
		return next(c)
	}
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var body struct {
		ClientID     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
		GrantType    string `json:"grantType"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if body.GrantType != "client_credentials" {
		return echo.NewHTTPError(http.StatusBadRequest, "Only client_credentials grant type is supported")
	}

	cmID := c.Request().Header.Get("X-CM-ID")
	session, err := s.registry.Authenticate(c.Request().Context(), body.ClientID, body.ClientSecret, cmID)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid client credentials")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Session could not be created")
	}
	return c.JSON(http.StatusOK, session)
}

func (s *Server) handleRegisterBridge(c echo.Context) error {
	var body struct {
		BridgeID    string `json:"bridgeId"`
		Role        string `json:"role"`
		Name        string `json:"name"`
		CallbackURL string `json:"callbackUrl"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if body.BridgeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "bridgeId is required")
	}
	if body.Role != "" && body.Role != db.RoleHIP && body.Role != db.RoleHIU {
		return echo.NewHTTPError(http.StatusBadRequest, "role must be HIP or HIU")
	}

	reg, err := s.registry.Register(c.Request().Context(), body.BridgeID, body.Role, body.Name, body.CallbackURL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Bridge could not be registered")
	}
	return c.JSON(http.StatusOK, reg)
}

func (s *Server) handleUpdateBridgeURL(c echo.Context) error {
	var body struct {
		BridgeID    string `json:"bridgeId"`
		CallbackURL string `json:"callbackUrl"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	reg, err := s.registry.UpdateURL(c.Request().Context(), body.BridgeID, body.CallbackURL)
	if err != nil {
		if errors.Is(err, ErrBridgeNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Bridge not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Bridge could not be updated")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"bridgeId":    reg.BridgeID,
		"callbackUrl": reg.CallbackURL,
	})
}

func (s *Server) handleListServices(c echo.Context) error {
	services, err := s.registry.Services(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBridgeNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Bridge not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Services could not be read")
	}
	return c.JSON(http.StatusOK, services)
}

func (s *Server) handleAddService(c echo.Context) error {
	var body struct {
		BridgeID string `json:"bridgeId"`
		Name     string `json:"name"`
		Version  string `json:"version"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	svc, err := s.registry.AddService(c.Request().Context(), body.BridgeID, db.BridgeService{
		Name:    body.Name,
		Version: body.Version,
	})
	if err != nil {
		if errors.Is(err, ErrBridgeNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Bridge not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Service could not be added")
	}
	return c.JSON(http.StatusOK, svc)
}

func (s *Server) handleBindCareContext(c echo.Context) error {
	var body BindRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	if err := s.links.Bind(c.Request().Context(), body); err != nil {
		if errors.Is(err, ErrBridgeNotFound) {
			return echo.NewHTTPError(http.StatusBadRequest, "Unknown bridge")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "LINKED"})
}

func (s *Server) handleDataRequest(c echo.Context) error {
	var params InitiateParams
	if err := c.Bind(&params); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if params.HIUID == "" || params.ConsentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "hiuId and consentId are required")
	}

	req, err := s.correlator.Initiate(c.Request().Context(), params)
	if err != nil {
		if req != nil {
			// Dispatch failed; the request is persisted as failed and
			// the reason is reported to the initiator.
			return c.JSON(http.StatusBadGateway, map[string]string{
				"requestId": req.ID,
				"status":    req.Status,
				"error":     req.Error,
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Request could not be created")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"requestId": req.ID,
		"status":    req.Status,
	})
}

func (s *Server) handleDataResponse(c echo.Context) error {
	var body struct {
		RequestID string          `json:"requestId"`
		PatientID string          `json:"patientId"`
		Records   json.RawMessage `json:"records"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	applied, err := s.correlator.HandleResponse(c.Request().Context(), body.RequestID, body.PatientID, body.Records)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Response could not be processed")
	}
	// A duplicate or stale delivery is acknowledged, not errored.
	status := "DELIVERED"
	if !applied {
		status = "DISCARDED"
	}
	return c.JSON(http.StatusOK, map[string]string{
		"requestId": body.RequestID,
		"status":    status,
	})
}

func (s *Server) handleRequestStatus(c echo.Context) error {
	req, err := s.correlator.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "Request not found")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"requestId": req.ID,
		"status":    req.Status,
	})
}

func (s *Server) handleRequestTimeout(c echo.Context) error {
	applied, err := s.correlator.MarkTimedOut(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "Request not found")
	}
	status := db.RequestTimedOut
	if !applied {
		req, _ := s.correlator.Get(c.Request().Context(), c.Param("id"))
		if req != nil {
			status = req.Status
		}
	}
	return c.JSON(http.StatusOK, map[string]string{
		"requestId": c.Param("id"),
		"status":    status,
	})
}

func (s *Server) handleRecordNotify(c echo.Context) error {
	var notice db.RecordNotice
	if err := c.Bind(&notice); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	if err := s.notices.Announce(c.Request().Context(), notice); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{
		"recordId": notice.RecordID,
		"status":   "acknowledged",
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	components := make(map[string]string)
	overallStatus := "healthy"

	if s.js != nil {
		if _, err := s.js.AccountInfo(ctx); err != nil {
			components["nats"] = "unhealthy: " + err.Error()
			overallStatus = "degraded"
		} else {
			components["nats"] = "healthy"
		}
	} else {
		components["nats"] = "unhealthy: not initialized"
		overallStatus = "unhealthy"
	}

	if stream, err := s.js.Stream(ctx, natsstore.DispatchStream); err != nil {
		components["dispatch_queue"] = "unhealthy: stream not found"
		overallStatus = "degraded"
	} else if info, _ := stream.Info(ctx); info != nil {
		components["dispatch_queue"] = fmt.Sprintf("healthy (pending: %d)", info.State.Msgs)
	} else {
		components["dispatch_queue"] = "healthy"
	}

	for _, bucket := range []string{natsstore.BridgesBucket, natsstore.DataRequestsBucket} {
		if kv, err := s.js.KeyValue(ctx, bucket); err != nil {
			components[strings.ToLower(bucket)] = "unhealthy"
			overallStatus = "degraded"
		} else if status, _ := kv.Status(ctx); status != nil {
			components[strings.ToLower(bucket)] = fmt.Sprintf("healthy (values: %d)", status.Values())
		} else {
			components[strings.ToLower(bucket)] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, map[string]any{
		"status":     overallStatus,
		"timestamp":  time.Now(),
		"components": components,
		"version":    "1.0.0",
	})
}

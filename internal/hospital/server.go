package hospital

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/abdm-relay/internal/config"
	"github.com/minasoft/abdm-relay/internal/db"
	"github.com/minasoft/abdm-relay/internal/gwclient"
	natsstore "github.com/minasoft/abdm-relay/internal/nats"
)

// Server is the hospital node's HTTP surface: patient and visit CRUD for
// the presentation layer, the care-context and health-record operations,
// and the webhook endpoints the gateway delivers into.
type Server struct {
	echo    *echo.Echo
	js      jetstream.JetStream
	config  *config.Config
	store   *Store
	engine  *LinkingEngine
	records *Records
	queue   *Queue
	gw      *gwclient.Client
}

func NewServer(js jetstream.JetStream, cfg *config.Config, store *Store, engine *LinkingEngine, records *Records, queue *Queue, gw *gwclient.Client) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	return &Server{
		echo:    e,
		js:      js,
		config:  cfg,
		store:   store,
		engine:  engine,
		records: records,
		queue:   queue,
		gw:      gw,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.setupRoutes()

	addr := fmt.Sprintf(":%d", s.config.HospitalPort)
	slog.Info("Hospital server starting", "port", s.config.HospitalPort)

	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("Hospital server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.handleHealth)

	api := s.echo.Group("/api")
	api.POST("/patient/register", s.handlePatientRegister)
	api.GET("/patient/list", s.handlePatientList)

	api.POST("/visit/create", s.handleVisitCreate)
	api.GET("/visit/patient/:patientId", s.handleVisitsByPatient)
	api.PATCH("/visit/:id/status", s.handleVisitStatus)

	api.POST("/care-context/create-and-link", s.handleCreateAndLink)
	api.GET("/care-contexts/:patientId", s.handleContextsByPatient)

	api.POST("/health-records/:patientId", s.handleRecordCreate)
	api.GET("/health-records/:patientId", s.handleRecordList)

	api.POST("/data/request", s.handleDataRequest)
	api.GET("/data/request/:id/status", s.handleDataRequestStatus)

	s.echo.POST("/webhook/receive", s.handleWebhookReceive)
	s.echo.GET("/webhook/queue", s.handleWebhookQueue)
	s.echo.DELETE("/webhook/queue", s.handleWebhookClear)
}

func (s *Server) handlePatientRegister(c echo.Context) error {
	var p db.Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	created, err := s.store.CreatePatient(c.Request().Context(), &p)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handlePatientList(c echo.Context) error {
	patients, err := s.store.ListPatients(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Patients could not be read")
	}
	// Aadhaar is masked on display.
	masked := make([]db.Patient, 0, len(patients))
	for _, p := range patients {
		cp := *p
		cp.Aadhaar = maskAadhaar(cp.Aadhaar)
		masked = append(masked, cp)
	}
	return c.JSON(http.StatusOK, masked)
}

func maskAadhaar(aadhaar string) string {
	if len(aadhaar) <= 4 {
		return aadhaar
	}
	return "XXXX-XXXX-" + aadhaar[len(aadhaar)-4:]
}

func (s *Server) handleVisitCreate(c echo.Context) error {
	var v db.Visit
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	created, err := s.store.CreateVisit(c.Request().Context(), &v)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleVisitsByPatient(c echo.Context) error {
	visits, err := s.store.VisitsByPatient(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Visits could not be read")
	}
	return c.JSON(http.StatusOK, visits)
}

func (s *Server) handleVisitStatus(c echo.Context) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	visit, err := s.store.UpdateVisitStatus(c.Request().Context(), c.Param("id"), body.Status)
	if err != nil {
		if errors.Is(err, ErrVisitNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Visit not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, visit)
}

func (s *Server) handleCreateAndLink(c echo.Context) error {
	var params CreateAndLinkParams
	if err := c.Bind(&params); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	result, err := s.engine.CreateAndLink(c.Request().Context(), params)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) || errors.Is(err, ErrVisitNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleContextsByPatient(c echo.Context) error {
	contexts, err := s.store.ContextsByPatient(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Care contexts could not be read")
	}
	return c.JSON(http.StatusOK, contexts)
}

func (s *Server) handleRecordCreate(c echo.Context) error {
	var params CreateRecordParams
	if err := c.Bind(&params); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	rec, err := s.records.Create(c.Request().Context(), c.Param("patientId"), params)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) || errors.Is(err, ErrContextNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleRecordList(c echo.Context) error {
	recs, err := s.store.RecordsByPatient(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Health records could not be read")
	}
	return c.JSON(http.StatusOK, recs)
}

// handleDataRequest lets this node act as HIU: the request is initiated at
// the gateway, which correlates the asynchronous response.
func (s *Server) handleDataRequest(c echo.Context) error {
	var body gwclient.DataRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if body.HIUID == "" {
		body.HIUID = s.config.BridgeID
	}

	if s.gw == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Gateway client not configured")
	}
	resp, err := s.gw.RequestData(c.Request().Context(), body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDataRequestStatus(c echo.Context) error {
	if s.gw == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Gateway client not configured")
	}
	status, err := s.gw.RequestStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{
		"requestId": c.Param("id"),
		"status":    status,
	})
}

func (s *Server) handleWebhookReceive(c echo.Context) error {
	var event db.WebhookEvent
	if err := c.Bind(&event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	queued, err := s.queue.Enqueue(c.Request().Context(), event)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{
		"id":     queued.ID,
		"status": "RECEIVED",
	})
}

func (s *Server) handleWebhookQueue(c echo.Context) error {
	unprocessedOnly := c.QueryParam("pending") == "true"
	events, err := s.queue.Events(c.Request().Context(), unprocessedOnly)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Queue could not be read")
	}
	return c.JSON(http.StatusOK, events)
}

// handleWebhookClear discards all queued events. Destructive; refused
// without the explicit confirm flag.
func (s *Server) handleWebhookClear(c echo.Context) error {
	if c.QueryParam("confirm") != "true" {
		return echo.NewHTTPError(http.StatusBadRequest, "Clearing the queue discards all events; repeat with ?confirm=true")
	}
	if err := s.queue.Clear(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Queue could not be cleared")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "CLEARED"})
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

	if stream, err := s.js.Stream(ctx, natsstore.WebhookStream); err != nil {
		components["webhook_queue"] = "unhealthy: stream not found"
		overallStatus = "degraded"
	} else if info, _ := stream.Info(ctx); info != nil {
		components["webhook_queue"] = fmt.Sprintf("healthy (messages: %d)", info.State.Msgs)
	} else {
		components["webhook_queue"] = "healthy"
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

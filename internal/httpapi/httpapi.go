// Package httpapi is the cron-facing HTTP surface: the external
// periodic-task runner's command column ultimately curls these
// endpoints (or a CLI wraps them), and the daemon exposes the same
// operations over HTTP for anything that wants to drive the controller
// without shelling out. Grounded on
// registerAlarmWeatherHandler.go's handler-wiring shape (minus JWT —
// this is an internal LAN-facing surface, not a public multi-tenant
// API) and shared/middleware/middleware.go's request-logging idiom.
package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/science/hottub-controller/internal/controller"
	"github.com/science/hottub-controller/internal/jobs"
	"github.com/science/hottub-controller/internal/planner"
	"github.com/science/hottub-controller/pkg/apperrors"
	"github.com/science/hottub-controller/pkg/logger"
	"github.com/science/hottub-controller/pkg/response"
)

// echoValidator adapts go-playground/validator to echo.Validator.
type echoValidator struct {
	validate *validator.Validate
}

func (v *echoValidator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return apperrors.Validation(err.Error())
	}
	return nil
}

// Server wires the controller, job scheduler, and planner to HTTP routes.
type Server struct {
	echo *echo.Echo
	log  *zap.Logger

	ctrl    *controller.Controller
	jobs    *jobs.Scheduler
	planner *planner.Planner
}

// New builds a Server with every route registered.
func New(ctrl *controller.Controller, jobScheduler *jobs.Scheduler, plan *planner.Planner, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &echoValidator{validate: validator.New()}

	s := &Server{
		echo:    e,
		log:     logger.WithComponent(logger.NoopOrDefault(log), "httpapi"),
		ctrl:    ctrl,
		jobs:    jobScheduler,
		planner: plan,
	}

	e.HTTPErrorHandler = s.errorHandler
	e.Use(s.requestLogger)
	e.Use(s.recovery)

	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/internal/tick", s.handleTick)
	e.POST("/internal/start", s.handleStart)
	e.POST("/internal/stop", s.handleStop)
	e.POST("/internal/wake-up", s.handleWakeUp)

	e.POST("/internal/jobs", s.handleScheduleJob)
	e.GET("/internal/jobs", s.handleListJobs)
	e.DELETE("/internal/jobs/:jobId", s.handleCancelJob)

	return s
}

// Start begins serving on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Echo exposes the underlying *echo.Echo, for graceful shutdown from main.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, response.OK(map[string]string{"status": "ok"}, ""))
}

func (s *Server) handleTick(c echo.Context) error {
	decision, err := s.ctrl.CheckAndAdjust(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response.OK(decision, ""))
}

type startRequest struct {
	TargetTempF float64 `json:"target_temp_f" validate:"required,min=80,max=110"`
}

func (s *Server) handleStart(c echo.Context) error {
	req := new(startRequest)
	if err := c.Bind(req); err != nil {
		return apperrors.Validation("invalid request body")
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	decision, err := s.ctrl.Start(c.Request().Context(), req.TargetTempF)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response.OK(decision, ""))
}

func (s *Server) handleStop(c echo.Context) error {
	if err := s.ctrl.Stop(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response.OK(nil, "stopped"))
}

type wakeUpRequest struct {
	ReadyByTime string  `json:"ready_by_time" validate:"required"`
	TargetTempF float64 `json:"target_temp_f" validate:"required,min=80,max=110"`
}

func (s *Server) handleWakeUp(c echo.Context) error {
	req := new(wakeUpRequest)
	if err := c.Bind(req); err != nil {
		return apperrors.Validation("invalid request body")
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	readyBy, err := time.Parse("15:04", req.ReadyByTime)
	if err != nil {
		readyBy, err = time.Parse(time.RFC3339, req.ReadyByTime)
		if err != nil {
			return apperrors.Validation("ready_by_time must be HH:MM or RFC3339")
		}
	}

	result, err := s.planner.HandleWakeUp(c.Request().Context(), readyBy, req.TargetTempF)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response.OK(result, ""))
}

type scheduleJobRequest struct {
	Action        string                 `json:"action" validate:"required"`
	Endpoint      string                 `json:"endpoint"`
	APIBaseURL    string                 `json:"apiBaseUrl"`
	ScheduledTime time.Time              `json:"scheduledTime" validate:"required"`
	Recurring     bool                   `json:"recurring"`
	Params        map[string]interface{} `json:"params,omitempty"`
}

func (s *Server) handleScheduleJob(c echo.Context) error {
	req := new(scheduleJobRequest)
	if err := c.Bind(req); err != nil {
		return apperrors.Validation("invalid request body")
	}
	if err := c.Validate(req); err != nil {
		return err
	}

	record, err := s.jobs.ScheduleJob(req.Action, req.Endpoint, req.APIBaseURL, req.ScheduledTime, req.Recurring, req.Params, "")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, response.OK(record, ""))
}

func (s *Server) handleListJobs(c echo.Context) error {
	records, err := s.jobs.ListJobs()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response.OK(records, ""))
}

func (s *Server) handleCancelJob(c echo.Context) error {
	jobID := c.Param("jobId")
	if err := s.jobs.CancelJob(jobID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response.OK(nil, "canceled"))
}

// errorHandler centralizes error-to-response mapping, matching the
// taxonomy every apperrors constructor encodes (spec §7).
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	errCode := apperrors.CodeInternal
	message := "internal error"

	if appErr, ok := apperrors.As(err); ok {
		code = appErr.HTTPStatus
		errCode = appErr.Code
		message = appErr.Message
		if code >= 500 {
			s.log.Error("request failed", zap.String("code", errCode), zap.Error(appErr.Err))
		} else {
			s.log.Warn("request rejected", zap.String("code", errCode), zap.String("message", message))
		}
	} else if echoErr, ok := err.(*echo.HTTPError); ok {
		code = echoErr.Code
		if msg, ok := echoErr.Message.(string); ok {
			message = msg
		} else {
			message = fmt.Sprintf("%v", echoErr.Message)
		}
		s.log.Warn("http error", zap.Int("status", code), zap.String("message", message))
	} else {
		s.log.Error("unhandled error", zap.Error(err))
	}

	_ = c.JSON(code, response.Fail(errCode, message))
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		duration := time.Since(start)

		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("latency", duration),
		}
		if err != nil {
			s.log.Error("request failed", append(fields, zap.Error(err))...)
		} else {
			s.log.Info("request completed", fields...)
		}
		return err
	}
}

func (s *Server) recovery(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic recovered", zap.Any("recovered", r))
				err = apperrors.Internal(fmt.Errorf("panic: %v", r))
			}
		}()
		return next(c)
	}
}

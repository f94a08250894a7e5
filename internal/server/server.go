// Package server implements the school platform's sync API surface:
// one REST endpoint set per entity type, returning the canonical record
// on success, 4xx for validation and version conflicts, and a health
// endpoint for connectivity probes. It backs integration tests and the
// `edusync serve` development server.
package server

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"edusync/internal/model"
)

type (
	// Options configures the server.
	Options struct {
		Address        string
		Token          string // bearer token required on /v1 when set
		DisableReqLogs bool
	}

	// Server is the reference sync server.
	Server interface {
		http.Handler
		Start() error
		Stop(ctx context.Context) error
	}

	server struct {
		opts    *Options
		app     *echo.Echo
		records *recordStore
	}
)

var _ Server = (*server)(nil)

// NewServer creates a sync server with an empty record table.
func NewServer(opts *Options) Server {
	s := &server{
		opts:    opts,
		app:     echo.New(),
		records: newRecordStore(),
	}
	s.setup()
	return s
}

func (s *server) setup() {
	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.opts.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	s.app.Use(middleware.Recover())

	s.app.Validator = &requestValidator{validate: validator.New()}
	s.app.HTTPErrorHandler = httpErrorHandler

	s.app.GET("/healthz", health)

	v1 := s.app.Group("/v1")
	if s.opts.Token != "" {
		v1.Use(bearerAuth(s.opts.Token))
	}

	h := &entityHandler{records: s.records}
	v1.GET("/:entity", h.list)
	v1.GET("/:entity/:id", h.get)
	v1.POST("/:entity", h.create)
	v1.PUT("/:entity/:id", h.update)
	v1.DELETE("/:entity/:id", h.remove)
}

func (s *server) Start() error {
	return s.app.Start(s.opts.Address)
}

func (s *server) Stop(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// bearerAuth requires a constant bearer token on every request.
func bearerAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "Bearer "+token {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
			}
			return next(c)
		}
	}
}

// requestValidator adapts go-playground/validator to echo.
type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

func httpErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := interface{}("internal server error")

	switch err := err.(type) {
	case *echo.HTTPError:
		code = err.Code
		message = err.Message
	case validator.ValidationErrors:
		code = http.StatusBadRequest
		fldErrs := make(map[string]string)
		for _, vErr := range err {
			fldErrs[vErr.Field()] = vErr.Tag()
		}
		message = fldErrs
	}

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]interface{}{"error": message})
}

// entityParam resolves and validates the :entity path parameter.
func entityParam(c echo.Context) (model.EntityType, error) {
	t := model.EntityType(c.Param("entity"))
	if !t.Valid() {
		return "", echo.NewHTTPError(http.StatusNotFound, "unknown entity type")
	}
	return t, nil
}

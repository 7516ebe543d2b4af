package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ParleSec/casproxy/internal/auth"
	"github.com/ParleSec/casproxy/internal/cas"
	"github.com/ParleSec/casproxy/internal/logger"
	"github.com/ParleSec/casproxy/internal/mockidp"
	"github.com/ParleSec/casproxy/internal/tis"
	"github.com/ParleSec/casproxy/pkg/models"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

var errMissingParam = errors.New("missing parameter")

// Server is the main HTTP server for the CAS proxy
type Server struct {
	config    *Config
	auth      *auth.Orchestrator
	tis       *tis.Client
	catalogue *tis.Catalogue
	mock      *mockidp.MockCAS
	logger    *logger.Logger
	router    chi.Router
}

// NewServer creates a new server instance
func NewServer(deps *BootstrapResult) *Server {
	s := &Server{
		config:    deps.Config,
		auth:      deps.Auth,
		tis:       deps.TIS,
		catalogue: deps.Catalogue,
		mock:      deps.MockCAS,
		logger:    deps.Logger.With("component", "server"),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery(s.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.logger))
	r.Use(SecurityHeaders)

	// Health check
	r.Get("/health", s.handleHealth)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(2*s.config.Upstream.Timeout + 5*time.Second))
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		r.Use(NewRateLimiter(s.config.RateLimit, time.Minute).Limit)

		r.Get("/courses", s.handleCourses)

		for path, h := range map[string]http.HandlerFunc{
			"/cas_login":         s.handleCASLogin,
			"/basic_info":        s.handleBasicInfo,
			"/semester_gpa":      s.handleSemesterGPA,
			"/courses_grades":    s.handleCourseGrades,
			"/selected_courses":  s.handleSelectedCourses,
			"/available_courses": s.handleAvailableCourses,
			"/select_course":     s.handleSelectCourse,
			"/drop_course":       s.handleDropCourse,
			"/update_points":     s.handleUpdatePoints,
		} {
			r.Get(path, h)
			r.Post(path, h)
		}
	})

	if s.mock != nil {
		r.Mount(MockPrefix, s.mock.Routes())
	}

	s.router = r
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Accounts int    `json:"accounts"`
	MockCAS  bool   `json:"mock_cas"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "healthy",
		Version:  Version,
		Accounts: s.auth.Accounts(),
		MockCAS:  s.mock != nil,
	})
}

// credentials reads username and password from the query string or form body.
func credentials(r *http.Request) (string, string) {
	return r.FormValue("username"), r.FormValue("password")
}

func requireParams(r *http.Request, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v := r.FormValue(name)
		if v == "" {
			return nil, fmt.Errorf("%w: %s", errMissingParam, name)
		}
		out[name] = v
	}
	return out, nil
}

func parsePoints(raw string) (uint32, error) {
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: points must be a non-negative integer", errMissingParam)
	}
	return uint32(n), nil
}

func (s *Server) handleCASLogin(w http.ResponseWriter, r *http.Request) {
	username, password := credentials(r)
	if err := s.auth.Authenticate(r.Context(), username, password); err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "login successful"})
}

// serve authenticates the caller, bridges into TIS and runs fn on the bridged session.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, d auth.Doer) (interface{}, error)) {
	username, password := credentials(r)

	var result interface{}
	err := s.auth.Service(r.Context(), username, password, func(ctx context.Context, d auth.Doer) error {
		var err error
		result, err = fn(ctx, d)
		return err
	})
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBasicInfo(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(ctx context.Context, d auth.Doer) (interface{}, error) {
		return s.tis.BasicInfo(ctx, d)
	})
}

func (s *Server) handleSemesterGPA(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(ctx context.Context, d auth.Doer) (interface{}, error) {
		return s.tis.SemesterGPA(ctx, d)
	})
}

func (s *Server) handleCourseGrades(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(ctx context.Context, d auth.Doer) (interface{}, error) {
		return s.tis.CourseGrades(ctx, d)
	})
}

func (s *Server) handleSelectedCourses(w http.ResponseWriter, r *http.Request) {
	p, err := requireParams(r, "semester_year", "semester_no")
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	term := tis.Term{Year: p["semester_year"], Number: p["semester_no"]}

	s.serve(w, r, func(ctx context.Context, d auth.Doer) (interface{}, error) {
		return s.tis.SelectedCourses(ctx, d, term)
	})
}

func (s *Server) handleAvailableCourses(w http.ResponseWriter, r *http.Request) {
	p, err := requireParams(r, "semester_year", "semester_no", "courses_type")
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	term := tis.Term{Year: p["semester_year"], Number: p["semester_no"]}
	courseType := tis.CourseType(p["courses_type"])
	if _, err := courseType.Code(); err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	s.serve(w, r, func(ctx context.Context, d auth.Doer) (interface{}, error) {
		return s.tis.AvailableCourses(ctx, d, term, courseType)
	})
}

func (s *Server) handleSelectCourse(w http.ResponseWriter, r *http.Request) {
	p, err := requireParams(r, "semester_year", "semester_no", "course_id", "course_type", "points")
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	points, err := parsePoints(p["points"])
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	courseType := tis.CourseType(p["course_type"])
	if _, err := courseType.Code(); err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	term := tis.Term{Year: p["semester_year"], Number: p["semester_no"]}

	s.serve(w, r, func(ctx context.Context, d auth.Doer) (interface{}, error) {
		return s.tis.SelectCourse(ctx, d, term, p["course_id"], courseType, points)
	})
}

func (s *Server) handleDropCourse(w http.ResponseWriter, r *http.Request) {
	p, err := requireParams(r, "semester_year", "semester_no", "course_id")
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	term := tis.Term{Year: p["semester_year"], Number: p["semester_no"]}

	s.serve(w, r, func(ctx context.Context, d auth.Doer) (interface{}, error) {
		return s.tis.DropCourse(ctx, d, term, p["course_id"])
	})
}

func (s *Server) handleUpdatePoints(w http.ResponseWriter, r *http.Request) {
	p, err := requireParams(r, "semester_year", "semester_no", "course_id", "points")
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	points, err := parsePoints(p["points"])
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	term := tis.Term{Year: p["semester_year"], Number: p["semester_no"]}

	s.serve(w, r, func(ctx context.Context, d auth.Doer) (interface{}, error) {
		return s.tis.UpdatePoints(ctx, d, term, p["course_id"], points)
	})
}

func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := s.catalogue.Courses(r.Context())
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	if courses == nil {
		courses = []models.Course{}
	}
	writeJSON(w, http.StatusOK, courses)
}

// writeAuthError maps domain errors to HTTP status codes.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, message)
}

func statusFor(err error) (int, string) {
	var rejected *tis.RejectedError
	switch {
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, errMissingParam),
		errors.Is(err, tis.ErrUnknownCourseType):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrStaleCredential):
		return http.StatusUnauthorized, auth.ErrStaleCredential.Error()
	case errors.Is(err, auth.ErrAuthFailed):
		return http.StatusUnauthorized, auth.ErrAuthFailed.Error()
	case errors.As(err, &rejected):
		if rejected.Message != "" {
			return http.StatusConflict, rejected.Message
		}
		return http.StatusConflict, tis.ErrOperationRejected.Error()
	case errors.Is(err, cas.ErrProtocolDrift):
		return http.StatusBadGateway, "upstream returned an unexpected response"
	case errors.Is(err, cas.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

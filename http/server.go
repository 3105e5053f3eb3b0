package http

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"agent/config"
	"agent/errors"
	"agent/http/handlers"
	apxmiddlewares "agent/http/middleware"
	apxresp "agent/http/response"
	"agent/logger"
	"agent/services/health"
	"agent/utils/helpers"
)

type Server struct {
	Logger        *zap.Logger
	Conf          *config.ApxConfig
	PoolHandler   *handlers.PoolHandler
	HealthHandler *health.HealthHandler
}

func NewServer(conf *config.ApxConfig, poolHandler *handlers.PoolHandler, healthHandler *health.HealthHandler) *Server {
	return &Server{
		Conf:          conf,
		PoolHandler:   poolHandler,
		HealthHandler: healthHandler,
	}
}

func (s *Server) Listen(ctx context.Context, addr string) error {
	os.Setenv("BASE_PATH", strings.Replace(s.Conf.Prefix, "/", "", -1))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apxmiddlewares.NewLoggerWithMetrics(s.Logger, &apxmiddlewares.Opts{
		WithReferer:   false,
		WithUserAgent: false,
	}))
	r.Use(middleware.Recoverer)
	r.Use(apxmiddlewares.EnabCors(s.Conf.Cors.AllowedOrigins))
	r.Get("/healthz", s.HealthHandler.ServeHTTP)
	r.Route(s.Conf.Prefix, func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Route("/pool", func(r chi.Router) {
				r.Post("/reserve", s.ToHTTPHandlerFunc(s.PoolHandler.Reserve))
				r.Get("/", s.ToHTTPHandlerFunc(s.PoolHandler.List))
				r.Get("/runtime", s.ToHTTPHandlerFunc(s.PoolHandler.ListFromRuntime))
				r.Get("/monitor", s.ToHTTPHandlerFunc(s.PoolHandler.Monitor))
				r.Post("/shutdown", s.ToHTTPHandlerFunc(s.PoolHandler.Shutdown))
				r.Route("/{name}", func(r chi.Router) {
					r.Post("/extend", s.ToHTTPHandlerFunc(s.PoolHandler.Extend))
					r.Post("/release", s.ToHTTPHandlerFunc(s.PoolHandler.Release))
					r.Post("/resolution", s.ToHTTPHandlerFunc(s.PoolHandler.SetViewport))
				})
			})
		})
	})

	errch := make(chan error)
	server := &http.Server{Addr: addr, Handler: r}
	go func() {
		logger.Info("Starting server", zap.String("addr", addr))
		errch <- server.ListenAndServe()
	}()

	select {
	case err := <-errch:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) ToHTTPHandlerFunc(handler func(w http.ResponseWriter, r *http.Request) (any, int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response, status, err := handler(w, r)
		if err != nil {
			switch err := err.(type) {
			case *errors.Error:
				helpers.PrintStruct(err)
				apxresp.RespondError(w, err)
			default:
				s.Logger.Error("internal error", zap.Error(err))
				apxresp.RespondMessage(w, http.StatusInternalServerError, "internal error")
			}
			return
		}
		if response != nil {
			apxresp.RespondJSON(w, status, response)
		}
		if status >= 100 && status < 600 {
			w.WriteHeader(status)
		}
	}
}

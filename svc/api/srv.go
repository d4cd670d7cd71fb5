package api

import (
	"clipbin/cfg"
	"clipbin/svc/db"
	"clipbin/svc/lim"
	"clipbin/svc/svc"
	"clipbin/svc/util"
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	clips      *svc.Clip
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	rdb        *db.Redis
	ws         *WSHub
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, clips *svc.Clip, l *lim.Limiter, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	s := &Server{
		router: r,
		clips:  clips,
		lim:    l,
		cfg:    c,
		rdb:    rdb,
		ws:     NewWSHub(clips),
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	r.Mount("/debug", middleware.Profiler())

	// The websocket upgrade cannot go through the JSON middleware stack.
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/ws", s.ws.ServeHTTP)
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)
		r.Use(mw.AnomalyDetection)
		hdl := &Hdl{clips: clips, cfg: c}
		r.With(mw.RateLimitCreate).Post("/api/clips", hdl.CreateClip)
		r.With(mw.RateLimitRead).Get("/api/clips/{id}", hdl.GetClip)
		r.With(mw.RateLimitRevoke).Delete("/api/clips/{id}", hdl.RevokeClip)
		r.With(mw.RateLimitCreate).Post("/api/cleanup", hdl.Cleanup)
		r.With(mw.RateLimitRead).Get("/api/stats", hdl.GetStats)
		r.With(mw.RateLimitRead).Get("/api/config/expiries", hdl.GetExpiries)
	})
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	s.httpServer.ReadTimeout = read
	s.httpServer.WriteTimeout = write
	s.httpServer.IdleTimeout = idle
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.Shutdown()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

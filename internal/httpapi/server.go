// Package httpapi exposes the router over HTTP with gin.
//
// Hosts post trigger requests and read back the effect a hub wrote. Messages
// for templates without a server-side hub are returned for the host to
// render; the host then reports the impression.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"msgrouter/internal/hub"
	"msgrouter/internal/message"
	"msgrouter/internal/router"
	"msgrouter/internal/scheduler"
	logx "msgrouter/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

type Config struct {
	Addr string
}

type Options struct {
	Router    *router.Router
	Hubs      []*hub.Hub
	Prefs     hub.PrefStore
	Scheduler *scheduler.Service
	Log       logx.Logger
}

type Server struct {
	router *router.Router
	hubs   map[message.Template]*hub.Hub
	prefs  hub.PrefStore
	sched  *scheduler.Service
	log    logx.Logger

	engine *gin.Engine

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

func New(opts Options) (*Server, error) {
	if opts.Router == nil || opts.Prefs == nil {
		return nil, errors.New("httpapi: router and pref store are required")
	}
	s := &Server{
		router: opts.Router,
		hubs:   map[message.Template]*hub.Hub{},
		prefs:  opts.Prefs,
		sched:  opts.Scheduler,
		log:    opts.Log,
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	for _, h := range opts.Hubs {
		s.hubs[h.Template()] = h
	}
	s.engine = s.routes()
	return s, nil
}

// Handler returns the gin engine; tests serve it through httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(recovery(s.log), requestLogger(s.log))

	r.GET("/healthz", s.health)
	v1 := r.Group("/v1")
	{
		v1.POST("/requests", s.requestMessage)
		v1.POST("/impressions", s.recordImpression)
		v1.GET("/messages", s.listMessages)
		v1.GET("/providers", s.listProviders)
		v1.POST("/providers/:id/refresh", s.refreshProvider)
		v1.GET("/prefs/:key", s.getPref)
		v1.DELETE("/prefs/:key", s.clearPref)
		v1.GET("/schedules", s.schedules)
	}
	return r
}

// Listen binds cfg.Addr and serves until Shutdown. It returns once the
// listener is bound; serve errors are logged.
func (s *Server) Listen(cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.log.Info("http server listening", logx.String("addr", s.addr))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", logx.Err(err))
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

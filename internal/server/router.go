package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ostermost/warden/internal/metrics"
	"github.com/ostermost/warden/internal/supervisor"
)

// Router exposes the supervisor to the controlling front-end over a
// loopback HTTP API.
// Endpoints:
//
//	GET  {basePath}/status      current supervisor status
//	GET  {basePath}/logs        buffered gateway output
//	POST {basePath}/activate    set desired-active true
//	POST {basePath}/deactivate  set desired-active false
//	GET  {basePath}/metrics     Prometheus metrics
type Router struct {
	sup      *supervisor.Supervisor
	basePath string
}

func NewRouter(sup *supervisor.Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

// Handler returns a gin-powered http.Handler that can be mounted in any mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/logs", r.handleLogs)
	group.POST("/activate", r.handleActivate)
	group.POST("/deactivate", r.handleDeactivate)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, sup *supervisor.Supervisor) *http.Server {
	r := NewRouter(sup, basePath)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type okResp struct {
	OK bool `json:"ok"`
}

type logsResp struct {
	Logs string `json:"logs"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.sup.Status()
	c.JSON(http.StatusOK, gin.H{
		"state":    st.State,
		"pid":      st.PID,
		"detail":   st.Detail,
		"restarts": st.Restarts,
		"usable":   st.Usable(),
	})
}

func (r *Router) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, logsResp{Logs: r.sup.Output()})
}

func (r *Router) handleActivate(c *gin.Context) {
	r.sup.SetActive(true)
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDeactivate(c *gin.Context) {
	r.sup.SetActive(false)
	c.JSON(http.StatusOK, okResp{OK: true})
}

func sanitizeBase(bp string) string {
	if bp == "" {
		return ""
	}
	if bp[0] != '/' {
		bp = "/" + bp
	}
	for len(bp) > 1 && bp[len(bp)-1] == '/' {
		bp = bp[:len(bp)-1]
	}
	return bp
}

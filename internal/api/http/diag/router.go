package diag

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/oshokin/service-core/internal/domain/core"
	"github.com/oshokin/service-core/internal/events"
	"github.com/oshokin/service-core/internal/logger"
	"github.com/oshokin/service-core/internal/metrics"
	"github.com/oshokin/service-core/internal/repository/store"
)

// Supervisor is what the API drives.
type Supervisor interface {
	Status() core.Status
	ProgramLogs(ctx context.Context, service core.ServiceName) string
	UpdateProgram(ctx context.Context, service core.ServiceName) (bool, error)
	TryStartProgram(ctx context.Context, service core.ServiceName) error
	Restart()
}

// Router provides the diagnostic handlers.
// Endpoints:
//
//	GET  /status                     running and guard flags
//	GET  /core                       persisted pointers of both services
//	GET  /logs                       recent supervisor log entries, ?level=warn for warnings only
//	GET  /programs/:service/logs     log text of the last operation
//	POST /programs/:service/update   run an update cycle
//	POST /programs/:service/start    start the best installed version
//	POST /restart                    exit so the service manager relaunches the process
//	GET  /metrics                    Prometheus metrics
//	GET  /events                     websocket stream of bus events and log entries
type Router struct {
	sup      Supervisor
	repo     store.Repository
	bus      *events.Bus
	upgrader websocket.Upgrader
}

// NewRouter creates a router.
func NewRouter(sup Supervisor, repo store.Repository, bus *events.Bus) *Router {
	return &Router{
		sup:  sup,
		repo: repo,
		bus:  bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API listens on an operator port; observers may be served from anywhere.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the gin engine as an http.Handler.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	g.GET("/status", r.handleStatus)
	g.GET("/core", r.handleCore)
	g.GET("/logs", r.handleLogs)
	g.GET("/events", r.handleEvents)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	g.POST("/restart", r.handleRestart)

	programs := g.Group("/programs/:service")
	programs.GET("/logs", r.handleProgramLogs)
	programs.POST("/update", r.handleUpdate)
	programs.POST("/start", r.handleStart)

	return g
}

type errorResp struct {
	Error string `json:"error"`
}

type programLogsResp struct {
	Service core.ServiceName `json:"service"`
	Logs    string           `json:"logs"`
}

type updateResp struct {
	Service   core.ServiceName `json:"service"`
	Installed bool             `json:"installed"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.sup.Status())
}

func (r *Router) handleCore(c *gin.Context) {
	doc, err := store.CoreDocument(c.Request.Context(), r.repo)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})

		return
	}

	c.JSON(http.StatusOK, doc)
}

func (r *Router) handleLogs(c *gin.Context) {
	entries := logger.Recent()
	if c.Query("level") == "warn" {
		entries = logger.RecentWarnings()
	}

	c.JSON(http.StatusOK, entries)
}

func (r *Router) handleProgramLogs(c *gin.Context) {
	service, ok := serviceParam(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, programLogsResp{
		Service: service,
		Logs:    r.sup.ProgramLogs(c.Request.Context(), service),
	})
}

// handleUpdate runs the cycle detached from the request so a client
// disconnect does not abort an install halfway.
func (r *Router) handleUpdate(c *gin.Context) {
	service, ok := serviceParam(c)
	if !ok {
		return
	}

	installed, err := r.sup.UpdateProgram(context.WithoutCancel(c.Request.Context()), service)
	if err != nil {
		c.JSON(http.StatusBadGateway, errorResp{Error: err.Error()})

		return
	}

	c.JSON(http.StatusOK, updateResp{Service: service, Installed: installed})
}

func (r *Router) handleStart(c *gin.Context) {
	service, ok := serviceParam(c)
	if !ok {
		return
	}

	if err := r.sup.TryStartProgram(context.WithoutCancel(c.Request.Context()), service); err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})

		return
	}

	c.JSON(http.StatusOK, r.sup.Status())
}

func (r *Router) handleRestart(c *gin.Context) {
	logger.WarnKV(c.Request.Context(), "Restart requested", "remote", c.ClientIP())
	r.sup.Restart()
	c.JSON(http.StatusAccepted, okResp{OK: true})
}

func serviceParam(c *gin.Context) (core.ServiceName, bool) {
	service, err := core.ParseService(c.Param("service"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})

		return "", false
	}

	return service, true
}

package httpapp

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/whoismuhd/S3NTRACS/internal/config"
	"github.com/whoismuhd/S3NTRACS/internal/http/handlers"
	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	h   *handlers.Handlers
	e   *echo.Echo
	srv *http.Server
}

// NewEchoServer creates a new HTTP server.
func NewEchoServer(cfg config.Config, store handlers.Store, scans handlers.ScanStarter, progress handlers.ProgressSource, checks scan.CheckResolver) (*EchoServer, error) {
	h := &handlers.Handlers{Cfg: cfg, Store: store, Scans: scans, Progress: progress, Checks: checks}
	es := &EchoServer{h: h, e: echo.New()}
	es.registerRoutes()
	return es, nil
}

func (es *EchoServer) registerRoutes() {
	es.e.Use(middleware.RequestID())
	es.e.Use(middleware.Recover())

	es.e.GET("/healthz", handlers.HandleHealthz)

	api := es.e.Group("/api")
	api.POST("/tenants/:tenantID/scans", es.h.HandleScanStart)
	api.GET("/tenants/:tenantID/scans", es.h.HandleScanList)
	api.GET("/tenants/:tenantID/scans/latest", es.h.HandleScanLatest)
	api.GET("/tenants/:tenantID/scan-progress", es.h.HandleScanProgress)
	api.GET("/tenants/:tenantID/findings", es.h.HandleFindingList)
	api.POST("/tenants/:tenantID/findings/:findingID/status", es.h.HandleFindingStatus)
}

// Start starts the HTTP server.
func (es *EchoServer) Start(addr string) error {
	return es.e.Start(addr)
}

// StartServer starts the HTTP server with a custom http.Server.
func (es *EchoServer) StartServer(server *http.Server) error {
	server.Handler = es.e
	es.srv = server
	return server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (es *EchoServer) Shutdown(ctx context.Context) error {
	if es.srv == nil {
		return nil
	}
	return es.srv.Shutdown(ctx)
}

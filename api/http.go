package api

import (
	"context"
	"net/http"
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/julienschmidt/httprouter"
	"github.com/timelapselabs/timelapse-api/clients"
	"github.com/timelapselabs/timelapse-api/config"
	"github.com/timelapselabs/timelapse-api/handlers"
	"github.com/timelapselabs/timelapse-api/log"
	"github.com/timelapselabs/timelapse-api/middleware"
	"github.com/timelapselabs/timelapse-api/pipeline"
)

const shutdownTimeout = 5 * time.Second

// ListenAndServe runs the public API until ctx is cancelled, then drains
// in-flight requests before returning.
func ListenAndServe(ctx context.Context, addr, apiToken string, coordinator *pipeline.Coordinator, objectStore clients.ObjectStoreGateway) error {
	router := NewTimelapseAPIRouter(coordinator, objectStore, apiToken)
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting Timelapse API!",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewTimelapseAPIRouter(coordinator *pipeline.Coordinator, objectStore clients.ObjectStoreGateway, apiToken string) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest(kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stdout)))
	withAuth := middleware.IsAuthorized
	capacity := &middleware.CapacityMiddleware{}

	apiHandlers := &handlers.TimelapseAPIHandlersCollection{Coordinator: coordinator, ObjectStore: objectStore}

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging(apiHandlers.Ok()))

	// Only job creation is capacity checked; reports and status polls for
	// jobs already admitted must keep flowing under load.
	router.POST("/api/timelapse",
		withLogging(
			withAuth(
				apiToken,
				capacity.HasCapacity(
					coordinator.Store(),
					apiHandlers.CreateTimelapse(),
				),
			),
		),
	)

	router.POST("/api/timelapse/:jobID/chunk",
		withLogging(withAuth(apiToken, apiHandlers.ChunkUploaded())),
	)
	router.GET("/api/timelapse/:jobID/status",
		withLogging(withAuth(apiToken, apiHandlers.TimelapseStatus())),
	)
	router.POST("/api/timelapse/:jobID/cancel",
		withLogging(withAuth(apiToken, apiHandlers.CancelTimelapse())),
	)
	router.GET("/api/upload-url",
		withLogging(withAuth(apiToken, apiHandlers.UploadURL())),
	)

	return router
}

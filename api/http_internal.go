package api

import (
	"context"
	"net/http"
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/julienschmidt/httprouter"
	"github.com/timelapselabs/timelapse-api/config"
	"github.com/timelapselabs/timelapse-api/handlers"
	"github.com/timelapselabs/timelapse-api/log"
	"github.com/timelapselabs/timelapse-api/middleware"
	"github.com/timelapselabs/timelapse-api/pipeline"
	"github.com/timelapselabs/timelapse-api/worker"
)

// ListenAndServeInternal runs the worker-facing API: task execution on this
// node plus the report sink the workers deliver results to. It is not
// token-authed and must never be exposed publicly.
func ListenAndServeInternal(ctx context.Context, addr string, coordinator *pipeline.Coordinator, workerHandlers *worker.WorkerHandlersCollection) error {
	router := NewTimelapseAPIRouterInternal(coordinator, workerHandlers)
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting Timelapse internal API!",
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

func NewTimelapseAPIRouterInternal(coordinator *pipeline.Coordinator, workerHandlers *worker.WorkerHandlersCollection) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest(kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stdout)))

	reportHandlers := &handlers.ReportHandlersCollection{Coordinator: coordinator}

	// Worker result reports
	router.POST("/api/timelapse/:jobID/processed", withLogging(reportHandlers.ChunkProcessed()))
	router.POST("/api/timelapse/:jobID/merged", withLogging(reportHandlers.MergeComplete()))
	router.POST("/api/timelapse/:jobID/failure", withLogging(reportHandlers.FailureReport()))

	// Task execution on this node
	router.POST("/api/worker/task", withLogging(workerHandlers.TaskHandler()))
	router.POST("/api/worker/merge", withLogging(workerHandlers.MergeHandler()))
	router.POST("/api/worker/abort/:taskName", withLogging(workerHandlers.AbortHandler()))

	return router
}

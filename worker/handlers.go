package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/timelapselabs/timelapse-api/clients"
	"github.com/timelapselabs/timelapse-api/errors"
	"github.com/timelapselabs/timelapse-api/log"
)

// WorkerHandlersCollection serves the task execution API. Dispatches are
// accept-only: the handler claims the task name, answers 202 and runs the
// task in the background; the result travels back through the reporter.
type WorkerHandlersCollection struct {
	Registry *Registry
	Invoker  *Invoker
}

func (h *WorkerHandlersCollection) TaskHandler() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var task clients.ChunkTask
		if err := json.NewDecoder(req.Body).Decode(&task); err != nil {
			errors.WriteHTTPBadRequest(w, "Cannot unmarshal JSON to ChunkTask", err)
			return
		}
		if task.Name == "" || task.JobID == "" {
			errors.WriteHTTPBadRequest(w, "Task name and job_id are required", nil)
			return
		}

		ctx, err := h.Registry.Start(task.Name, time.Duration(task.DeadlineSecs)*time.Second)
		if err != nil {
			errors.WriteHTTPConflict(w, fmt.Sprintf("Task %s is already running", task.Name), err)
			return
		}

		log.Log(task.JobID, "accepted chunk task", "task_name", task.Name, "chunk_index", task.ChunkIndex)
		go h.run(ctx, task.Name, func(ctx context.Context) {
			h.Invoker.RunChunkTask(ctx, task)
		})
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *WorkerHandlersCollection) MergeHandler() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var task clients.MergeTask
		if err := json.NewDecoder(req.Body).Decode(&task); err != nil {
			errors.WriteHTTPBadRequest(w, "Cannot unmarshal JSON to MergeTask", err)
			return
		}
		if task.Name == "" || task.JobID == "" {
			errors.WriteHTTPBadRequest(w, "Task name and job_id are required", nil)
			return
		}
		if len(task.ProcessedKeys) == 0 {
			errors.WriteHTTPBadRequest(w, "Merge task needs at least one processed key", nil)
			return
		}

		ctx, err := h.Registry.Start(task.Name, time.Duration(task.DeadlineSecs)*time.Second)
		if err != nil {
			errors.WriteHTTPConflict(w, fmt.Sprintf("Task %s is already running", task.Name), err)
			return
		}

		log.Log(task.JobID, "accepted merge task", "task_name", task.Name, "chunk_count", len(task.ProcessedKeys))
		go h.run(ctx, task.Name, func(ctx context.Context) {
			h.Invoker.RunMergeTask(ctx, task)
		})
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *WorkerHandlersCollection) AbortHandler() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		taskName := params.ByName("taskName")
		if !h.Registry.Abort(taskName) {
			errors.WriteHTTPNotFound(w, fmt.Sprintf("No running task named %s", taskName), nil)
			return
		}
		log.LogNoJobID("aborted task", "task_name", taskName)
		w.WriteHeader(http.StatusOK)
	}
}

func (h *WorkerHandlersCollection) run(ctx context.Context, taskName string, fn func(ctx context.Context)) {
	defer h.Registry.Finish(taskName)
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoJobID("panic in task execution, recovering", "task_name", taskName, "err", rec)
		}
	}()
	fn(ctx)
}

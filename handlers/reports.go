package handlers

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/timelapselabs/timelapse-api/clients"
	"github.com/timelapselabs/timelapse-api/errors"
	"github.com/timelapselabs/timelapse-api/pipeline"
)

// ReportHandlersCollection serves the internal API workers deliver their
// results to. Reports are matched to jobs by the URL and to chunks by the
// index in the body; duplicates and reports for finished jobs are absorbed
// upstream as stale no-ops, so every handler here answers success for them.
type ReportHandlersCollection struct {
	Coordinator *pipeline.Coordinator
}

type ChunkProcessedResponse struct {
	ProcessedCount int     `json:"processed_count"`
	TotalChunks    int     `json:"total_chunks"`
	ProgressPct    float64 `json:"progress_pct"`
}

var ChunkProcessedReportSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"chunk_index": {"type": "integer", "minimum": 0},
		"processed_key": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false,
	"required": ["chunk_index", "processed_key"]
}`

var MergeCompleteReportSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"final_key": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false,
	"required": ["final_key"]
}`

var FailureReportSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"chunk_index": {"type": "integer", "minimum": 0},
		"error": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false,
	"required": ["error"]
}`

func (d *ReportHandlersCollection) ChunkProcessed() httprouter.Handle {
	schema := inputSchemasCompiled["ChunkProcessedReport"]

	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		var report clients.ChunkProcessedReport
		if !decodeValidatedBody(w, req, "ChunkProcessedReport", schema, &report) {
			return
		}

		jobID := params.ByName("jobID")
		processed, total, err := d.Coordinator.OnChunkProcessed(jobID, report.ChunkIndex, report.ProcessedKey)
		if err != nil {
			writeJobError(w, "Cannot record processed chunk", err)
			return
		}

		progressPct := float64(0)
		if total > 0 {
			progressPct = float64(processed) / float64(total) * 100
		}
		writeJSON(w, http.StatusOK, ChunkProcessedResponse{
			ProcessedCount: processed,
			TotalChunks:    total,
			ProgressPct:    progressPct,
		})
	}
}

func (d *ReportHandlersCollection) MergeComplete() httprouter.Handle {
	schema := inputSchemasCompiled["MergeCompleteReport"]

	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		var report clients.MergeCompleteReport
		if !decodeValidatedBody(w, req, "MergeCompleteReport", schema, &report) {
			return
		}

		if err := d.Coordinator.OnMergeComplete(params.ByName("jobID"), report.FinalKey); err != nil {
			writeJobError(w, "Cannot record merge completion", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (d *ReportHandlersCollection) FailureReport() httprouter.Handle {
	schema := inputSchemasCompiled["FailureReport"]

	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		var report clients.FailureReport
		if !decodeValidatedBody(w, req, "FailureReport", schema, &report) {
			return
		}
		if report.Error == "" {
			errors.WriteHTTPBadRequest(w, "Failure report needs an error message", nil)
			return
		}

		if err := d.Coordinator.OnFailureReport(params.ByName("jobID"), report.ChunkIndex, report.Error); err != nil {
			writeJobError(w, "Cannot record failure report", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

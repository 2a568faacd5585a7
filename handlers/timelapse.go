package handlers

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/timelapselabs/timelapse-api/clients"
	"github.com/timelapselabs/timelapse-api/config"
	"github.com/timelapselabs/timelapse-api/errors"
	"github.com/timelapselabs/timelapse-api/log"
	"github.com/timelapselabs/timelapse-api/metrics"
	"github.com/timelapselabs/timelapse-api/pipeline"
	"github.com/xeipuuv/gojsonschema"
)

type TimelapseAPIHandlersCollection struct {
	Coordinator *pipeline.Coordinator
	ObjectStore clients.ObjectStoreGateway
}

type CreateTimelapseRequest struct {
	TotalChunks    int    `json:"total_chunks"`
	ChunkSizeBytes int64  `json:"chunk_size_bytes"`
	ParentMediaID  string `json:"parent_media_id,omitempty"`
	CallbackURL    string `json:"callback_url,omitempty"`
}

var CreateTimelapseRequestSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"total_chunks": {"type": "integer", "minimum": 1},
		"chunk_size_bytes": {"type": "integer", "minimum": 1},
		"parent_media_id": {"type": "string"},
		"callback_url": {"type": "string", "format": "uri"}
	},
	"additionalProperties": false,
	"required": ["total_chunks", "chunk_size_bytes"]
}`

type CreateTimelapseResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ChunkUploadedRequest struct {
	ChunkIndex int    `json:"chunk_index"`
	ChunkKey   string `json:"chunk_key"`
}

var ChunkUploadedRequestSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"chunk_index": {"type": "integer", "minimum": 0},
		"chunk_key": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false,
	"required": ["chunk_index", "chunk_key"]
}`

type ChunkUploadedResponse struct {
	UploadedCount int `json:"uploaded_count"`
	TotalChunks   int `json:"total_chunks"`
}

func (d *TimelapseAPIHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		if _, err := io.WriteString(w, "OK"); err != nil {
			log.LogNoJobID("Failed to write HTTP response for " + req.URL.Path)
		}
	}
}

func (d *TimelapseAPIHandlersCollection) CreateTimelapse() httprouter.Handle {
	schema := inputSchemasCompiled["CreateTimelapse"]

	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var createRequest CreateTimelapseRequest
		if !decodeValidatedBody(w, req, "CreateTimelapse", schema, &createRequest) {
			return
		}

		metrics.Metrics.CreateJobRequestCount.Inc()
		job, err := d.Coordinator.StartJob(createRequest.TotalChunks, createRequest.ChunkSizeBytes, createRequest.ParentMediaID, createRequest.CallbackURL)
		if err != nil {
			writeJobError(w, "Cannot create timelapse job", err)
			return
		}

		writeJSON(w, http.StatusCreated, CreateTimelapseResponse{
			JobID:  job.ID,
			Status: string(job.Status),
		})
	}
}

func (d *TimelapseAPIHandlersCollection) ChunkUploaded() httprouter.Handle {
	schema := inputSchemasCompiled["ChunkUploaded"]

	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		var uploadedRequest ChunkUploadedRequest
		if !decodeValidatedBody(w, req, "ChunkUploaded", schema, &uploadedRequest) {
			return
		}

		jobID := params.ByName("jobID")
		uploaded, total, err := d.Coordinator.OnChunkUploaded(jobID, uploadedRequest.ChunkIndex, uploadedRequest.ChunkKey)
		if err != nil {
			writeJobError(w, "Cannot record chunk upload", err)
			return
		}

		writeJSON(w, http.StatusOK, ChunkUploadedResponse{
			UploadedCount: uploaded,
			TotalChunks:   total,
		})
	}
}

func (d *TimelapseAPIHandlersCollection) TimelapseStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		view, err := d.Coordinator.GetStatus(params.ByName("jobID"))
		if err != nil {
			writeJobError(w, "Cannot fetch job status", err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (d *TimelapseAPIHandlersCollection) CancelTimelapse() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		if err := d.Coordinator.Cancel(params.ByName("jobID")); err != nil {
			writeJobError(w, "Cannot cancel job", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// UploadURL hands the caller a presigned PUT URL so chunk bytes go straight to
// the object store and never through this API.
func (d *TimelapseAPIHandlersCollection) UploadURL() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		key := req.URL.Query().Get("key")
		if key == "" {
			errors.WriteHTTPBadRequest(w, "Missing key query parameter", nil)
			return
		}

		uploadURL, err := d.ObjectStore.UploadURL(key, config.PresignedURLExpiry)
		if err != nil {
			errors.WriteHTTPBadGateway(w, "Cannot sign upload URL", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": uploadURL})
	}
}

func HasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}

	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}
	return false
}

func decodeValidatedBody(w http.ResponseWriter, req *http.Request, where string, schema *gojsonschema.Schema, out interface{}) bool {
	if !HasContentType(req, "application/json") {
		errors.WriteHTTPUnsupportedMediaType(w, "Requires application/json content type", nil)
		return false
	}
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
		return false
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
		return false
	}
	if !result.Valid() {
		errors.WriteHTTPBadBodySchema(where, w, result.Errors())
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
		return false
	}
	return true
}

func writeJobError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.IsNotFound(err):
		errors.WriteHTTPNotFound(w, msg, err)
	case errors.IsValidation(err):
		errors.WriteHTTPBadRequest(w, msg, err)
	case errors.IsDependency(err):
		errors.WriteHTTPBadGateway(w, msg, err)
	default:
		errors.WriteHTTPInternalServerError(w, msg, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.LogNoJobID("error writing HTTP response", "err", err)
	}
}

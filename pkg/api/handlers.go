package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"meshvault/pkg/errdefs"
	"meshvault/pkg/logging"
	"meshvault/pkg/models"
)

// maxJSONBody bounds JSON request bodies. Large payloads belong in
// multipart uploads, which stream to disk instead.
const maxJSONBody = 64 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.coord.Statistics()
	writeJSON(w, http.StatusOK, StatusResponse{
		NodeID:     s.coord.NodeID(),
		Version:    s.version,
		Active:     s.coord.Active(),
		Statistics: stats,
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coord.Capabilities()
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Peers())
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.ListOperations())
}

// handleStoreFile accepts either a multipart upload (streamed to disk,
// synchronous) or a JSON body with base64 data (asynchronous).
func (s *Server) handleStoreFile(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		s.storeMultipart(w, r)
		return
	}

	var req StoreFileRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Data) == 0 {
		http.Error(w, "File data is required", http.StatusBadRequest)
		return
	}

	fileID, err := s.coord.StoreFile(req.Name, req.Data, req.Tags)
	if err != nil {
		s.writeError(w, err, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, StoreFileResponse{
		FileID:    fileID,
		Status:    string(models.StatusPending),
		StatusURL: "/api/jobs/" + fileID,
	})
}

func (s *Server) storeMultipart(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Multipart field 'file' is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}

	fileID, err := s.coord.StoreFileStream(r.Context(), name, file, header.Size, parseTags(r.FormValue("tags")))
	if err != nil {
		s.writeError(w, err, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, StoreFileResponse{
		FileID:    fileID,
		Status:    string(models.StatusCompleted),
		StatusURL: "/api/jobs/" + fileID,
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.coord.ListFiles()
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]

	data, err := s.coord.RetrieveFile(r.Context(), fileID)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	if meta, merr := s.coord.FileInfo(fileID); merr == nil {
		w.Header().Set("X-Checksum", meta.Checksum)
		if meta.OriginalName != "" {
			w.Header().Set("Content-Disposition",
				fmt.Sprintf("attachment; filename=%q", meta.OriginalName))
		}
	}
	w.Write(data)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]

	ok, err := s.coord.DeleteFile(r.Context(), fileID)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{FileID: fileID, Deleted: ok})
}

func (s *Server) handleVerifyFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]

	valid, err := s.coord.VerifyFile(fileID)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{FileID: fileID, Valid: valid})
}

func (s *Server) handleShareFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]

	var req ShareFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Peer == "" {
		http.Error(w, "Peer node ID is required", http.StatusBadRequest)
		return
	}

	if err := s.coord.ShareFile(r.Context(), fileID, req.Peer); err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file_id": fileID, "shared_with": req.Peer})
}

func (s *Server) handleListShared(w http.ResponseWriter, r *http.Request) {
	shared, err := s.coord.SharedFiles()
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, shared)
}

func (s *Server) handleDownloadShared(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]

	result, err := s.coord.DownloadShared(r.Context(), fileID)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDismissShared(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]

	if err := s.coord.DismissShared(fileID); err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file_id": fileID, "status": "removed"})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "Job type is required", http.StatusBadRequest)
		return
	}

	opID, err := s.coord.SubmitComputeJob(&models.ComputeJob{
		JobID:       req.JobID,
		Type:        req.Type,
		Parameters:  req.Parameters,
		Payload:     req.Payload,
		Priority:    req.Priority,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		s.writeError(w, err, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitJobResponse{
		OperationID: opID,
		StatusURL:   "/api/jobs/" + opID,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	opID := mux.Vars(r)["id"]

	info, ok := s.coord.TaskStatus(opID)
	if !ok {
		http.Error(w, "Operation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleJobPlan(w http.ResponseWriter, r *http.Request) {
	opID := mux.Vars(r)["id"]

	plan, ok := s.coord.ExecutionPlanFor(opID)
	if !ok {
		http.Error(w, "No execution plan for this job", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	opID := mux.Vars(r)["id"]

	results, ok := s.coord.ResultsFor(opID)
	if !ok {
		http.Error(w, "No results for this job", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	opID := mux.Vars(r)["id"]

	if _, ok := s.coord.TaskStatus(opID); !ok {
		http.Error(w, "Operation not found", http.StatusNotFound)
		return
	}
	canceled := s.coord.CancelTask(opID)
	writeJSON(w, http.StatusOK, CancelResponse{OperationID: opID, Canceled: canceled})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses and emits the
// JSON error envelope.
func (s *Server) writeError(w http.ResponseWriter, err error, fallback int) {
	resp := ErrorResponse{Error: err.Error()}
	status := fallback

	var se *errdefs.StorageError
	if errors.As(err, &se) {
		resp.Code = string(se.Code)
		resp.Recoverable = se.Recoverable
		status = statusFor(se.Code, fallback)
	}

	s.log.Debug("Request failed",
		logging.Int("status", status),
		logging.Error(err))
	writeJSON(w, status, resp)
}

func statusFor(code errdefs.Code, fallback int) int {
	switch code {
	case errdefs.CodeInvalidFileID:
		return http.StatusNotFound
	case errdefs.CodeAlreadyExists:
		return http.StatusConflict
	case errdefs.CodeInsufficientSpace:
		return http.StatusInsufficientStorage
	case errdefs.CodePermissionDenied, errdefs.CodeUntrustedSource:
		return http.StatusForbidden
	case errdefs.CodeChecksumMismatch:
		return http.StatusBadGateway
	case errdefs.CodePeerUnreachable, errdefs.CodeNetworkTimeout, errdefs.CodeMeshDisconnected:
		return http.StatusServiceUnavailable
	case errdefs.CodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return fallback
	}
}

func parseTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

package api

import (
	"meshvault/pkg/models"
)

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	NodeID     string                   `json:"node_id"`
	Version    string                   `json:"version"`
	Active     bool                     `json:"active"`
	Statistics models.ServiceStatistics `json:"statistics"`
}

// StoreFileRequest is the JSON body of POST /api/files. Data is base64 on
// the wire, which encoding/json handles for []byte.
type StoreFileRequest struct {
	Name string   `json:"name"`
	Data []byte   `json:"data"`
	Tags []string `json:"tags,omitempty"`
}

// StoreFileResponse acknowledges an accepted store
type StoreFileResponse struct {
	FileID    string `json:"file_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

// SubmitJobRequest is the JSON body of POST /api/jobs
type SubmitJobRequest struct {
	JobID      string                 `json:"job_id,omitempty"`
	Type       models.JobType         `json:"type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Payload    []byte                 `json:"payload,omitempty"`
	Priority   int                    `json:"priority,omitempty"`
}

// SubmitJobResponse acknowledges an accepted job
type SubmitJobResponse struct {
	OperationID string `json:"operation_id"`
	StatusURL   string `json:"status_url"`
}

// ShareFileRequest is the JSON body of POST /api/files/{id}/share
type ShareFileRequest struct {
	Peer string `json:"peer"`
}

// VerifyResponse is the body of GET /api/files/{id}/verify
type VerifyResponse struct {
	FileID string `json:"file_id"`
	Valid  bool   `json:"valid"`
}

// CancelResponse is the body of DELETE /api/jobs/{id}
type CancelResponse struct {
	OperationID string `json:"operation_id"`
	Canceled    bool   `json:"canceled"`
}

// DeleteResponse is the body of DELETE /api/files/{id}
type DeleteResponse struct {
	FileID  string `json:"file_id"`
	Deleted bool   `json:"deleted"`
}

// ErrorResponse is the JSON error envelope for every failed request
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

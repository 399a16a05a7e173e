// Package client is the HTTP client for the meshvault daemon API. It is
// what mvctl talks through; the daemon side lives in pkg/api.
package client

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"meshvault/pkg/models"
)

// APIError is a failed request decoded from the daemon's error envelope.
type APIError struct {
	Status      int
	Message     string
	Code        string
	Recoverable bool
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (status %d, %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
}

// Client manages communication with a meshvault daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

// NewClient creates a client against the given daemon base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// NewClientWithTLS creates a client that dials the daemon over TLS.
func NewClientWithTLS(baseURL string, tlsConfig *tls.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
	}
}

// SetAPIKey sets the key sent as a bearer token on every request.
func (c *Client) SetAPIKey(apiKey string) {
	c.apiKey = apiKey
}

// SetTimeout overrides the default per-request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.httpClient.Timeout = d
}

// BaseURL returns the daemon URL this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) addAuthHeader(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// do sends one request and decodes the JSON response into out (which may
// be nil). Non-2xx responses come back as *APIError.
func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiErrorFrom(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func apiErrorFrom(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var envelope struct {
		Error       string `json:"error"`
		Code        string `json:"code"`
		Recoverable bool   `json:"recoverable"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
		apiErr.Message = envelope.Error
		apiErr.Code = envelope.Code
		apiErr.Recoverable = envelope.Recoverable
	}
	return apiErr
}

// Status is the daemon's self-report from GET /api/status.
type Status struct {
	NodeID     string                   `json:"node_id"`
	Version    string                   `json:"version"`
	Active     bool                     `json:"active"`
	Statistics models.ServiceStatistics `json:"statistics"`
}

// StoreResponse acknowledges a stored file.
type StoreResponse struct {
	FileID    string `json:"file_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

// SubmitResponse acknowledges an accepted compute job.
type SubmitResponse struct {
	OperationID string `json:"operation_id"`
	StatusURL   string `json:"status_url"`
}

// JobRequest describes a compute job submission.
type JobRequest struct {
	JobID      string                 `json:"job_id,omitempty"`
	Type       models.JobType         `json:"type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Payload    []byte                 `json:"payload,omitempty"`
	Priority   int                    `json:"priority,omitempty"`
}

// Health checks the unauthenticated liveness endpoint.
func (c *Client) Health() error {
	return c.do("GET", "/healthz", nil, nil)
}

// Status fetches the daemon status and service statistics.
func (c *Client) Status() (*Status, error) {
	var st Status
	if err := c.do("GET", "/api/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Capabilities fetches the daemon's own hardware snapshot.
func (c *Client) Capabilities() (*models.NodeCapabilitySnapshot, error) {
	var snap models.NodeCapabilitySnapshot
	if err := c.do("GET", "/api/capabilities", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Nodes lists the mesh peers the daemon currently knows about.
func (c *Client) Nodes() ([]models.NodeCapabilitySnapshot, error) {
	var nodes []models.NodeCapabilitySnapshot
	if err := c.do("GET", "/api/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Operations lists tracked operations, newest first.
func (c *Client) Operations() ([]models.OperationInfo, error) {
	var ops []models.OperationInfo
	if err := c.do("GET", "/api/operations", nil, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// StoreFile submits file content for asynchronous storage and returns the
// operation acknowledgement to poll with JobStatus.
func (c *Client) StoreFile(name string, data []byte, tags []string) (*StoreResponse, error) {
	req := struct {
		Name string   `json:"name"`
		Data []byte   `json:"data"`
		Tags []string `json:"tags,omitempty"`
	}{Name: name, Data: data, Tags: tags}

	var stored StoreResponse
	if err := c.do("POST", "/api/files", req, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// UploadFile streams file content as multipart form data. The daemon
// stores it synchronously, so a nil error means the bytes are durable.
func (c *Client) UploadFile(name string, r io.Reader, tags []string) (*StoreResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		if len(tags) > 0 {
			mw.WriteField("tags", strings.Join(tags, ","))
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequest("POST", c.baseURL+"/api/files", pr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, apiErrorFrom(resp)
	}
	var stored StoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &stored, nil
}

// Files lists the blobs stored on the daemon.
func (c *Client) Files() ([]*models.BlobMetadata, error) {
	var files []*models.BlobMetadata
	if err := c.do("GET", "/api/files", nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// RetrieveFile fetches the content of a stored blob along with the
// checksum the daemon reported for it.
func (c *Client) RetrieveFile(fileID string) ([]byte, string, error) {
	req, err := http.NewRequest("GET", c.baseURL+"/api/files/"+fileID, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", apiErrorFrom(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.Header.Get("X-Checksum"), nil
}

// DeleteFile removes a blob from the daemon and its replicas.
func (c *Client) DeleteFile(fileID string) (bool, error) {
	var deleted struct {
		Deleted bool `json:"deleted"`
	}
	if err := c.do("DELETE", "/api/files/"+fileID, nil, &deleted); err != nil {
		return false, err
	}
	return deleted.Deleted, nil
}

// VerifyFile asks the daemon to re-hash a blob against its manifest.
func (c *Client) VerifyFile(fileID string) (bool, error) {
	var verify struct {
		Valid bool `json:"valid"`
	}
	if err := c.do("GET", "/api/files/"+fileID+"/verify", nil, &verify); err != nil {
		return false, err
	}
	return verify.Valid, nil
}

// ShareFile announces a blob to a named peer without copying bytes.
func (c *Client) ShareFile(fileID, peer string) error {
	req := struct {
		Peer string `json:"peer"`
	}{Peer: peer}
	return c.do("POST", "/api/files/"+fileID+"/share", req, nil)
}

// SharedFiles lists blobs peers have advertised to this daemon.
func (c *Client) SharedFiles() ([]*models.SharedBlobMetadata, error) {
	var shared []*models.SharedBlobMetadata
	if err := c.do("GET", "/api/shared", nil, &shared); err != nil {
		return nil, err
	}
	return shared, nil
}

// DownloadShared pulls the bytes of an advertised blob from its sharer.
func (c *Client) DownloadShared(fileID string) (*models.DownloadResult, error) {
	var result models.DownloadResult
	if err := c.do("POST", "/api/shared/"+fileID+"/download", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DismissShared drops an advertisement without downloading it.
func (c *Client) DismissShared(fileID string) error {
	return c.do("DELETE", "/api/shared/"+fileID, nil, nil)
}

// SubmitJob submits a compute job and returns the acknowledgement to
// poll with JobStatus.
func (c *Client) SubmitJob(job *JobRequest) (*SubmitResponse, error) {
	var accepted SubmitResponse
	if err := c.do("POST", "/api/jobs", job, &accepted); err != nil {
		return nil, err
	}
	return &accepted, nil
}

// JobStatus fetches the tracked record of any operation, storage or
// compute.
func (c *Client) JobStatus(operationID string) (*models.OperationInfo, error) {
	var info models.OperationInfo
	if err := c.do("GET", "/api/jobs/"+operationID, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// JobPlan fetches the execution plan the scheduler produced for a job.
func (c *Client) JobPlan(operationID string) (*models.ExecutionPlan, error) {
	var plan models.ExecutionPlan
	if err := c.do("GET", "/api/jobs/"+operationID+"/plan", nil, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// JobResults fetches per-task results for a finished job.
func (c *Client) JobResults(operationID string) ([]models.TaskExecutionResult, error) {
	var results []models.TaskExecutionResult
	if err := c.do("GET", "/api/jobs/"+operationID+"/results", nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// CancelJob cancels a pending or running operation. It reports false
// when the record had already finished.
func (c *Client) CancelJob(operationID string) (bool, error) {
	var cancel struct {
		Canceled bool `json:"canceled"`
	}
	if err := c.do("DELETE", "/api/jobs/"+operationID, nil, &cancel); err != nil {
		return false, err
	}
	return cancel.Canceled, nil
}

// Metrics fetches the daemon's Prometheus exposition text.
func (c *Client) Metrics() ([]byte, error) {
	req, err := http.NewRequest("GET", c.baseURL+"/metrics", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiErrorFrom(resp)
	}
	return io.ReadAll(resp.Body)
}

// WaitOperation polls an operation until it reaches a terminal status or
// the timeout passes.
func (c *Client) WaitOperation(operationID string, timeout time.Duration) (*models.OperationInfo, error) {
	deadline := time.Now().Add(timeout)
	for {
		info, err := c.JobStatus(operationID)
		if err != nil {
			return nil, err
		}
		if models.IsTerminalStatus(info.Status) {
			return info, nil
		}
		if time.Now().After(deadline) {
			return info, fmt.Errorf("operation %s still %s after %s", operationID, info.Status, timeout)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

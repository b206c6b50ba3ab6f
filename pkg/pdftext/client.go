// Package pdftext provides an HTTP client for the PDF text extraction
// service. The service takes a PDF (or a page range of one) and returns
// per-page plain text.
package pdftext

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"

	"github.com/phraseforge/phraseforge/internal/config"
	"github.com/phraseforge/phraseforge/pkg/logger"
)

// Module provides the extraction client as an fx module
var Module = fx.Module("pdftext",
	fx.Provide(
		NewClient,
		fx.Annotate(
			func(c *Client) Extractor { return c },
			fx.As(new(Extractor)),
		),
	),
)

// Extractor extracts text from PDFs. Implemented by Client; faked in tests.
type Extractor interface {
	// Probe returns document metadata without extracting text.
	Probe(ctx context.Context, content []byte, filename string) (*ProbeResult, error)

	// ExtractPages extracts the text of pages [pageStart, pageEnd]
	// (1-based, inclusive).
	ExtractPages(ctx context.Context, content []byte, filename string, pageStart, pageEnd int) (*ExtractResult, error)
}

// Client is an HTTP client for the PDF extraction service
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	enabled    bool
	log        *slog.Logger
}

// NewClient creates a new extraction client
func NewClient(cfg *config.Config, log *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Extractor.Timeout(),
		},
		baseURL: cfg.Extractor.ServiceURL,
		timeout: cfg.Extractor.Timeout(),
		enabled: cfg.Extractor.Enabled,
		log:     log.With(logger.Scope("pdftext")),
	}
}

// IsEnabled returns true if the extraction service is enabled
func (c *Client) IsEnabled() bool {
	return c.enabled
}

// ProbeResult is the response from a metadata probe
type ProbeResult struct {
	// PageCount is the number of pages in the document
	PageCount int `json:"page_count"`

	// Title from document metadata, if present
	Title string `json:"title,omitempty"`

	// Encrypted is true when the document requires a password
	Encrypted bool `json:"encrypted,omitempty"`
}

// PageText is the extracted text of a single page
type PageText struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

// ExtractResult is the response from page extraction
type ExtractResult struct {
	Pages     []PageText `json:"pages"`
	PageCount int        `json:"page_count"`
}

// HealthResponse is the health check response from the extraction service
type HealthResponse struct {
	Status  string                 `json:"status"` // "healthy" or "unhealthy"
	Version string                 `json:"version,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error represents an extraction service error
type Error struct {
	// Message is the human-friendly error message
	Message string
	// Detail is the technical error detail
	Detail string
	// StatusCode is the HTTP status code
	StatusCode int
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// IsInvalidPDF reports whether the error means the input is not a
// readable PDF, as opposed to a service failure.
func (e *Error) IsInvalidPDF() bool {
	return e.StatusCode == http.StatusUnprocessableEntity || e.StatusCode == http.StatusBadRequest
}

// humanFriendlyMessages maps technical errors to user-friendly messages
var humanFriendlyMessages = map[string]string{
	"Invalid PDF":        "This PDF file appears to be corrupted or invalid.",
	"Encrypted PDF":      "This PDF is password protected and cannot be processed.",
	"Empty content":      "No text content could be extracted from this file.",
	"File too large":     "This file exceeds the maximum size limit for processing.",
	"Processing timeout": "The file took too long to process.",
	"Page out of range":  "The requested page range is outside the document.",
}

// getHumanFriendlyMessage converts technical errors to user-friendly messages
func getHumanFriendlyMessage(technical string, detail string) string {
	for pattern, friendly := range humanFriendlyMessages {
		if strings.Contains(technical, pattern) || strings.Contains(detail, pattern) {
			return friendly
		}
	}
	if detail != "" {
		return fmt.Sprintf("%s (%s)", technical, detail)
	}
	return technical
}

// Probe returns document metadata without extracting text
func (c *Client) Probe(ctx context.Context, content []byte, filename string) (*ProbeResult, error) {
	if !c.enabled {
		return nil, &Error{
			Message:    "PDF extraction service is not enabled",
			StatusCode: http.StatusServiceUnavailable,
		}
	}

	body, err := c.post(ctx, "/probe", content, filename, nil)
	if err != nil {
		return nil, err
	}

	var result ProbeResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode probe response: %w", err)
	}

	c.log.Debug("document probed",
		slog.String("filename", filename),
		slog.Int("page_count", result.PageCount),
	)

	return &result, nil
}

// ExtractPages extracts the text of pages [pageStart, pageEnd] (1-based,
// inclusive)
func (c *Client) ExtractPages(ctx context.Context, content []byte, filename string, pageStart, pageEnd int) (*ExtractResult, error) {
	if !c.enabled {
		return nil, &Error{
			Message:    "PDF extraction service is not enabled",
			StatusCode: http.StatusServiceUnavailable,
		}
	}

	startTime := time.Now()

	fields := map[string]string{
		"page_start": strconv.Itoa(pageStart),
		"page_end":   strconv.Itoa(pageEnd),
	}

	body, err := c.post(ctx, "/extract", content, filename, fields)
	if err != nil {
		return nil, err
	}

	var result ExtractResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode extract response: %w", err)
	}

	c.log.Info("extraction completed",
		slog.String("filename", filename),
		slog.Int("page_start", pageStart),
		slog.Int("page_end", pageEnd),
		slog.Int("pages", len(result.Pages)),
		slog.Duration("duration", time.Since(startTime)),
	)

	return &result, nil
}

// post sends a multipart request with the document and optional form fields
func (c *Client) post(ctx context.Context, path string, content []byte, filename string, fields map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("write file content: %w", err)
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{
				Message:    fmt.Sprintf("extraction request timed out for %s", filename),
				StatusCode: http.StatusRequestTimeout,
			}
		}
		return nil, &Error{
			Message:    fmt.Sprintf("extraction service unavailable at %s", c.baseURL),
			Detail:     err.Error(),
			StatusCode: http.StatusServiceUnavailable,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, c.handleErrorResponse(resp.StatusCode, body, filename)
	}

	return body, nil
}

// handleErrorResponse converts HTTP error responses to Error
func (c *Client) handleErrorResponse(statusCode int, body []byte, filename string) *Error {
	var errResp struct {
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}

	var message, detail string

	if err := json.Unmarshal(body, &errResp); err == nil {
		message = errResp.Error
		if message == "" {
			message = errResp.Message
		}
		detail = errResp.Detail
	} else {
		// Plain text error
		message = string(body)
	}

	if message == "" {
		message = fmt.Sprintf("extraction error for %s", filename)
	}

	c.log.Warn("extraction error",
		slog.String("filename", filename),
		slog.Int("status_code", statusCode),
		slog.String("message", message),
		slog.String("detail", detail),
	)

	return &Error{
		Message:    getHumanFriendlyMessage(message, detail),
		Detail:     detail,
		StatusCode: statusCode,
	}
}

// HealthCheck checks the health status of the extraction service
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("extraction health check failed", slog.Any("error", err))
		return &HealthResponse{
			Status: "unhealthy",
			Details: map[string]interface{}{
				"error": err.Error(),
			},
		}, nil
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return &HealthResponse{
			Status: "unhealthy",
			Details: map[string]interface{}{
				"error": "failed to decode health response",
			},
		}, nil
	}

	return &health, nil
}

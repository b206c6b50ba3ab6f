package pdftext

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phraseforge/phraseforge/internal/config"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name: "message only",
			err: &Error{
				Message: "Something went wrong",
			},
			expected: "Something went wrong",
		},
		{
			name: "message with detail",
			err: &Error{
				Message: "Parse error",
				Detail:  "invalid JSON at line 5",
			},
			expected: "Parse error: invalid JSON at line 5",
		},
		{
			name: "empty detail is ignored",
			err: &Error{
				Message: "Error occurred",
				Detail:  "",
			},
			expected: "Error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.err.Error()
			if result != tt.expected {
				t.Errorf("Error() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestError_IsInvalidPDF(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       bool
	}{
		{"unprocessable entity", http.StatusUnprocessableEntity, true},
		{"bad request", http.StatusBadRequest, true},
		{"service unavailable", http.StatusServiceUnavailable, false},
		{"internal error", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &Error{StatusCode: tt.statusCode}
			if got := err.IsInvalidPDF(); got != tt.want {
				t.Errorf("IsInvalidPDF() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHumanFriendlyMessage(t *testing.T) {
	tests := []struct {
		name      string
		technical string
		detail    string
		expected  string
	}{
		{
			name:      "invalid PDF",
			technical: "Invalid PDF structure",
			detail:    "",
			expected:  "This PDF file appears to be corrupted or invalid.",
		},
		{
			name:      "encrypted PDF",
			technical: "Encrypted PDF",
			detail:    "",
			expected:  "This PDF is password protected and cannot be processed.",
		},
		{
			name:      "page out of range in detail",
			technical: "extraction failed",
			detail:    "Page out of range: 12",
			expected:  "The requested page range is outside the document.",
		},
		{
			name:      "unknown error with detail",
			technical: "weird failure",
			detail:    "stack trace here",
			expected:  "weird failure (stack trace here)",
		},
		{
			name:      "unknown error without detail",
			technical: "weird failure",
			detail:    "",
			expected:  "weird failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := getHumanFriendlyMessage(tt.technical, tt.detail)
			if result != tt.expected {
				t.Errorf("getHumanFriendlyMessage() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func newTestClient(t *testing.T, serverURL string, enabled bool) *Client {
	t.Helper()
	cfg := &config.Config{
		Extractor: config.ExtractorConfig{
			Enabled:    enabled,
			ServiceURL: serverURL,
			TimeoutMs:  5000,
		},
	}
	return NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClient_Probe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/probe" {
			t.Errorf("path = %q, want /probe", r.URL.Path)
		}
		json.NewEncoder(w).Encode(ProbeResult{PageCount: 42, Title: "Les Misérables"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)
	result, err := client.Probe(context.Background(), []byte("%PDF-1.4"), "book.pdf")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if result.PageCount != 42 {
		t.Errorf("PageCount = %d, want 42", result.PageCount)
	}
	if result.Title != "Les Misérables" {
		t.Errorf("Title = %q", result.Title)
	}
}

func TestClient_ExtractPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("page_start"); got != "3" {
			t.Errorf("page_start = %q, want 3", got)
		}
		if got := r.FormValue("page_end"); got != "5" {
			t.Errorf("page_end = %q, want 5", got)
		}
		json.NewEncoder(w).Encode(ExtractResult{
			Pages: []PageText{
				{Page: 3, Text: "Il marchait vite."},
				{Page: 4, Text: "La nuit tombait."},
				{Page: 5, Text: "Il pleuvait fort."},
			},
			PageCount: 10,
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)
	result, err := client.ExtractPages(context.Background(), []byte("%PDF-1.4"), "book.pdf", 3, 5)
	if err != nil {
		t.Fatalf("ExtractPages() error = %v", err)
	}
	if len(result.Pages) != 3 {
		t.Fatalf("len(Pages) = %d, want 3", len(result.Pages))
	}
	if result.Pages[0].Page != 3 {
		t.Errorf("first page = %d, want 3", result.Pages[0].Page)
	}
}

func TestClient_ExtractPages_ServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "Invalid PDF"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)
	_, err := client.ExtractPages(context.Background(), []byte("not a pdf"), "junk.pdf", 1, 1)
	if err == nil {
		t.Fatal("expected error")
	}

	extractErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if !extractErr.IsInvalidPDF() {
		t.Errorf("IsInvalidPDF() = false, want true")
	}
}

func TestClient_Disabled(t *testing.T) {
	client := newTestClient(t, "http://localhost:1", false)

	if client.IsEnabled() {
		t.Error("IsEnabled() = true, want false")
	}

	if _, err := client.Probe(context.Background(), nil, "x.pdf"); err == nil {
		t.Error("Probe() should fail when disabled")
	}
	if _, err := client.ExtractPages(context.Background(), nil, "x.pdf", 1, 2); err == nil {
		t.Error("ExtractPages() should fail when disabled")
	}
}

package embed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"scaled copy", []float32{1, 2, 3}, []float32{2, 4, 6}, 0},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 2},
		{"empty", nil, nil, 2},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := CosineDistance(tc.a, tc.b)
			if math.Abs(result-tc.expected) > 1e-9 {
				t.Errorf("CosineDistance(%v, %v) = %f; want %f", tc.a, tc.b, result, tc.expected)
			}
		})
	}
}

func TestNoop(t *testing.T) {
	n := Noop{}

	if n.Available() {
		t.Error("Noop should never be available")
	}
	if n.Dim() != 0 {
		t.Errorf("Noop dim = %d; want 0", n.Dim())
	}
	if _, err := n.Embed(context.Background(), []byte("jpeg")); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("Noop Embed should return ErrModelUnavailable, got %v", err)
	}
}

func newEmbeddingServer(t *testing.T, embedding []float32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/embed/image", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file part", http.StatusBadRequest)
			return
		}
		file.Close()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"dim":        len(embedding),
			"embedding":  embedding,
			"model":      "ViT-B-32",
			"pretrained": "laion2b_s34b_b79k",
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestClientEmbed(t *testing.T) {
	want := []float32{0.1, -0.2, 0.3}
	server := newEmbeddingServer(t, want)

	client := NewClient(server.URL, nil)
	if !client.Available() {
		t.Fatal("client should report available against a healthy server")
	}

	got, err := client.Embed(context.Background(), []byte("fake jpeg payload"))
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("embedding length = %d; want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("embedding[%d] = %f; want %f", i, got[i], want[i])
		}
	}
	if client.Dim() != len(want) {
		t.Errorf("Dim() = %d; want %d", client.Dim(), len(want))
	}
}

func TestClientUnreachableServer(t *testing.T) {
	// A server that is brought down before first use must degrade the
	// client instead of erroring forever.
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewClient(url, nil)

	if client.Available() {
		t.Error("client should not be available with no server")
	}
	if _, err := client.Embed(context.Background(), []byte("payload")); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("Embed should return ErrModelUnavailable, got %v", err)
	}
}

func TestClientUnhealthyServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model still loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)

	if client.Available() {
		t.Error("client should not be available when health check fails")
	}
	if _, err := client.Embed(context.Background(), []byte("payload")); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("Embed should return ErrModelUnavailable, got %v", err)
	}
}

func TestClientEmbedServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/embed/image", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "decode failed", http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.URL, nil)
	if _, err := client.Embed(context.Background(), []byte("payload")); err == nil {
		t.Error("Embed should surface server errors")
	}
}

func TestNewClientDefaults(t *testing.T) {
	client := NewClient("", nil)
	if client.baseURL != defaultBaseURL {
		t.Errorf("empty URL should use default, got %q", client.baseURL)
	}

	client = NewClient("http://example.com/", nil)
	if client.baseURL != "http://example.com" {
		t.Errorf("trailing slash should be trimmed, got %q", client.baseURL)
	}
}

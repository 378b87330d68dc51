package classifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tg_classifier_bot/internal/domain"
)

func TestOpenAIClassify(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",` +
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Crocodile"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(func(o *OpenAIOptions) {
		o.APIKey = "test-key"
		o.BaseURL = srv.URL + "/"
	})

	label, err := c.Classify(context.Background(), jpegBytes)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	if label != LabelCrocodile {
		t.Fatalf("expected Crocodile, got %s", label)
	}
	if !strings.Contains(body, "data:image/jpeg;base64,") {
		t.Fatalf("expected image data url in request, got %s", body)
	}
	if c.Info() != "openai:gpt-4o-mini" {
		t.Fatalf("unexpected adapter info %s", c.Info())
	}
}

func TestOpenAIMapsStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := NewOpenAI(func(o *OpenAIOptions) {
		o.APIKey = "test-key"
		o.BaseURL = srv.URL + "/"
	})

	if _, err := c.Classify(context.Background(), jpegBytes); !errors.Is(err, domain.ErrClassificationUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestAnthropicClassify(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude",` +
			`"content":[{"type":"text","text":"Human"}],"stop_reason":"end_turn",` +
			`"usage":{"input_tokens":10,"output_tokens":1}}`))
	}))
	defer srv.Close()

	c := NewAnthropic(func(o *AnthropicOptions) {
		o.APIKey = "test-key"
		o.BaseURL = srv.URL + "/"
	})

	label, err := c.Classify(context.Background(), pngBytes)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	if label != LabelHuman {
		t.Fatalf("expected Human, got %s", label)
	}
	if !strings.Contains(body, `"media_type":"image/png"`) {
		t.Fatalf("expected png image block in request, got %s", body)
	}
}

func TestAnthropicMapsBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad image"}}`))
	}))
	defer srv.Close()

	c := NewAnthropic(func(o *AnthropicOptions) {
		o.APIKey = "test-key"
		o.BaseURL = srv.URL + "/"
	})

	if _, err := c.Classify(context.Background(), pngBytes); !errors.Is(err, domain.ErrInvalidImage) {
		t.Fatalf("expected invalid image error, got %v", err)
	}
}

package classifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"tg_classifier_bot/internal/domain"
)

// ModelServerOptions configure the REST model server adapter.
type ModelServerOptions struct {
	BaseURL   string
	Model     string
	Threshold float64
	Timeout   time.Duration
}

// ModelServer calls a TensorFlow Serving compatible predict endpoint that
// accepts base64 encoded image bytes and returns a single sigmoid score.
type ModelServer struct {
	client *resty.Client
	opts   ModelServerOptions
}

type predictInstance struct {
	B64 string `json:"b64"`
}

type predictRequest struct {
	Instances []predictInstance `json:"instances"`
}

type predictResponse struct {
	Predictions []json.RawMessage `json:"predictions"`
	Error       string            `json:"error,omitempty"`
}

// NewModelServer builds the adapter with its own resty client.
func NewModelServer(optFns ...func(o *ModelServerOptions)) (*ModelServer, error) {
	opts := defaultModelServerOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("model server base url is required")
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout)

	return NewModelServerFromClient(client, func(o *ModelServerOptions) { *o = opts })
}

// NewModelServerFromClient wraps an existing resty client.
func NewModelServerFromClient(client *resty.Client, optFns ...func(o *ModelServerOptions)) (*ModelServer, error) {
	if client == nil {
		return nil, errors.New("resty client is required")
	}

	opts := defaultModelServerOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("model name is required")
	}
	if opts.Threshold <= 0 || opts.Threshold >= 1 {
		opts.Threshold = DefaultThreshold
	}

	return &ModelServer{client: client, opts: opts}, nil
}

// Classify posts the image and thresholds the first prediction.
func (m *ModelServer) Classify(ctx context.Context, image []byte) (Label, error) {
	if _, err := Sniff(image); err != nil {
		return "", err
	}

	body := predictRequest{
		Instances: []predictInstance{{B64: base64.StdEncoding.EncodeToString(image)}},
	}

	var result predictResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&result).
		Post(fmt.Sprintf("/v1/models/%s:predict", url.PathEscape(m.opts.Model)))
	if err != nil {
		return "", transportError(ctx, "model server predict", err)
	}
	if resp.IsError() {
		return "", statusError("model server predict", resp.StatusCode())
	}

	score, err := firstScore(result)
	if err != nil {
		return "", err
	}

	return Decide(score, m.opts.Threshold), nil
}

// Info describes the adapter for logs.
func (m *ModelServer) Info() string {
	return "modelserver:" + m.opts.Model
}

func firstScore(resp predictResponse) (float64, error) {
	if resp.Error != "" {
		return 0, fmt.Errorf("%w: %s", domain.ErrClassificationUnavailable, resp.Error)
	}
	if len(resp.Predictions) == 0 {
		return 0, fmt.Errorf("%w: empty predictions", domain.ErrClassificationUnavailable)
	}

	raw := resp.Predictions[0]

	var scalar float64
	if err := json.Unmarshal(raw, &scalar); err == nil {
		return scalar, nil
	}

	var vector []float64
	if err := json.Unmarshal(raw, &vector); err == nil && len(vector) > 0 {
		return vector[0], nil
	}

	return 0, fmt.Errorf("%w: unreadable prediction %s", domain.ErrClassificationUnavailable, truncate(string(raw), 64))
}

func defaultModelServerOptions() ModelServerOptions {
	return ModelServerOptions{
		BaseURL:   "http://localhost:8501",
		Model:     "classifier",
		Threshold: DefaultThreshold,
		Timeout:   15 * time.Second,
	}
}

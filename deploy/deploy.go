// Package deploy registers trained models with a model-serving platform and queries them.
//
// The platform's API is a plain JSON one:
//
//	POST {BaseURL}/v1/models                 registers a model artifact under a name.
//	POST {BaseURL}/v1/models/{name}/predict  generates text, answering {"output": [{"generated_text": "..."}]}.
//
// Requests are authenticated with the "x-api-key" header and carry an "x-request-id".
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/models/safetensors"
	"k8s.io/klog/v2"
)

// Default resources and retry settings.
const (
	DefaultMemoryMB           = 2048
	DefaultCPUUnits           = 1024
	DefaultMaxPredictAttempts = 5
	DefaultRetryDelay         = 500 * time.Millisecond

	apiKeyHeader    = "x-api-key"
	requestIDHeader = "x-request-id"
)

// ErrEmptyPrediction is returned by Predict when every attempt generated empty text.
var ErrEmptyPrediction = errors.New("model returned an empty prediction")

// Resources requested for a deployed model.
type Resources struct {
	MemoryMB int `json:"memory_mb"`
	CPUUnits int `json:"cpu_units"`
}

// DefaultResources returns the resources deployments use unless configured otherwise.
func DefaultResources() Resources {
	return Resources{MemoryMB: DefaultMemoryMB, CPUUnits: DefaultCPUUnits}
}

// Request registers the artifact in ArtifactDir under ModelName.
type Request struct {
	ModelName        string                       `json:"model_name"`
	ArtifactDir      string                       `json:"artifact_dir"`
	Resources        Resources                    `json:"resources"`
	WaitUntilHealthy bool                         `json:"wait_until_healthy"`
	Artifact         *safetensors.ArtifactSummary `json:"artifact,omitempty"`

	// RequestID correlates the deployment with a run. A new one is generated if empty.
	RequestID string `json:"-"`
}

// Deployment is the platform's answer to a Request.
type Deployment struct {
	ModelName string `json:"model_name"`
	Status    string `json:"status"`
	URL       string `json:"url,omitempty"`
	RequestID string `json:"-"`
}

// Client of the serving platform.
type Client struct {
	BaseURL string
	APIKey  string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// MaxPredictAttempts bounds the retries of Predict on empty outputs. Defaults to
	// DefaultMaxPredictAttempts.
	MaxPredictAttempts int

	// RetryDelay between Predict attempts. Defaults to DefaultRetryDelay.
	RetryDelay time.Duration

	Logger klog.Logger
}

// NewClient returns a Client with default settings.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey, Logger: klog.Background()}
}

// Deploy registers a trained model.
func (c *Client) Deploy(ctx context.Context, req Request) (*Deployment, error) {
	if req.ModelName == "" {
		return nil, errors.New("deployment needs a model name")
	}
	if req.Resources == (Resources{}) {
		req.Resources = DefaultResources()
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	c.logger().Info("Deploying model", "model", req.ModelName, "artifact_dir", req.ArtifactDir,
		"memory_mb", req.Resources.MemoryMB, "cpu_units", req.Resources.CPUUnits,
		"wait_until_healthy", req.WaitUntilHealthy, "request_id", req.RequestID)

	deployment := &Deployment{}
	if err := c.post(ctx, "/v1/models", req.RequestID, req, deployment); err != nil {
		return nil, errors.WithMessagef(err, "deploying %q", req.ModelName)
	}
	if deployment.ModelName == "" {
		deployment.ModelName = req.ModelName
	}
	deployment.RequestID = req.RequestID
	return deployment, nil
}

type predictRequest struct {
	Input string `json:"input,omitempty"`
}

type predictResponse struct {
	Output []struct {
		GeneratedText string `json:"generated_text"`
	} `json:"output"`
}

// Predict asks the model for generated text, with an optional prompt. Empty generations are
// retried up to MaxPredictAttempts times, after which ErrEmptyPrediction is returned.
func (c *Client) Predict(ctx context.Context, modelName, input string) (string, error) {
	if modelName == "" {
		return "", errors.New("predict needs a model name")
	}
	attempts := c.MaxPredictAttempts
	if attempts <= 0 {
		attempts = DefaultMaxPredictAttempts
	}
	delay := c.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	path := "/v1/models/" + url.PathEscape(modelName) + "/predict"
	for attempt := 1; attempt <= attempts; attempt++ {
		var resp predictResponse
		if err := c.post(ctx, path, uuid.NewString(), predictRequest{Input: input}, &resp); err != nil {
			return "", errors.WithMessagef(err, "predicting with %q", modelName)
		}
		if len(resp.Output) > 0 && resp.Output[0].GeneratedText != "" {
			return resp.Output[0].GeneratedText, nil
		}
		c.logger().V(1).Info("Empty prediction, retrying", "model", modelName, "attempt", attempt)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return "", errors.Wrapf(ErrEmptyPrediction, "%q after %d attempts", modelName, attempts)
}

func (c *Client) logger() klog.Logger {
	if c.Logger.GetSink() == nil {
		return klog.Background()
	}
	return c.Logger
}

func (c *Client) post(ctx context.Context, path, requestID string, body, out any) error {
	if c.BaseURL == "" {
		return errors.New("no deployment base URL configured")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "creating request for %q", endpoint)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestIDHeader, requestID)
	if c.APIKey != "" {
		req.Header.Set(apiKeyHeader, c.APIKey)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "requesting %q", endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(endpoint, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(err, "decoding response from %q", endpoint)
	}
	return nil
}

// StatusError is a non-2xx answer from the platform.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request to %q failed: %s", e.URL, e.Status)
	}
	return fmt.Sprintf("request to %q failed: %s: %s", e.URL, e.Status, e.Body)
}

func statusError(url string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		URL:        url,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}

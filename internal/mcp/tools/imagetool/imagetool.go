// Package imagetool generates images with DashScope's asynchronous
// text-to-image API and exposes it to models as the "image_generate" tool.
//
// Generation is a two-step protocol: a task is submitted with the
// X-DashScope-Async header, then its status is polled until it succeeds,
// fails, or the polling budget runs out.
package imagetool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/flowexec/internal/mcp/tools"
	"github.com/MrWong99/flowexec/internal/resilience"
	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/types"
)

const (
	DefaultBaseURL = "https://dashscope.aliyuncs.com"
	DefaultModel   = "wan2.2-t2i-flash"
	DefaultSize    = "1024*1024"

	synthesisPath = "/api/v1/services/aigc/text2image/image-synthesis"
	maxErrorBody  = 2048
)

// Request describes one image generation.
type Request struct {
	Prompt string `json:"prompt" jsonschema:"required,description=A text description of the desired image."`
	Model  string `json:"model,omitempty" jsonschema:"enum=wan2.2-t2i-flash,enum=wan2.2-t2i-plus,description=Image model. Defaults to wan2.2-t2i-flash."`
	Size   string `json:"size,omitempty" jsonschema:"enum=1024*1024,enum=1024*1792,enum=1792*1024,enum=2048*2048,description=Output size. Defaults to 1024*1024."`
	N      int    `json:"n,omitempty" jsonschema:"minimum=1,maximum=4,description=Number of images. Defaults to 1."`
}

// Result is a finished generation.
type Result struct {
	ImageURL string `json:"image"`
	Content  string `json:"content"`
	Model    string `json:"model"`
	TaskID   string `json:"taskId"`
}

// Client talks to the DashScope image API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	poll       resilience.PollConfig
	httpClient *http.Client
}

// Option configures a [Client].
type Option func(*Client)

// WithBaseURL overrides [DefaultBaseURL].
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithModel overrides [DefaultModel].
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithPoll overrides the status polling budget (60 attempts, 5s apart).
func WithPoll(p resilience.PollConfig) Option {
	return func(c *Client) { c.poll = p }
}

// WithHTTPClient injects the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a Client authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("imagetool: apiKey must not be empty")
	}
	c := &Client{apiKey: apiKey, baseURL: DefaultBaseURL, model: DefaultModel}
	for _, o := range opts {
		o(c)
	}
	c.baseURL = strings.TrimRight(c.baseURL, "/")
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c, nil
}

type synthesisBody struct {
	Model string `json:"model"`
	Input struct {
		Prompt string `json:"prompt"`
	} `json:"input"`
	Parameters struct {
		Size string `json:"size"`
		N    int    `json:"n"`
	} `json:"parameters"`
}

// Generate submits req and waits for the image.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, apierr.Validation("prompt", "is required")
	}
	var body synthesisBody
	body.Model = orDefault(req.Model, c.model)
	body.Input.Prompt = req.Prompt
	body.Parameters.Size = orDefault(req.Size, DefaultSize)
	body.Parameters.N = req.N
	if body.Parameters.N <= 0 {
		body.Parameters.N = 1
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("imagetool: encode request: %w", err)
	}
	created, err := c.do(ctx, http.MethodPost, synthesisPath, raw)
	if err != nil {
		return nil, fmt.Errorf("imagetool: submit task: %w", err)
	}

	taskID := gjson.GetBytes(created, "output.task_id").String()
	if taskID == "" {
		taskID = gjson.GetBytes(created, "output.taskId").String()
	}
	if taskID == "" {
		return nil, apierr.Parse("image task", fmt.Errorf("no task id in response"))
	}
	slog.InfoContext(ctx, "image task created", "task_id", taskID, "model", body.Model)

	url, err := c.waitForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	model := gjson.GetBytes(created, "model").String()
	if model == "" {
		model = body.Model
	}
	return &Result{
		ImageURL: url,
		Content:  "Successfully generated image using " + model,
		Model:    model,
		TaskID:   taskID,
	}, nil
}

// waitForTask polls the task until it finishes. A failed status check is
// retried within the budget unless it is the last attempt.
func (c *Client) waitForTask(ctx context.Context, taskID string) (string, error) {
	cfg := c.poll
	if cfg.Attempts <= 0 {
		cfg.Attempts = 60
	}
	operation := "Task polling timeout - task " + taskID
	return resilience.Poll(ctx, cfg, operation, func(ctx context.Context, attempt int) (string, bool, error) {
		data, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
		if err != nil {
			if ctx.Err() != nil || attempt == cfg.Attempts-1 {
				return "", false, fmt.Errorf("imagetool: check task status: %w", err)
			}
			slog.WarnContext(ctx, "image task status check failed", "task_id", taskID, "attempt", attempt+1, "err", err)
			return "", false, nil
		}

		switch strings.ToUpper(gjson.GetBytes(data, "output.task_status").String()) {
		case "SUCCEEDED":
			url := gjson.GetBytes(data, "output.results.0.url").String()
			if url == "" {
				return "", false, fmt.Errorf("imagetool: no images generated in successful task %s", taskID)
			}
			return url, true, nil
		case "FAILED":
			msg := gjson.GetBytes(data, "output.message").String()
			if msg == "" {
				msg = "Unknown error"
			}
			return "", false, errors.New("Task failed: " + msg)
		}
		return "", false, nil
	})
}

// do performs one authenticated request and returns the body of a 2xx
// answer.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("X-DashScope-Async", "enable")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(data, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data[:min(len(data), maxErrorBody)]))
		}
		return nil, &apierr.UpstreamError{Service: "dashscope", Status: resp.StatusCode, Body: msg}
	}
	return data, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// NewTools returns the image_generate tool backed by c.
func NewTools(c *Client) []tools.Tool {
	return []tools.Tool{{
		Definition: types.ToolDefinition{
			Name:        "image_generate",
			Description: "Generate an image from a text prompt with Alibaba Cloud's Wanx models. Returns the image URL.",
			Parameters:  tools.Schema[Request](),
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			req, err := tools.Decode[Request](args)
			if err != nil {
				return "", fmt.Errorf("image_generate: %w", err)
			}
			res, err := c.Generate(ctx, req)
			if err != nil {
				return "", err
			}
			return tools.Encode(res)
		},
	}}
}

// Package execution talks to the remote code execution gateway.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
	"github.com/MarcoPoloResearchLab/huddle/internal/telemetry"
)

const (
	executePath             = "/api/v2/execute"
	defaultRunTimeout       = 10 * time.Second
	defaultResponseLimit    = 4 << 20
	responseEnvelopeBytes   = 64 << 10
	killedSignal            = "SIGKILL"
	gatewayErrorBodyPreview = 512
)

var (
	// ErrInvalidGatewayConfig reports an unusable gateway configuration.
	ErrInvalidGatewayConfig = errors.New("execution: invalid gateway config")
	// ErrGatewayRejected reports a non-success response from the gateway.
	ErrGatewayRejected = errors.New("execution: gateway rejected request")

	errMissingBaseURL = errors.New("gateway base url is required")
)

// runtimeNames maps languages whose gateway runtime name differs from ours.
var runtimeNames = map[collab.Language]string{
	collab.LanguageCPP: "c++",
}

// PistonConfig configures a PistonClient.
type PistonConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	// RunTimeout is forwarded to the gateway as its per-run limit.
	RunTimeout       time.Duration
	MaxResponseBytes int64
	Logger           *zap.Logger
	Clock            func() time.Time
}

// PistonClient executes code through a Piston-compatible HTTP API.
type PistonClient struct {
	endpoint      string
	httpClient    *http.Client
	runTimeout    time.Duration
	responseLimit int64
	logger        *zap.Logger
	clock         func() time.Time
}

var _ collab.Executor = (*PistonClient)(nil)

type pistonFile struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language   string       `json:"language"`
	Version    string       `json:"version"`
	Files      []pistonFile `json:"files"`
	Stdin      string       `json:"stdin,omitempty"`
	RunTimeout int64        `json:"run_timeout,omitempty"`
}

type pistonStage struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Code   *int   `json:"code"`
	Signal string `json:"signal"`
}

type pistonResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Compile  *pistonStage `json:"compile,omitempty"`
	Run      pistonStage  `json:"run"`
	Message  string       `json:"message,omitempty"`
}

// ResponseLimitFor sizes the gateway body limit so that output up to
// maxOutputBytes still decodes after JSON escaping.
func ResponseLimitFor(maxOutputBytes int) int64 {
	if maxOutputBytes <= 0 {
		return defaultResponseLimit
	}
	return int64(maxOutputBytes)*4 + responseEnvelopeBytes
}

// NewPistonClient validates cfg and returns a client.
func NewPistonClient(cfg PistonConfig) (*PistonClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGatewayConfig, errMissingBaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	runTimeout := cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = defaultRunTimeout
	}
	responseLimit := cfg.MaxResponseBytes
	if responseLimit <= 0 {
		responseLimit = defaultResponseLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &PistonClient{
		endpoint:      baseURL + executePath,
		httpClient:    httpClient,
		runTimeout:    runTimeout,
		responseLimit: responseLimit,
		logger:        logger,
		clock:         clock,
	}, nil
}

// Execute implements collab.Executor.
func (c *PistonClient) Execute(ctx context.Context, request collab.ExecutionRequest) (collab.ExecutionResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "execution.piston",
		attribute.String("execution.language", string(request.Language)))
	defer span.End()

	result, err := c.execute(ctx, request)
	telemetry.AddSpanError(span, err)
	return result, err
}

func (c *PistonClient) execute(ctx context.Context, request collab.ExecutionRequest) (collab.ExecutionResult, error) {
	body, err := json.Marshal(pistonRequest{
		Language:   runtimeName(request.Language),
		Version:    "*",
		Files:      []pistonFile{{Content: request.Code}},
		Stdin:      request.Stdin,
		RunTimeout: c.runTimeout.Milliseconds(),
	})
	if err != nil {
		return collab.ExecutionResult{}, fmt.Errorf("execution: encode request: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return collab.ExecutionResult{}, fmt.Errorf("execution: build request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	started := c.clock()
	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if ctx.Err() != nil {
			return collab.ExecutionResult{Duration: c.clock().Sub(started)}, ctx.Err()
		}
		return collab.ExecutionResult{}, fmt.Errorf("execution: call gateway: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(response.Body, gatewayErrorBodyPreview))
		c.logger.Warn("execution gateway returned error status",
			zap.Int("status", response.StatusCode),
			zap.String("language", string(request.Language)))
		return collab.ExecutionResult{}, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, response.StatusCode, gatewayMessage(preview))
	}

	raw, err := io.ReadAll(io.LimitReader(response.Body, c.responseLimit+1))
	if err != nil {
		return collab.ExecutionResult{}, fmt.Errorf("execution: read response: %w", err)
	}
	if int64(len(raw)) > c.responseLimit {
		c.logger.Info("execution gateway response exceeded limit",
			zap.String("language", string(request.Language)),
			zap.Int64("limit_bytes", c.responseLimit))
		return collab.ExecutionResult{Truncated: true, Duration: c.clock().Sub(started)},
			fmt.Errorf("%w: gateway response exceeded %d bytes", collab.ErrExecutionOutputLimit, c.responseLimit)
	}
	var decoded pistonResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return collab.ExecutionResult{}, fmt.Errorf("execution: decode response: %w", err)
	}
	duration := c.clock().Sub(started)

	if decoded.Compile != nil && exitCode(*decoded.Compile) != 0 {
		return collab.ExecutionResult{
			Stdout:   decoded.Compile.Stdout,
			Stderr:   decoded.Compile.Stderr,
			ExitCode: exitCode(*decoded.Compile),
			Duration: duration,
		}, nil
	}
	result := collab.ExecutionResult{
		Stdout:   decoded.Run.Stdout,
		Stderr:   decoded.Run.Stderr,
		ExitCode: exitCode(decoded.Run),
		Duration: duration,
	}
	if decoded.Run.Code == nil && decoded.Run.Signal == killedSignal {
		return result, fmt.Errorf("%w: killed by gateway after %s", collab.ErrExecutionTimeout, c.runTimeout)
	}
	return result, nil
}

func runtimeName(language collab.Language) string {
	if name, ok := runtimeNames[language]; ok {
		return name
	}
	return string(language)
}

func exitCode(stage pistonStage) int {
	if stage.Code != nil {
		return *stage.Code
	}
	if stage.Signal != "" {
		return -1
	}
	return 0
}

func gatewayMessage(body []byte) string {
	var decoded struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Message != "" {
		return decoded.Message
	}
	return strings.TrimSpace(string(body))
}

package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/huddle/internal/telemetry"
)

var (
	errMissingRegistry = errors.New("registry is required")
	errMissingExecutor = errors.New("executor is required")
)

// HubConfig wires the protocol layer.
type HubConfig struct {
	Registry     *Registry
	Executor     Executor
	ExecutionIDs IDProvider
	GuestIDs     IDProvider
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Hub turns decoded socket events into registry operations and owns the
// background executions they start.
type Hub struct {
	registry     *Registry
	executor     Executor
	decoder      *Decoder
	executionIDs IDProvider
	guestIDs     IDProvider
	clock        func() time.Time
	logger       *zap.Logger
	executions   sync.WaitGroup
}

// NewHub validates cfg.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("collab.hub.new: %w", errMissingRegistry)
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("collab.hub.new: %w", errMissingExecutor)
	}
	executionIDs := cfg.ExecutionIDs
	if executionIDs == nil {
		executionIDs = NewUUIDProvider()
	}
	guestIDs := cfg.GuestIDs
	if guestIDs == nil {
		guestIDs = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Hub{
		registry:     cfg.Registry,
		executor:     cfg.Executor,
		decoder:      NewDecoder(),
		executionIDs: executionIDs,
		guestIDs:     guestIDs,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Registry exposes the room registry backing the hub.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// ClientOptions describe a freshly accepted socket.
type ClientOptions struct {
	ConnID ConnID
	// Identity is set when the socket presented a valid token; it overrides
	// whatever identity the client claims in join-room.
	Identity *Identity
	Email    string
	Sink     Sink
}

// Connect registers a socket in the Connected state.
func (h *Hub) Connect(opts ClientOptions) *Client {
	return &Client{
		hub:           h,
		connID:        opts.ConnID,
		authenticated: opts.Identity,
		profileEmail:  opts.Email,
		sink:          opts.Sink,
		state:         StateConnected,
	}
}

// Shutdown waits for in-flight executions to record their results.
func (h *Hub) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.executions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) runExecution(roomID RoomID, authorKey string, request ExecutionRequest) {
	h.executions.Add(1)
	go func() {
		defer h.executions.Done()
		ctx, span := telemetry.StartSpan(context.Background(), "collab.execute",
			attribute.String("collab.room_id", roomID.String()),
			attribute.String("collab.language", string(request.Language)))
		defer span.End()

		started := h.clock()
		result, err := h.executor.Execute(ctx, request)
		if err != nil {
			telemetry.AddSpanError(span, err)
		}
		record := h.buildRecord(authorKey, request, result, err, started)
		span.SetAttributes(attribute.String("collab.execution_status", string(record.Status)))
		if recordErr := h.registry.RecordExecution(ctx, roomID, record); recordErr != nil {
			h.logger.Error("record execution failed",
				zap.String("room_id", roomID.String()),
				zap.String("execution_id", record.ID),
				zap.Error(recordErr))
		}
	}()
}

func (h *Hub) buildRecord(authorKey string, request ExecutionRequest, result ExecutionResult, err error, started time.Time) ExecutionRecord {
	finished := h.clock().UTC()
	id, idErr := h.executionIDs.NewID()
	if idErr != nil {
		id = fmt.Sprintf("exec-%d", started.UnixNano())
	}
	duration := result.Duration
	if duration <= 0 {
		duration = finished.Sub(started)
	}
	record := ExecutionRecord{
		ID:         id,
		Code:       request.Code,
		Language:   request.Language,
		Stdin:      request.Stdin,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitCode:   result.ExitCode,
		DurationMs: duration.Milliseconds(),
		Status:     classifyExecution(result, err),
		AuthorKey:  authorKey,
		At:         finished,
	}
	if err != nil {
		record.Error = err.Error()
		if record.Status == ExecutionFailed && record.ExitCode == 0 {
			record.ExitCode = -1
		}
	}
	return record
}

func classifyExecution(result ExecutionResult, err error) ExecutionStatus {
	switch {
	case errors.Is(err, ErrExecutionTimeout):
		return ExecutionTimeout
	case errors.Is(err, ErrExecutionOutputLimit):
		return ExecutionOutputLimit
	case err != nil:
		return ExecutionFailed
	case result.ExitCode != 0:
		return ExecutionError
	default:
		return ExecutionSuccess
	}
}

package execution

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

const (
	// DefaultTimeout is the wall-clock limit of one execution.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutputBytes caps combined stdout and stderr.
	DefaultMaxOutputBytes = 1 << 20
)

var errMissingExecutor = errors.New("execution: wrapped executor is required")

// BoundedConfig configures Bounded.
type BoundedConfig struct {
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         *zap.Logger
	Clock          func() time.Time
}

// Bounded enforces a wall-clock timeout and an output ceiling around another Executor.
type Bounded struct {
	next      collab.Executor
	timeout   time.Duration
	maxOutput int
	logger    *zap.Logger
	clock     func() time.Time
}

var _ collab.Executor = (*Bounded)(nil)

// NewBounded wraps next.
func NewBounded(next collab.Executor, cfg BoundedConfig) (*Bounded, error) {
	if next == nil {
		return nil, errMissingExecutor
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Bounded{next: next, timeout: timeout, maxOutput: maxOutput, logger: logger, clock: clock}, nil
}

// Execute implements collab.Executor.
func (b *Bounded) Execute(ctx context.Context, request collab.ExecutionRequest) (collab.ExecutionResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	started := b.clock()
	result, err := b.next.Execute(runCtx, request)
	if result.Duration <= 0 {
		result.Duration = b.clock().Sub(started)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		b.logger.Info("execution timed out",
			zap.String("language", string(request.Language)),
			zap.Duration("timeout", b.timeout))
		return result, fmt.Errorf("%w: exceeded %s", collab.ErrExecutionTimeout, b.timeout)
	}

	if len(result.Stdout)+len(result.Stderr) > b.maxOutput {
		result.Stdout = truncateUTF8(result.Stdout, b.maxOutput)
		result.Stderr = truncateUTF8(result.Stderr, b.maxOutput-len(result.Stdout))
		result.Truncated = true
		if err == nil {
			err = fmt.Errorf("%w: output exceeded %d bytes", collab.ErrExecutionOutputLimit, b.maxOutput)
		}
	}
	return result, err
}

// truncateUTF8 cuts value to at most limit bytes without splitting a rune.
func truncateUTF8(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

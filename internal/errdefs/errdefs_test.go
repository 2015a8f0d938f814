package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWalksWrappedChains(t *testing.T) {
	base := New(CodeTimeout, "deadline hit")
	wrapped := fmt.Errorf("attempt 2: %w", base)

	assert.Equal(t, CodeTimeout, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, CodeTimeout))
	assert.False(t, IsCode(wrapped, CodeToolError))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	err := Wrap(CodeTimeout, context.DeadlineExceeded, "exceeded %dms deadline", 250)

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "TIMEOUT")
	assert.Contains(t, err.Error(), "250ms")
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
}

func TestWithTaskCopies(t *testing.T) {
	base := New(CodeToolError, "tool exploded")
	attributed := base.WithTask("wf-1", "t-1")

	assert.Equal(t, "wf-1", attributed.WorkflowID)
	assert.Equal(t, "t-1", attributed.TaskID)
	assert.Contains(t, attributed.Error(), "task t-1")

	// The original stays unattributed.
	assert.Empty(t, base.TaskID)
	assert.NotContains(t, base.Error(), "task")
}

func TestEmptyMessageFallsBackToCode(t *testing.T) {
	err := &Error{Code: CodeDeadlock}
	assert.Equal(t, "DEADLOCK: DEADLOCK", err.Error())
}

// ABOUTME: Tests for the error taxonomy
// ABOUTME: Verifies errors.Is matching across wrapping for each classification

package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{500, true},
		{502, true},
		{503, true},
		{400, false},
		{404, false},
		{429, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := FromStatus("workflow:test", tt.status, errors.New("boom"))
			assert.Equal(t, tt.transient, errors.Is(err, ErrTransient))
			assert.Equal(t, !tt.transient, errors.Is(err, ErrPermanent))
		})
	}
}

func TestExternalError_MatchesThroughWrapping(t *testing.T) {
	inner := errors.New("connection reset")
	err := fmt.Errorf("calling llm: %w", Transient("llm", 0, inner))

	assert.True(t, errors.Is(err, ErrTransient))
	assert.False(t, errors.Is(err, ErrPermanent))
	assert.True(t, errors.Is(err, inner))
	assert.True(t, IsTransient(err))

	var ext *ExternalError
	assert.True(t, errors.As(err, &ext))
	assert.Equal(t, "llm", ext.Service)
}

func TestExternalError_Message(t *testing.T) {
	err := Permanent("workflow:email_search", 400, errors.New("bad request"))
	assert.Equal(t, "workflow:email_search: permanent failure (status 400): bad request", err.Error())

	err = Transient("llm", 0, errors.New("timeout"))
	assert.Equal(t, "llm: transient failure: timeout", err.Error())
}

func TestPersistence(t *testing.T) {
	assert.Nil(t, Persistence("append", nil))

	inner := errors.New("disk full")
	err := fmt.Errorf("run turn: %w", Persistence("append assistant message", inner))
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.True(t, errors.Is(err, inner))
	assert.False(t, errors.Is(err, ErrTransient))
	assert.Contains(t, err.Error(), "append assistant message")
}

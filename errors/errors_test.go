package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"store unavailable", ErrStoreUnavailable, true},
		{"store throttled", ErrStoreThrottled, true},
		{"connection lost", ErrConnectionLost, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped transient", fmt.Errorf("upsert: %w", ErrStoreThrottled), true},
		{"message pattern", stderrors.New("dial tcp: i/o timeout"), true},
		{"malformed payload", ErrMalformedPayload, false},
		{"partition key mismatch", ErrPartitionKeyMismatch, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrPartitionKeyMismatch))
	assert.True(t, IsFatal(ErrMissingConfig))
	assert.True(t, IsFatal(ErrCheckpointRegression))
	assert.True(t, IsFatal(ErrMaxRetriesExceeded))
	assert.False(t, IsFatal(ErrStoreThrottled))
	assert.False(t, IsFatal(nil))
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrMalformedPayload))
	assert.True(t, IsInvalid(ErrMissingRecordID))
	assert.True(t, IsInvalid(ErrSchemaViolation))
	assert.False(t, IsInvalid(ErrStoreUnavailable))
	assert.False(t, IsInvalid(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrPartitionKeyMismatch))
	assert.Equal(t, ErrorInvalid, Classify(ErrMalformedPayload))
	assert.Equal(t, ErrorTransient, Classify(ErrStoreThrottled))
	// Unknown errors default to transient so the pipeline retries them
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("something odd")))
}

func TestWrapHelpers(t *testing.T) {
	base := stderrors.New("boom")

	err := WrapTransient(base, "Sink", "Write", "upsert document")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "Sink.Write: upsert document failed")
	assert.True(t, stderrors.Is(err, base))

	err = WrapFatal(base, "Provisioner", "Ensure", "verify partition key")
	assert.True(t, IsFatal(err))

	err = WrapInvalid(base, "Decoder", "Decode", "parse payload")
	assert.True(t, IsInvalid(err))

	// Wrapping nil returns nil
	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))
	assert.NoError(t, WrapFatal(nil, "a", "b", "c"))
	assert.NoError(t, WrapInvalid(nil, "a", "b", "c"))
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	err := WrapTransient(ErrStoreThrottled, "Sink", "Write", "upsert")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "Sink", ce.Component)
	assert.Equal(t, "Write", ce.Operation)
	assert.True(t, stderrors.Is(ce.Unwrap(), ErrStoreThrottled))
}

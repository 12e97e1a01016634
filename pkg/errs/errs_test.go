package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindDefaultRetryability(t *testing.T) {
	retryable := []Kind{KindConnectionLost, KindServerUnavailable, KindTimeout}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), k.String())
	}
	terminal := []Kind{
		KindProtocolMismatch, KindUnauthenticated, KindTokenExpired,
		KindSignatureInvalid, KindValidation, KindDecode,
		KindSchemaVersionMismatch, KindGameState, KindPermissionDenied,
		KindCircuitOpen, KindCancelled, KindDeadlineExceeded, KindConfig,
	}
	for _, k := range terminal {
		assert.False(t, k.Retryable(), k.String())
	}
}

func TestRetryVeto(t *testing.T) {
	err := New(KindTimeout, "op", "slow").WithRetryable(false)
	assert.False(t, IsRetryable(err))

	err = New(KindValidation, "op", "bad").WithRetryable(true)
	assert.True(t, IsRetryable(err))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindTimeout, "op", nil))
}

func TestKindOfUnwraps(t *testing.T) {
	cause := New(KindDecode, "codec.decode", "truncated frame")
	wrapped := fmt.Errorf("outer: %w", Wrap(KindConnectionLost, "connection.send", cause))

	// The outermost tag wins.
	assert.Equal(t, KindConnectionLost, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestIsMatchesByKind(t *testing.T) {
	err := New(KindTimeout, "reducer.call", "no response")
	require.True(t, errors.Is(err, &Error{Kind: KindTimeout}))
	assert.False(t, errors.Is(err, &Error{Kind: KindCancelled}))
	assert.True(t, Is(err, KindTimeout))
}

func TestErrorStringCarriesContext(t *testing.T) {
	err := Validation("codec.validate", "e42", "position.x", "not a number")
	s := err.Error()
	assert.Contains(t, s, "codec.validate")
	assert.Contains(t, s, "field=position.x")
	assert.Contains(t, s, "row=e42")
	assert.Contains(t, s, "not a number")
}

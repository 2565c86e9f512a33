package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 404, KindNotFound.HTTPStatus())
	assert.Equal(t, 409, KindAlreadyExists.HTTPStatus())
	assert.Equal(t, 400, KindValidation.HTTPStatus())
	assert.Equal(t, 413, KindPayloadTooLarge.HTTPStatus())
	assert.Equal(t, 429, KindRateLimited.HTTPStatus())
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, 1002, KindProtocolError.CloseCode())
	assert.Equal(t, 4000, KindHandshakeTimeout.CloseCode())
	assert.Equal(t, 4001, KindPongTimeout.CloseCode())
	assert.Equal(t, 4002, KindBackpressure.CloseCode())
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(KindTransient, "store unavailable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "store unavailable")
	assert.True(t, Is(err, KindTransient))
	assert.False(t, Is(err, KindFatal))
}

func TestIsThroughStdWrap(t *testing.T) {
	cause := New(KindNotFound, "document missing")
	wrapped := fmt.Errorf("attach failed: %w", cause)

	assert.True(t, Is(wrapped, KindNotFound))
}

package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRoundTrip(t *testing.T) {
	err := New(KindConflict, "version mismatch")
	require.Equal(t, KindConflict, Classify(err))
	require.Equal(t, http.StatusConflict, HTTPStatus(Classify(err)))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStorageUnavailable, "open failed", cause)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindStorageUnavailable, Classify(err))
}

func TestClassifyUnknownErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, Classify(errors.New("boom")))
}

func TestWithDetails(t *testing.T) {
	err := New(KindConflict, "stale version").WithDetails(map[string]any{
		"current": 3, "stored": 4,
	})
	require.Equal(t, 3, err.Details["current"])
}

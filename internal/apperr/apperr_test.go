package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Validation(CodeFolderTooDeep, "too deep"), http.StatusBadRequest},
		{Unauthorized(CodeWrongPassword, "nope"), http.StatusUnauthorized},
		{Forbidden(CodeQuotaExceeded, "full"), http.StatusForbidden},
		{NotFound("missing"), http.StatusNotFound},
		{Conflict(CodeFileExists, "a_1.png", "exists"), http.StatusConflict},
		{Gone(CodeShareExpired, "expired"), http.StatusGone},
		{Aggregate(map[string]string{"s3": "boom"}), http.StatusInternalServerError},
		{Internal(errors.New("db"), "store"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.HTTPStatus(), tc.err.Code)
	}
}

func TestWrappedErrorsKeepKind(t *testing.T) {
	base := Conflict(CodeFileExists, "a_1.png", "file exists")
	wrapped := fmt.Errorf("resolve name: %w", base)

	e, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, "a_1.png", e.Suggestion)
	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, Is(wrapped, CodeFileExists))
	assert.Equal(t, http.StatusConflict, StatusOf(wrapped))

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("plain")))
}

func TestAggregateListsChannels(t *testing.T) {
	e := Aggregate(map[string]string{"telegram": "timeout", "cfr2": "denied"})
	assert.Equal(t, "upload failed on all channels: cfr2, telegram", e.Message)
	assert.Equal(t, "timeout", e.Details["telegram"])
}

func TestChannelUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	e := Channel("s3", cause)
	assert.ErrorIs(t, e, cause)
	assert.Equal(t, KindChannel, e.Kind)
}

package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapReturnsNilForNilError(t *testing.T) {
	require.NoError(t, Wrap(Transient, nil, "whatever"))
}

func TestWrapPreservesKindAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Integrity, cause, "decrypt field")
	require.Equal(t, Integrity, As(err))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "decrypt field")
}

func TestAsDefaultsToFatalForUntypedError(t *testing.T) {
	require.Equal(t, Fatal, As(errors.New("plain")))
}

func TestHTTPStatusMapsEveryKind(t *testing.T) {
	cases := map[Kind]int{
		Validation: http.StatusBadRequest,
		Auth:       http.StatusUnauthorized,
		Conflict:   http.StatusConflict,
		Transient:  http.StatusServiceUnavailable,
		Fatal:      http.StatusInternalServerError,
		Integrity:  http.StatusInternalServerError,
	}
	for kind, want := range cases {
		require.Equal(t, want, HTTPStatus(kind), "kind=%s", kind)
	}
}

func TestToBodyFormatsTypedError(t *testing.T) {
	err := New(Auth, "invalid token")
	body := ToBody(err)
	require.Equal(t, "auth: invalid token", body.Error)
}

func TestToBodyFallsBackToPlainMessage(t *testing.T) {
	body := ToBody(errors.New("untyped failure"))
	require.Equal(t, "untyped failure", body.Error)
}

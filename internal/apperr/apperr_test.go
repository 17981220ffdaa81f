package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, NotFound, KindOf(New(NotFound, "missing")))
	assert.Equal(t, Internal, KindOf(errors.New("plain")), "unclassified errors are internal")
	assert.Equal(t, Conflict, KindOf(fmt.Errorf("outer: %w", New(Conflict, "busy"))), "kind survives wrapping")
}

func TestIsKind(t *testing.T) {
	err := Wrap(Validation, errors.New("bad input"), "latitude out of range")
	assert.True(t, IsKind(err, Validation))
	assert.False(t, IsKind(err, NotFound))
	assert.False(t, IsKind(errors.New("plain"), Validation))
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Internal, cause, "failed to reach provider")
	assert.Equal(t, "failed to reach provider", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Nil(t, Wrap(Internal, nil, "ignored"))
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{New(Validation, "v"), http.StatusBadRequest},
		{New(Unauthorized, "u"), http.StatusUnauthorized},
		{New(Forbidden, "f"), http.StatusForbidden},
		{New(NotFound, "n"), http.StatusNotFound},
		{New(Conflict, "c"), http.StatusConflict},
		{New(Internal, "i"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Status(tc.err))
	}
}

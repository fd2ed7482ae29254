package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"duplicate", Duplicate("insert", nil), http.StatusConflict},
		{"wrapped duplicate", fmt.Errorf("process: %w", Duplicate("insert", nil)), http.StatusConflict},
		{"configuration", Configuration("extract", errors.New("missing key")), http.StatusBadRequest},
		{"upstream", Upstream("extract", errors.New("boom")), http.StatusBadRequest},
		{"persistence", Persistence("insert", errors.New("conn reset")), http.StatusBadRequest},
		{"plain", errors.New("anything"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "duplicate", Kind(Duplicate("op", nil)))
	assert.Equal(t, "configuration", Kind(Configuration("op", errors.New("x"))))
	assert.Equal(t, "upstream", Kind(Upstream("op", errors.New("x"))))
	assert.Equal(t, "persistence", Kind(Persistence("op", errors.New("x"))))
	assert.Equal(t, "invalid_input", Kind(InvalidInput("op", errors.New("x"))))
	assert.Equal(t, "unknown", Kind(errors.New("x")))
}

func TestError_UnwrapKeepsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := Persistence("check duplicate", cause)

	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "check duplicate: dial tcp: refused", err.Error())
	assert.Equal(t, "insert: duplicate conflict", Duplicate("insert", nil).Error())
}

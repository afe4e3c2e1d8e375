package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("bad amount"), http.StatusBadRequest},
		{Conflict("game has already started"), http.StatusBadRequest},
		{InsufficientFunds("insufficient balance"), http.StatusBadRequest},
		{NotFound("user not found"), http.StatusNotFound},
		{Internal("store down", errors.New("dial tcp")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", Conflict("dup")), http.StatusBadRequest},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Errorf("%v: expected %d, got %d", c.err, c.want, got)
		}
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("settle: %w", Conflict("round already settled"))
	if KindOf(err) != KindConflict {
		t.Errorf("expected conflict, got %s", KindOf(err))
	}
	if KindOf(errors.New("x")) != KindInternal {
		t.Errorf("expected internal for unclassified errors")
	}
}

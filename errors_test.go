package browserstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportErrorTemporary(t *testing.T) {
	cases := []struct {
		name string
		err  *TransportError
		want bool
	}{
		{"connection failure", &TransportError{Err: io.ErrUnexpectedEOF}, true},
		{"canceled", &TransportError{Err: context.Canceled}, false},
		{"no cause", &TransportError{}, false},
		{"too many requests", &TransportError{StatusCode: 429}, true},
		{"server error", &TransportError{StatusCode: 503}, true},
		{"not found", &TransportError{StatusCode: 404}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.Temporary())
			assert.Equal(t, tc.want, IsTemporary(fmt.Errorf("wrapped: %w", tc.err)))
		})
	}
	assert.False(t, IsTemporary(errors.New("plain")))
}

func TestTransportErrorMessage(t *testing.T) {
	err := &TransportError{URL: "http://h/x", Op: "open", StatusCode: 404}
	assert.Equal(t, "open http://h/x: 404 Not Found", err.Error())

	cause := errors.New("dial tcp: refused")
	err = &TransportError{URL: "http://h/x", Op: "open", Err: cause}
	assert.Equal(t, "open http://h/x: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

package tinker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerapi/tinker-go/api/types"
	"github.com/tinkerapi/tinker-go/internal/futures"
	"github.com/tinkerapi/tinker-go/internal/retry"
	"github.com/tinkerapi/tinker-go/internal/transport"
)

func TestWrapErr(t *testing.T) {
	tests := []struct {
		name         string
		in           error
		wantKind     ErrorKind
		wantCategory types.ErrorCategory
		wantStatus   int
	}{
		{
			name:         "4xx status is the caller's fault",
			in:           &transport.StatusError{Status: 400, Operation: "asample"},
			wantKind:     ErrKindAPIStatus,
			wantCategory: types.CategoryUser,
			wantStatus:   400,
		},
		{
			name:         "429 stays a server-side condition",
			in:           &transport.StatusError{Status: 429, Operation: "asample"},
			wantKind:     ErrKindAPIStatus,
			wantCategory: types.CategoryServer,
			wantStatus:   429,
		},
		{
			name:         "5xx status is the server's fault",
			in:           &transport.StatusError{Status: 503, Operation: "forward_backward"},
			wantKind:     ErrKindAPIStatus,
			wantCategory: types.CategoryServer,
			wantStatus:   503,
		},
		{
			name:         "connection failure",
			in:           &transport.ConnError{Operation: "asample", Err: errors.New("refused")},
			wantKind:     ErrKindAPIConnection,
			wantCategory: types.CategoryServer,
		},
		{
			name:         "transport timeout",
			in:           &transport.TimeoutError{Operation: "asample", Err: context.DeadlineExceeded},
			wantKind:     ErrKindAPITimeout,
			wantCategory: types.CategoryServer,
		},
		{
			name:         "progress watchdog",
			in:           retry.ErrProgressTimeout,
			wantKind:     ErrKindAPITimeout,
			wantCategory: types.CategoryServer,
		},
		{
			name:         "failed envelope keeps its category",
			in:           &futures.RequestError{RequestID: "R1", Category: types.CategoryUser, Message: "bad datum"},
			wantKind:     ErrKindRequestFailed,
			wantCategory: types.CategoryUser,
		},
		{
			name:         "unrecognized errors default to unknown",
			in:           errors.New("mystery"),
			wantKind:     ErrKindRequestFailed,
			wantCategory: types.CategoryUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var terr *Error
			require.ErrorAs(t, wrapErr(tt.in), &terr)
			assert.Equal(t, tt.wantKind, terr.Kind)
			assert.Equal(t, tt.wantCategory, terr.Category)
			assert.Equal(t, tt.wantStatus, terr.Status)
			assert.ErrorIs(t, terr, tt.in)
		})
	}
}

func TestWrapErr_Nil(t *testing.T) {
	assert.NoError(t, wrapErr(nil))
}

func TestWrapErr_Idempotent(t *testing.T) {
	orig := validationError("bad input")
	assert.Same(t, orig, wrapErr(orig).(*Error))
	assert.Same(t, orig, wrapErr(wrapErr(orig)).(*Error))
}

func TestError_Retryable(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want bool
	}{
		{"validation", validationError("x"), false},
		{"connection", &Error{Kind: ErrKindAPIConnection}, true},
		{"status 400", &Error{Kind: ErrKindAPIStatus, Status: 400}, false},
		{"status 408", &Error{Kind: ErrKindAPIStatus, Status: 408}, true},
		{"status 409", &Error{Kind: ErrKindAPIStatus, Status: 409}, true},
		{"status 429", &Error{Kind: ErrKindAPIStatus, Status: 429}, true},
		{"status 500", &Error{Kind: ErrKindAPIStatus, Status: 500}, true},
		{"timeout", &Error{Kind: ErrKindAPITimeout}, false},
		{"request failed by user", &Error{Kind: ErrKindRequestFailed, Category: types.CategoryUser}, false},
		{"request failed by server", &Error{Kind: ErrKindRequestFailed, Category: types.CategoryServer}, true},
		{"request failed unknown", &Error{Kind: ErrKindRequestFailed, Category: types.CategoryUnknown}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Retryable())
		})
	}
}

func TestError_Message(t *testing.T) {
	e := &Error{Kind: ErrKindAPIStatus, Status: 503, Message: "upstream sad"}
	assert.Contains(t, e.Error(), "503")
	e = &Error{Kind: ErrKindRequestFailed, Category: types.CategoryUser, Message: "bad datum"}
	assert.Contains(t, e.Error(), "user")
}

package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validationf("insert_clip", "overlap"), KindValidation},
		{"wrapped busy", fmt.Errorf("start: %w", New(KindBusy, "start", "export running")), KindBusy},
		{"plain error", errors.New("boom"), KindInternal},
		{"nil", nil, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIs_MatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindBusy, "start_export", "job abc is running"))

	assert.True(t, errors.Is(err, ErrBusy))
	assert.False(t, errors.Is(err, ErrValidation))
}

func TestUnwrap(t *testing.T) {
	root := errors.New("exit status 1")
	err := Wrap(KindRender, "mux", root)

	assert.True(t, errors.Is(err, root))
	assert.Equal(t, "exit status 1", DetailOf(err))
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "validation: trim_clip: trim_in must be before trim_out",
		Validationf("trim_clip", "trim_in must be before trim_out").Error())
	assert.Equal(t, "render: mux: exit status 1",
		Wrap(KindRender, "mux", errors.New("exit status 1")).Error())
}

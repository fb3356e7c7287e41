package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	name string
	exts []string
}

func (f fakeEngine) Name() string         { return f.name }
func (f fakeEngine) Extensions() []string { return f.exts }
func (f fakeEngine) Load(context.Context, LoadSpec) (Instance, error) {
	return nil, errors.New("not implemented")
}

func TestSetForPath(t *testing.T) {
	set, err := NewSet(fakeEngine{"lua", []string{".lua"}}, fakeEngine{"js", []string{".js", ".mjs"}})
	require.NoError(t, err)

	e, ok := set.ForPath("/plugins/a/main.lua")
	require.True(t, ok)
	assert.Equal(t, "lua", e.Name())

	e, ok = set.ForPath("/plugins/a/MAIN.MJS")
	require.True(t, ok)
	assert.Equal(t, "js", e.Name())

	_, ok = set.ForPath("/plugins/a/main.py")
	assert.False(t, ok)

	assert.Equal(t, []string{".lua", ".js", ".mjs"}, set.Extensions())
	assert.Equal(t, []string{"js", "lua"}, set.Names())
}

func TestSetRejectsDuplicateExtension(t *testing.T) {
	set, err := NewSet(fakeEngine{"lua", []string{".lua"}})
	require.NoError(t, err)

	err = set.Register(fakeEngine{"other", []string{".LUA"}})
	assert.Error(t, err)
	assert.Equal(t, []string{"lua"}, set.Names())
}

func TestGuestFailure(t *testing.T) {
	cause := errors.New("boom")

	err := GuestFailure(context.Background(), "p", "activate", cause)
	var ge *GuestError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "activate", ge.Phase)
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrDeadlineExceeded))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = GuestFailure(ctx, "p", "activate", cause)
	assert.True(t, errors.Is(err, ErrDeadlineExceeded))
	assert.True(t, errors.Is(err, context.Canceled))
}

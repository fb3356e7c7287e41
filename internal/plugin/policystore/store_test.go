package policystore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plughost/internal/plugin/security"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigrates(t *testing.T) {
	s := openMemory(t)

	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
}

func TestEmptyPolicy(t *testing.T) {
	s := openMemory(t)

	p, err := s.Policy(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, p.Granted)
	assert.Empty(t, p.Revoked)
	assert.Empty(t, p.Allowed)
	assert.Nil(t, p.Budget)
	assert.False(t, p.Disabled)
}

func TestGrantRevokeReplace(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.Grant(ctx, "p", "network"))
	require.NoError(t, s.Grant(ctx, "p", "file_read"))
	require.NoError(t, s.Grant(ctx, "p", "network"))

	p, err := s.Policy(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"file_read", "network"}, p.Granted)

	require.NoError(t, s.Revoke(ctx, "p", "network"))
	p, err = s.Policy(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"file_read"}, p.Granted)
	assert.Equal(t, []string{"network"}, p.Revoked)

	require.NoError(t, s.ClearPermission(ctx, "p", "network"))
	p, err = s.Policy(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, p.Revoked)
}

func TestUnknownPermission(t *testing.T) {
	s := openMemory(t)

	err := s.Grant(context.Background(), "p", "root")
	assert.ErrorIs(t, err, ErrUnknownPermission)
}

func TestModules(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.AllowModule(ctx, "p", "os"))
	require.NoError(t, s.AllowModule(ctx, "p", "os"))
	require.NoError(t, s.AllowModule(ctx, "p", "plugins.other"))

	p, err := s.Policy(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"os", "plugins.other"}, p.Allowed)

	require.NoError(t, s.DisallowModule(ctx, "p", "os"))
	p, err = s.Policy(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"plugins.other"}, p.Allowed)
}

func TestBudget(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	b := security.ResourceBudget{MaxMemoryMB: 8, MaxCPUTime: 1500 * time.Millisecond, MaxFileHandles: 1}
	require.NoError(t, s.SetBudget(ctx, "p", b))

	p, err := s.Policy(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, p.Budget)
	assert.Equal(t, b, *p.Budget)

	b.MaxFileHandles = 3
	require.NoError(t, s.SetBudget(ctx, "p", b))
	p, err = s.Policy(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Budget.MaxFileHandles)

	err = s.SetBudget(ctx, "p", security.ResourceBudget{MaxFileHandles: -1})
	assert.ErrorIs(t, err, security.ErrInvalidBudget)

	require.NoError(t, s.ClearBudget(ctx, "p"))
	p, err = s.Policy(ctx, "p")
	require.NoError(t, err)
	assert.Nil(t, p.Budget)
}

func TestDisabledAndReset(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.SetDisabled(ctx, "p", true))
	require.NoError(t, s.Grant(ctx, "q", "ui"))

	p, err := s.Policy(ctx, "p")
	require.NoError(t, err)
	assert.True(t, p.Disabled)

	ids, err := s.Plugins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p", "q"}, ids)

	require.NoError(t, s.Reset(ctx, "p"))
	p, err = s.Policy(ctx, "p")
	require.NoError(t, err)
	assert.False(t, p.Disabled)

	ids, err = s.Plugins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"q"}, ids)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Grant(ctx, "p", "file_write"))
	require.NoError(t, s.SetBudget(ctx, "p", security.StrictBudget()))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)

	p, err := s.Policy(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"file_write"}, p.Granted)
	require.NotNil(t, p.Budget)
	assert.Equal(t, security.StrictBudget(), *p.Budget)
}

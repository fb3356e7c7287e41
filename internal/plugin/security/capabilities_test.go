package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionIdentity(t *testing.T) {
	a := Permission{Name: "file_read", Description: "one"}
	b := Permission{Name: "file_read", Description: "two"}
	c := Permission{Name: "file_write", Description: "one"}

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
	assert.False(t, a.Equal(c))

	set := NewPermissionSet(a)
	assert.True(t, set.Has(b), "same name must hash identically")
	assert.False(t, set.Has(c))
	assert.Len(t, NewPermissionSet(a, b), 1)
}

func TestResolve(t *testing.T) {
	for _, p := range Catalog() {
		got, ok := Resolve(p.Name)
		require.True(t, ok, p.Name)
		assert.Equal(t, p, got)
	}

	_, ok := Resolve("telepathy")
	assert.False(t, ok)
	assert.True(t, IsValidPermission(" network "))
	assert.Len(t, Catalog(), 7)
}

type recordingWarner struct {
	messages []string
}

func (w *recordingWarner) Warn(format string, args ...any) {
	w.messages = append(w.messages, format)
	_ = args
}

func TestResolveAllDropsUnknown(t *testing.T) {
	w := &recordingWarner{}
	set := ResolveAll([]string{"file_read", "telepathy", "ui", "file_read"}, w)

	assert.Equal(t, []string{"file_read", "ui"}, set.Names())
	require.Len(t, w.messages, 1)
	assert.True(t, strings.Contains(w.messages[0], "unknown permission"))

	assert.Empty(t, ResolveAll(nil, nil))
}

func TestPermissionSetGrantRevoke(t *testing.T) {
	set := NewPermissionSet()

	assert.True(t, set.Grant(PermNetwork))
	assert.False(t, set.Grant(PermNetwork), "second grant is a no-op")
	assert.Len(t, set, 1)

	assert.True(t, set.Revoke(PermNetwork))
	assert.False(t, set.Revoke(PermNetwork), "revoking an ungranted permission returns false")
	assert.Empty(t, set)
}

func TestPermissionSetListOrder(t *testing.T) {
	set := NewPermissionSet(PermPlugin, PermFileRead, PermUI, PermNetwork)
	assert.Equal(t, []string{"file_read", "network", "ui", "plugin"}, set.Names())

	clone := set.Clone()
	clone.Revoke(PermUI)
	assert.True(t, set.Has(PermUI), "clone must be independent")
}

func TestRiskLevels(t *testing.T) {
	high := HighRiskPermissions()
	names := make([]string, len(high))
	for i, p := range high {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"file_write", "network", "process"}, names)
	assert.Equal(t, "critical", RiskCritical.String())
	assert.Equal(t, "unknown", RiskLevel(9).String())
}

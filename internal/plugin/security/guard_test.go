package security

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	mu     sync.Mutex
	denied map[string]int
	opened int
	closed int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{denied: make(map[string]int)}
}

func (o *countingObserver) Denied(_, gate string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.denied[gate]++
}

func (o *countingObserver) HandleOpened(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
}

func (o *countingObserver) HandleClosed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestGuardOpenCapabilityGating(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "data.txt", "hello sandbox")

	g := NewGuard("reader", DefaultBudget())

	_, err := g.Open(path, "r")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	var pe *PermissionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "file_read", pe.Permission)

	g.Grant(PermFileRead)
	h, err := g.Open(path, "r")
	require.NoError(t, err)
	data, err := h.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "hello sandbox", string(data))
	require.NoError(t, h.Close())

	b := g.Budget()
	b.MaxFileHandles = 1
	g.SetBudget(b)

	first, err := g.Open(path, "r")
	require.NoError(t, err)
	_, err = g.Open(path, "r")
	assert.True(t, errors.Is(err, ErrResourceExhausted))
	var re *ResourceError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 1, re.Limit)

	require.NoError(t, first.Close())
	second, err := g.Open(path, "r")
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestGuardWriteModes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	g := NewGuard("writer", DefaultBudget())
	g.Grant(PermFileWrite)

	h, err := g.Open(path, "w")
	require.NoError(t, err)
	_, err = h.Write([]byte("line one\n"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	// append needs read as well as write
	_, err = g.Open(path, "a")
	assert.True(t, errors.Is(err, ErrPermissionDenied))

	g.Grant(PermFileRead)
	h, err = g.Open(path, "a")
	require.NoError(t, err)
	_, err = h.Write([]byte("line two\n"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(got))

	_, err = g.Open(path, "x")
	assert.Error(t, err, "exclusive create on an existing file must fail")
	assert.Equal(t, 0, g.OpenHandles())
}

func TestHandleDoubleClose(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "a")

	obs := newCountingObserver()
	g := NewGuard("closer", DefaultBudget(), WithObserver(obs))
	g.Grant(PermFileRead)

	h, err := g.Open(path, "rb")
	require.NoError(t, err)
	assert.Equal(t, 1, g.OpenHandles())

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, 0, g.OpenHandles())
	assert.Equal(t, 1, obs.opened)
	assert.Equal(t, 1, obs.closed)
}

func TestGuardCloseAll(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "a")

	g := NewGuard("many", DefaultBudget())
	g.Grant(PermFileRead)

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := g.Open(path, "r")
		require.NoError(t, err)
		handles = append(handles, h)
	}

	assert.Equal(t, 3, g.CloseAll())
	assert.Equal(t, 0, g.OpenHandles())
	for _, h := range handles {
		assert.NoError(t, h.Close())
	}
}

func TestGuardCheckImport(t *testing.T) {
	obs := newCountingObserver()
	g := NewGuard("importer", DefaultBudget(), WithObserver(obs))

	assert.NoError(t, g.CheckImport("json"))
	assert.NoError(t, g.CheckImport("plugins.importer"))

	err := g.CheckImport("os")
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.Equal(t, 1, obs.denied["import"])

	assert.True(t, g.AllowModule("os"))
	assert.False(t, g.AllowModule("os"))
	assert.NoError(t, g.CheckImport("os"))

	assert.True(t, g.DisallowModule("os"))
	assert.Error(t, g.CheckImport("os"))
	assert.Contains(t, g.AllowedModules(), "plugins.importer")
}

func TestGuardPathRules(t *testing.T) {
	dir := t.TempDir()
	secret := writeFile(t, dir, "server.key", "secret")
	blockedDir := filepath.Join(dir, "private")
	require.NoError(t, os.Mkdir(blockedDir, 0o755))
	private := writeFile(t, blockedDir, "notes.txt", "private")
	public := writeFile(t, dir, "public.txt", "public")

	rules := DefaultPathRules()
	rules.Blocked = []string{blockedDir}
	g := NewGuard("paths", DefaultBudget(), WithPathRules(rules), WithPermissions(NewPermissionSet(PermFileRead)))

	_, err := g.Open(secret, "r")
	assert.True(t, errors.Is(err, ErrPermissionDenied))

	_, err = g.Open(private, "r")
	assert.True(t, errors.Is(err, ErrPermissionDenied))

	h, err := g.Open(public, "r")
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		mode        string
		read, write bool
		wantErr     bool
	}{
		{"", true, false, false},
		{"r", true, false, false},
		{"rb", true, false, false},
		{"r+", true, true, false},
		{"w", false, true, false},
		{"wb", false, true, false},
		{"w+", true, true, false},
		{"a", true, true, false},
		{"x", false, true, false},
		{"rw", false, false, true},
		{"b", false, false, true},
		{"q", false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			a, err := ParseMode(tt.mode)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidMode))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.read, a.Read)
			assert.Equal(t, tt.write, a.Write)
		})
	}
}

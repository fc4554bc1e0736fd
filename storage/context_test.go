package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveContextCustomRoot(t *testing.T) {
	custom := filepath.Join(t.TempDir(), "custom-root")
	ctx, err := ResolveContext(ContextOptions{CustomRoot: custom})
	require.NoError(t, err)
	require.Equal(t, custom, ctx.Root)
	require.DirExists(t, custom)
}

func TestResolveContextCustomRootWinsOverForceGlobal(t *testing.T) {
	custom := filepath.Join(t.TempDir(), "custom-root")
	ctx, err := ResolveContext(ContextOptions{CustomRoot: custom, ForceGlobal: true})
	require.NoError(t, err)
	require.Equal(t, custom, ctx.Root)
}

func TestResolveContextProjectLocalInDevelopment(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "dexto.yml"), []byte("{}\n"), 0o644))
	nested := filepath.Join(project, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	ctx, err := ResolveContext(ContextOptions{IsDevelopment: true, StartDir: nested})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(project, GlobalDirName), ctx.Root)
	require.Equal(t, project, ctx.ProjectRoot)
	require.DirExists(t, ctx.Root)
}

func TestResolveContextExistingProjectDir(t *testing.T) {
	project := t.TempDir()
	local := filepath.Join(project, GlobalDirName)
	require.NoError(t, os.MkdirAll(local, 0o755))

	// Not in development, but a writable project .dexto already exists.
	ctx, err := ResolveContext(ContextOptions{StartDir: project})
	require.NoError(t, err)
	require.Equal(t, local, ctx.Root)
}

func TestFindProjectRoot(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(project, GlobalDirName), 0o755))
	nested := filepath.Join(project, "x", "y", "z")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	root, found := FindProjectRoot(nested)
	require.True(t, found)
	require.Equal(t, project, root)

	_, found = FindProjectRoot(string(filepath.Separator))
	require.False(t, found)
}

func TestContextPathCreatesDirectories(t *testing.T) {
	ctx := &Context{Root: t.TempDir()}
	p, err := ctx.Path("sqlite")
	require.NoError(t, err)
	require.DirExists(t, p)

	// Idempotent.
	again, err := ctx.Path("sqlite")
	require.NoError(t, err)
	require.Equal(t, p, again)
}

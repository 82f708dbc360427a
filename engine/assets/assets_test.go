package assets

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/core"
)

func TestDetermineAssetType(t *testing.T) {
	assert.Equal(t, AssetTypeScene, DetermineAssetType("a/b/c.gltf"))
	assert.Equal(t, AssetTypeScene, DetermineAssetType("C.GLB"))
	assert.Equal(t, AssetTypeSceneData, DetermineAssetType("c.bin"))
	assert.Equal(t, AssetTypeShader, DetermineAssetType("raygen.spv"))
	assert.Equal(t, AssetTypeNone, DetermineAssetType("notes.txt"))
	assert.Equal(t, AssetTypeNone, DetermineAssetType("Makefile"))
	assert.Equal(t, "shader", AssetTypeShader.String())
}

func TestWatchIndexesExistingAssets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shaders"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shaders", "miss.spv"), []byte{1}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.glb"), []byte{1}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte{1}, 0o644))

	am, err := NewAssetManager(nil, 0)
	require.NoError(t, err)
	defer am.Close()
	require.NoError(t, am.Watch(dir))

	all := am.Assets()
	require.Len(t, all, 2)
	assert.Equal(t, filepath.Join(dir, "b.glb"), all[0].Path)
	assert.Equal(t, AssetTypeScene, all[0].Type)
	assert.Equal(t, AssetTypeShader, all[1].Type)

	_, ok := am.Lookup(filepath.Join(dir, "readme.md"))
	assert.False(t, ok)
}

func TestWatchPublishesDebouncedChange(t *testing.T) {
	dir := t.TempDir()
	bus := core.NewEventBus()
	var fired atomic.Int32
	listener := new(int)
	require.True(t, bus.Register(core.EventCodeSceneChanged, listener, func(code core.SystemEventCode, sender interface{}, data core.EventContext) bool {
		fired.Add(1)
		return true
	}))

	am, err := NewAssetManager(bus, 20*time.Millisecond)
	require.NoError(t, err)
	defer am.Close()
	require.NoError(t, am.Watch(dir))

	path := filepath.Join(dir, "scene.gltf")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	select {
	case c := <-am.Changes():
		assert.Equal(t, path, c.Path)
		assert.Equal(t, AssetTypeScene, c.Type)
		assert.True(t, c.Op.Has(fsnotify.Create) || c.Op.Has(fsnotify.Write))
	case <-time.After(5 * time.Second):
		t.Fatal("no change published")
	}
	assert.Eventually(t, func() bool { return fired.Load() >= 1 }, time.Second, 10*time.Millisecond)

	_, ok := am.Lookup(path)
	assert.True(t, ok)
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	am, err := NewAssetManager(nil, 10*time.Millisecond)
	require.NoError(t, err)
	defer am.Close()
	require.NoError(t, am.Watch(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	select {
	case c := <-am.Changes():
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseClosesChannels(t *testing.T) {
	am, err := NewAssetManager(nil, 0)
	require.NoError(t, err)
	require.NoError(t, am.Close())
	require.NoError(t, am.Close())

	_, open := <-am.Changes()
	assert.False(t, open)
	assert.Error(t, am.Watch(t.TempDir()))
}

func TestLoadWithoutLoader(t *testing.T) {
	am, err := NewAssetManager(nil, 0)
	require.NoError(t, err)
	defer am.Close()

	_, err = am.Load("notes.txt")
	assert.Error(t, err)
	_, err = am.LoadScene(filepath.Join(t.TempDir(), "missing.gltf"))
	assert.Error(t, err)
}

// Package assets indexes and watches the scene and shader files the renderer
// consumes and reloads them on change.
package assets

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/exp/slices"

	"github.com/spaghettifunk/prism/engine/assets/loaders"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/scene"
)

type AssetType int

const (
	AssetTypeNone AssetType = iota
	AssetTypeScene
	// Buffers referenced by a .gltf file.
	AssetTypeSceneData
	AssetTypeShader
)

func (t AssetType) String() string {
	switch t {
	case AssetTypeScene:
		return "scene"
	case AssetTypeSceneData:
		return "scene-data"
	case AssetTypeShader:
		return "shader"
	default:
		return "none"
	}
}

func DetermineAssetType(path string) AssetType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gltf", ".glb":
		return AssetTypeScene
	case ".bin":
		return AssetTypeSceneData
	case ".spv":
		return AssetTypeShader
	default:
		return AssetTypeNone
	}
}

// DefaultDebounce is how long a file must stay quiet before its change is
// published. Editors and exporters usually write in several steps.
const DefaultDebounce = 150 * time.Millisecond

type AssetInfo struct {
	Path        string
	Type        AssetType
	LastChanged time.Time
}

// Change is a debounced file change. Op is the union of every operation seen
// during the quiet period.
type Change struct {
	Path string
	Type AssetType
	Op   fsnotify.Op
}

type AssetManager struct {
	assets  map[string]AssetInfo
	loaders map[AssetType]Loader

	mutex sync.RWMutex

	events   *core.EventBus
	debounce time.Duration

	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
	fsnotify  *fsnotify.Watcher
	changes   chan Change
	errors    chan error
}

// NewAssetManager creates a manager with the scene and shader loaders
// registered. Events, if non nil, also receives EventCodeSceneChanged and
// EventCodeShaderChanged from the watcher goroutine.
func NewAssetManager(events *core.EventBus, debounce time.Duration) (*AssetManager, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	am := &AssetManager{
		assets:   make(map[string]AssetInfo),
		loaders:  make(map[AssetType]Loader),
		events:   events,
		debounce: debounce,
		fsnotify: fsWatch,
		changes:  make(chan Change, 32),
		errors:   make(chan error, 8),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	am.RegisterLoader(AssetTypeScene, &loaders.GLTFLoader{})
	am.RegisterLoader(AssetTypeShader, &loaders.ShaderLoader{})
	go am.start()
	return am, nil
}

// Watch indexes every asset under dir and watches it and all its
// sub-directories. Directories created later are picked up automatically.
func (am *AssetManager) Watch(dir string) error {
	select {
	case <-am.done:
		return errors.New("asset manager already closed")
	default:
	}
	return am.watchRecursive(dir)
}

func (am *AssetManager) Changes() <-chan Change {
	return am.changes
}

func (am *AssetManager) Errors() <-chan error {
	return am.errors
}

// Close stops the watcher and closes the Changes and Errors channels.
func (am *AssetManager) Close() error {
	var err error
	am.closeOnce.Do(func() {
		close(am.done)
		<-am.stopped
		err = am.fsnotify.Close()
	})
	return err
}

// Assets returns the indexed assets sorted by path.
func (am *AssetManager) Assets() []AssetInfo {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	out := make([]AssetInfo, 0, len(am.assets))
	for _, a := range am.assets {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b AssetInfo) int { return strings.Compare(a.Path, b.Path) })
	return out
}

func (am *AssetManager) Lookup(path string) (AssetInfo, bool) {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	a, ok := am.assets[filepath.Clean(path)]
	return a, ok
}

func (am *AssetManager) RegisterLoader(assetType AssetType, loader Loader) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.loaders[assetType] = loader
}

// Load reads an asset with the loader registered for its extension. The file
// does not need to be indexed.
func (am *AssetManager) Load(path string) (*loaders.Resource, error) {
	assetType := DetermineAssetType(path)
	am.mutex.RLock()
	loader, ok := am.loaders[assetType]
	am.mutex.RUnlock()
	if !ok {
		return nil, errors.Newf("no loader registered for %s assets (%s)", assetType, path)
	}
	return loader.Load(path)
}

func (am *AssetManager) LoadScene(path string) (*scene.Scene, error) {
	res, err := am.Load(path)
	if err != nil {
		return nil, err
	}
	s, ok := res.Data.(*scene.Scene)
	if !ok {
		return nil, errors.Newf("%s is not a scene", path)
	}
	return s, nil
}

func (am *AssetManager) LoadShader(path string) ([]byte, error) {
	res, err := am.Load(path)
	if err != nil {
		return nil, err
	}
	code, ok := res.Data.([]byte)
	if !ok {
		return nil, errors.Newf("%s is not a shader", path)
	}
	return code, nil
}

func (am *AssetManager) start() {
	defer close(am.stopped)
	defer close(am.changes)
	defer close(am.errors)

	pending := make(map[string]Change)
	var order []string
	timer := time.NewTimer(am.debounce)
	timer.Stop()
	var flush <-chan time.Time

	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			c, ok := am.handleFileEvent(e)
			if !ok {
				continue
			}
			if prev, seen := pending[c.Path]; seen {
				c.Op |= prev.Op
			} else {
				order = append(order, c.Path)
			}
			pending[c.Path] = c
			timer.Reset(am.debounce)
			flush = timer.C

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("asset watcher: %s", err)
			select {
			case am.errors <- err:
			default:
			}

		case <-flush:
			flush = nil
			for _, p := range order {
				am.publish(pending[p])
			}
			clear(pending)
			order = order[:0]

		case <-am.done:
			timer.Stop()
			return
		}
	}
}

func (am *AssetManager) publish(c Change) {
	select {
	case am.changes <- c:
	default:
		core.LogWarn("asset change for %s dropped, nobody is reading", c.Path)
	}
	if am.events == nil {
		return
	}
	code := core.EventCodeSceneChanged
	if c.Type == AssetTypeShader {
		code = core.EventCodeShaderChanged
	}
	am.events.Fire(code, am, core.EventContext{Path: c.Path})
}

// handleFileEvent updates the index and reports whether e concerns an asset.
func (am *AssetManager) handleFileEvent(e fsnotify.Event) (Change, bool) {
	path := filepath.Clean(e.Name)

	if e.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			if err := am.watchRecursive(path); err != nil {
				core.LogWarn("asset watcher: cannot watch %s: %s", path, err)
			}
			return Change{}, false
		}
	}

	assetType := DetermineAssetType(path)
	if assetType == AssetTypeNone {
		return Change{}, false
	}

	switch {
	case e.Op.Has(fsnotify.Remove), e.Op.Has(fsnotify.Rename):
		am.removeAsset(path)
	case e.Op.Has(fsnotify.Create), e.Op.Has(fsnotify.Write):
		am.indexAsset(path, assetType)
	default:
		return Change{}, false
	}
	return Change{Path: path, Type: assetType, Op: e.Op}, true
}

// watchRecursive adds dir and every directory below it to the watch list and
// indexes the assets it finds.
func (am *AssetManager) watchRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return errors.Wrapf(am.fsnotify.Add(path), "watching %s", path)
		}
		if t := DetermineAssetType(path); t != AssetTypeNone {
			am.indexAsset(filepath.Clean(path), t)
		}
		return nil
	})
}

func (am *AssetManager) indexAsset(path string, assetType AssetType) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.assets[path] = AssetInfo{Path: path, Type: assetType, LastChanged: time.Now()}
}

func (am *AssetManager) removeAsset(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	delete(am.assets, path)
}

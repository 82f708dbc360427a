package assets

import "github.com/spaghettifunk/prism/engine/assets/loaders"

// Loader reads one kind of asset. Resource.Data carries the loaded value.
type Loader interface {
	Load(path string) (*loaders.Resource, error)
}

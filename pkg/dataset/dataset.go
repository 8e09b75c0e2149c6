// Package dataset fetches and parses training datasets into the local cache.
// Files are downloaded from a configurable mirror, verified against known
// SHA-256 digests, and staged for training runs.
package dataset

import (
	"sort"
	"strings"
	"sync"
)

// Split and role names used by the built-in manifests.
const (
	SplitTrain = "train"
	SplitTest  = "test"

	RoleImages = "images"
	RoleLabels = "labels"
)

// RemoteFile describes one downloadable file of a dataset.
type RemoteFile struct {
	Split  string
	Role   string
	Name   string
	SHA256 string
}

// Manifest describes a named dataset and the files that make it up.
type Manifest struct {
	Name  string
	Files []RemoteFile
}

// File returns the manifest entry for a split/role pair.
func (m Manifest) File(split, role string) (RemoteFile, bool) {
	for _, f := range m.Files {
		if f.Split == split && f.Role == role {
			return f, true
		}
	}
	return RemoteFile{}, false
}

// MNIST handwritten digit dataset in IDX format.
var mnistManifest = Manifest{
	Name: "mnist",
	Files: []RemoteFile{
		{Split: SplitTrain, Role: RoleImages, Name: "train-images-idx3-ubyte.gz", SHA256: "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609"},
		{Split: SplitTrain, Role: RoleLabels, Name: "train-labels-idx1-ubyte.gz", SHA256: "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c"},
		{Split: SplitTest, Role: RoleImages, Name: "t10k-images-idx3-ubyte.gz", SHA256: "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6"},
		{Split: SplitTest, Role: RoleLabels, Name: "t10k-labels-idx1-ubyte.gz", SHA256: "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6"},
	},
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Manifest{
		mnistManifest.Name: mnistManifest,
	}
)

// Register adds or replaces a dataset manifest. Names are case-insensitive.
func Register(m Manifest) {
	registryMu.Lock()
	registry[strings.ToLower(strings.TrimSpace(m.Name))] = m
	registryMu.Unlock()
}

// Lookup returns the manifest for a dataset name.
func Lookup(name string) (Manifest, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	m, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return m, ok
}

// Names returns the registered dataset names sorted alphabetically.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

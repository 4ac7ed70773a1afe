// Package aliascache tracks the Sparkplug alias tables announced by birth
// certificates and persists them across restarts, so that alias-only data
// frames keep resolving after the service reconnects.
package aliascache

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Key identifies one alias table. Device is empty for node-scoped tables.
type Key struct {
	Group    string
	EdgeNode string
	Device   string
}

func (k Key) composite() string {
	return k.Group + "|" + k.EdgeNode + "|" + k.Device
}

func keyFromComposite(s string) (Key, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("aliascache: malformed key %q", s)
	}
	return Key{Group: parts[0], EdgeNode: parts[1], Device: parts[2]}, nil
}

// Info is the metadata recorded for one alias at birth.
type Info struct {
	Name       string                 `json:"name"`
	DataType   uint32                 `json:"datatype"`
	Properties map[string]interface{} `json:"props"`
}

// Registry is a concurrency-safe collection of alias tables.
type Registry struct {
	mtx  sync.RWMutex
	maps map[Key]map[uint64]Info
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{maps: make(map[Key]map[uint64]Info)}
}

// Set records alias metadata under the given table key.
func (r *Registry) Set(key Key, alias uint64, info Info) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	table, ok := r.maps[key]
	if !ok {
		table = make(map[uint64]Info)
		r.maps[key] = table
	}
	table[alias] = info
}

// Resolve looks an alias up, trying the device-scoped table first and
// falling back to the node-scoped one.
func (r *Registry) Resolve(group, edgeNode, device string, alias uint64) (Info, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	keys := []Key{
		{Group: group, EdgeNode: edgeNode, Device: device},
		{Group: group, EdgeNode: edgeNode},
	}
	for _, key := range keys {
		if table, ok := r.maps[key]; ok {
			if info, ok := table[alias]; ok {
				return info, true
			}
		}
	}
	return Info{}, false
}

// Len returns the number of alias tables held.
func (r *Registry) Len() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.maps)
}

// serialized is the on-disk JSON shape: composite "group|edge|device" keys
// mapping alias numbers (as decimal strings) to their metadata.
type serialized map[string]map[string]Info

func (r *Registry) serialize() serialized {
	out := make(serialized, len(r.maps))
	for key, table := range r.maps {
		entries := make(map[string]Info, len(table))
		for alias, info := range table {
			entries[strconv.FormatUint(alias, 10)] = info
		}
		out[key.composite()] = entries
	}
	return out
}

// Save writes the registry to path as indented UTF-8 JSON with sorted keys
// and a trailing newline.
func (r *Registry) Save(path string) error {
	r.mtx.RLock()
	data := r.serialize()
	r.mtx.RUnlock()

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("aliascache: encoding registry: %w", err)
	}
	encoded = append(encoded, '\n')
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("aliascache: writing %s: %w", path, err)
	}
	return nil
}

// Load reads a registry from path. A missing file yields an empty registry.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewRegistry(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("aliascache: reading %s: %w", path, err)
	}

	var data serialized
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("aliascache: decoding %s: %w", path, err)
	}

	r := NewRegistry()
	for composite, entries := range data {
		key, err := keyFromComposite(composite)
		if err != nil {
			return nil, err
		}
		table := make(map[uint64]Info, len(entries))
		for aliasText, info := range entries {
			alias, err := strconv.ParseUint(aliasText, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("aliascache: alias %q under %q: %w", aliasText, composite, err)
			}
			table[alias] = info
		}
		r.maps[key] = table
	}
	return r, nil
}

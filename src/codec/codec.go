// Package codec defines the streaming compression contract shared by every
// shard format, and the built-in codecs.
package codec

import (
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/pingcap/errors"
)

// DefaultName is used when compression is enabled without naming a codec.
const DefaultName = "deflate"

// Codec wraps byte streams in a compressor or decompressor.
type Codec interface {
	// Name is the registry key, e.g. "gzip".
	Name() string
	// Extension is the conventional file suffix including the dot, e.g. ".gz".
	Extension() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Codec{}
)

// Register makes a codec available by name. A later registration with the
// same name replaces the earlier one.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(c.Name())] = c
}

// Get returns the codec registered under name.
func Get(name string) (Codec, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errors.Errorf("unknown compression codec %q", name)
	}
	return c, nil
}

// Names lists the registered codec names in sorted order.
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

// Extension returns c's suffix, or "" when c is nil.
func Extension(c Codec) string {
	if c == nil {
		return ""
	}
	return c.Extension()
}

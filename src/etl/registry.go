package etl

import (
	"sort"
	"strings"
	"sync"
)

// PartitionerFactory builds a partitioner for one job.
type PartitionerFactory func() Partitioner

// ExtractorFactory builds an extractor. It is called once per task so that
// concurrent tasks never share extractor state.
type ExtractorFactory func() Extractor

var (
	registryMu   sync.RWMutex
	partitioners = map[string]PartitionerFactory{}
	extractors   = map[string]ExtractorFactory{}
)

func registryKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RegisterPartitioner makes a partitioner available under name.
// Registering the same name twice panics.
func RegisterPartitioner(name string, f PartitionerFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	key := registryKey(name)
	if _, dup := partitioners[key]; dup {
		panic("etl: partitioner registered twice: " + name)
	}
	partitioners[key] = f
}

// RegisterExtractor makes an extractor available under name.
// Registering the same name twice panics.
func RegisterExtractor(name string, f ExtractorFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	key := registryKey(name)
	if _, dup := extractors[key]; dup {
		panic("etl: extractor registered twice: " + name)
	}
	extractors[key] = f
}

// LookupPartitioner returns the factory registered under name.
func LookupPartitioner(name string) (PartitionerFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := partitioners[registryKey(name)]
	if !ok {
		return nil, ConfigErrorf("unknown partitioner %q (known: %s)", name,
			strings.Join(sortedKeys(partitioners), ", "))
	}
	return f, nil
}

// LookupExtractor returns the factory registered under name.
func LookupExtractor(name string) (ExtractorFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := extractors[registryKey(name)]
	if !ok {
		return nil, ConfigErrorf("unknown extractor %q (known: %s)", name,
			strings.Join(sortedKeys(extractors), ", "))
	}
	return f, nil
}

// Partitioners lists the registered partitioner names.
func Partitioners() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return sortedKeys(partitioners)
}

// Extractors lists the registered extractor names.
func Extractors() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return sortedKeys(extractors)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package etl

import (
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// Options is the read-only, job-scoped key/value view handed to partitioners
// and extractors. Keys are case-insensitive.
type Options struct {
	values map[string]any
}

// NewOptions copies m into an Options view.
func NewOptions(m map[string]any) Options {
	values := make(map[string]any, len(m))
	for k, v := range m {
		values[strings.ToLower(k)] = v
	}
	return Options{values: values}
}

func (o Options) lookup(key string) (any, bool) {
	v, ok := o.values[strings.ToLower(key)]
	return v, ok
}

// Has reports whether key is set.
func (o Options) Has(key string) bool {
	_, ok := o.lookup(key)
	return ok
}

// Keys returns the set keys in sorted order.
func (o Options) Keys() []string {
	keys := make([]string, 0, len(o.values))
	for k := range o.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the value of key, or def when unset.
func (o Options) String(key, def string) (string, error) {
	v, ok := o.lookup(key)
	if !ok {
		return def, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", ConfigErrorf("option %s: %v", key, err)
	}
	return s, nil
}

// MustString returns the value of a required, non-empty key.
func (o Options) MustString(key string) (string, error) {
	s, err := o.String(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", ConfigErrorf("option %s is required", key)
	}
	return s, nil
}

// Int64 returns the integer value of key, or def when unset.
func (o Options) Int64(key string, def int64) (int64, error) {
	v, ok := o.lookup(key)
	if !ok {
		return def, nil
	}
	i, err := cast.ToInt64E(v)
	if err != nil {
		return 0, ConfigErrorf("option %s: %v", key, err)
	}
	return i, nil
}

// MustInt64 returns the integer value of a required key.
func (o Options) MustInt64(key string) (int64, error) {
	if !o.Has(key) {
		return 0, ConfigErrorf("option %s is required", key)
	}
	return o.Int64(key, 0)
}

// Bool returns the boolean value of key, or def when unset.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o.lookup(key)
	if !ok {
		return def, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, ConfigErrorf("option %s: %v", key, err)
	}
	return b, nil
}

// Strings returns a list value. A plain string is split on commas.
func (o Options) Strings(key string) ([]string, error) {
	v, ok := o.lookup(key)
	if !ok {
		return nil, nil
	}
	if s, isString := v.(string); isString {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
	list, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil, ConfigErrorf("option %s: %v", key, err)
	}
	return list, nil
}

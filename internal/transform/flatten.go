// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transform

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/juju/errors"

	"github.com/juju/cdc/core/changefeed"
)

// flatten converts a nested document into a single level of scalar fields,
// ordered by name. Nested keys are joined with "." and array elements use
// their index as the key.
func flatten(doc map[string]any, maxDepth int) ([]changefeed.Field, error) {
	values := make(map[string]any)
	if err := flattenMap("", doc, 1, maxDepth, values); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]changefeed.Field, len(names))
	for i, name := range names {
		fields[i] = changefeed.Field{Name: name, Value: values[name]}
	}
	return fields, nil
}

func flattenMap(prefix string, doc map[string]any, depth, maxDepth int, out map[string]any) error {
	if depth > maxDepth {
		return errors.Errorf("document nested deeper than %d levels at %q", maxDepth, prefix)
	}
	for key, value := range doc {
		if err := flattenValue(join(prefix, key), value, depth, maxDepth, out); err != nil {
			return err
		}
	}
	return nil
}

func flattenSlice(prefix string, values []any, depth, maxDepth int, out map[string]any) error {
	if depth > maxDepth {
		return errors.Errorf("document nested deeper than %d levels at %q", maxDepth, prefix)
	}
	for i, value := range values {
		if err := flattenValue(join(prefix, strconv.Itoa(i)), value, depth, maxDepth, out); err != nil {
			return err
		}
	}
	return nil
}

func flattenValue(name string, value any, depth, maxDepth int, out map[string]any) error {
	switch v := value.(type) {
	case map[string]any:
		return flattenMap(name, v, depth+1, maxDepth, out)
	case []any:
		return flattenSlice(name, v, depth+1, maxDepth, out)
	case []map[string]any:
		values := make([]any, len(v))
		for i, m := range v {
			values[i] = m
		}
		return flattenSlice(name, values, depth+1, maxDepth, out)
	case []string:
		values := make([]any, len(v))
		for i, s := range v {
			values[i] = s
		}
		return flattenSlice(name, values, depth+1, maxDepth, out)
	}

	scalar, err := normaliseScalar(value)
	if err != nil {
		return errors.Annotatef(err, "field %q", name)
	}
	out[name] = scalar
	return nil
}

// normaliseScalar maps the supported scalar types onto the canonical set
// carried by flat records: string, int64, float64, bool, time.Time and nil.
func normaliseScalar(value any) (any, error) {
	switch v := value.(type) {
	case nil, string, bool, int64:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, errors.Errorf("unsigned value %d overflows int64", v)
		}
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, errors.Errorf("unsigned value %d overflows int64", v)
		}
		return int64(v), nil
	case float32:
		return checkFloat(float64(v))
	case float64:
		return checkFloat(v)
	case time.Time:
		return v.UTC(), nil
	}
	return nil, errors.NotSupportedf("value of type %T", value)
}

func checkFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errors.NotSupportedf("non-finite number %v", f)
	}
	return f, nil
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

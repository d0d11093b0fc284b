// Package utils provides helpers for layering configuration documents.
package utils

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// DeepMerge overlays src onto dst:
//   - Maps: MERGE (recursive)
//   - Lists: OVERRIDE (an overlay list replaces the base list)
//   - Scalars: OVERRIDE
//   - Type conflicts: OVERRIDE
//
// Keys absent from src are kept. dst is modified in place and returned.
func DeepMerge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{})
	}
	for key, srcVal := range src {
		dstVal, exists := dst[key]
		if !exists {
			dst[key] = deepCopyValue(srcVal)
			continue
		}
		dst[key] = mergeValues(dstVal, srcVal)
	}
	return dst
}

func mergeValues(dst, src interface{}) interface{} {
	// An explicit null in the overlay does not erase the base value
	if src == nil {
		return dst
	}
	srcMap, srcIsMap := src.(map[string]interface{})
	dstMap, dstIsMap := dst.(map[string]interface{})
	if srcIsMap && dstIsMap {
		return DeepMerge(dstMap, srcMap)
	}
	return deepCopyValue(src)
}

func deepCopyValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(typed))
		for k, val := range typed {
			result[k] = deepCopyValue(val)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(typed))
		for i, val := range typed {
			result[i] = deepCopyValue(val)
		}
		return result
	default:
		return v
	}
}

// MergeYAML decodes each document and overlays them in order, later
// documents winning. Empty documents are skipped.
func MergeYAML(docs ...[]byte) (map[string]interface{}, error) {
	merged := make(map[string]interface{})
	for i, doc := range docs {
		var m map[string]interface{}
		if err := yaml.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if m == nil {
			continue
		}
		merged = DeepMerge(merged, m)
	}
	return merged, nil
}

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepMerge_ListOverride(t *testing.T) {
	dst := map[string]interface{}{
		"kinds": []interface{}{"tables", "buckets"},
	}
	src := map[string]interface{}{
		"kinds": []interface{}{"userpools"},
	}

	result := DeepMerge(dst, src)

	assert.Equal(t, []interface{}{"userpools"}, result["kinds"])
}

func TestDeepMerge_DictMerge(t *testing.T) {
	dst := map[string]interface{}{
		"source": map[string]interface{}{
			"region": "eu-west-1",
			"prefix": "prod-",
		},
	}
	src := map[string]interface{}{
		"source": map[string]interface{}{
			"prefix":   "production-",
			"role_arn": "arn:aws:iam::111111111111:role/Clone",
		},
	}

	result := DeepMerge(dst, src)
	source := result["source"].(map[string]interface{})

	assert.Equal(t, "eu-west-1", source["region"])
	assert.Equal(t, "production-", source["prefix"])
	assert.Equal(t, "arn:aws:iam::111111111111:role/Clone", source["role_arn"])
}

func TestDeepMerge_ScalarOverride(t *testing.T) {
	result := DeepMerge(
		map[string]interface{}{"parallelism": 4, "keep": true},
		map[string]interface{}{"parallelism": 8},
	)

	assert.Equal(t, 8, result["parallelism"])
	assert.Equal(t, true, result["keep"])
}

func TestDeepMerge_TypeConflict(t *testing.T) {
	result := DeepMerge(
		map[string]interface{}{"report": "report.json"},
		map[string]interface{}{"report": map[string]interface{}{"path": "out.json"}},
	)

	assert.Equal(t, map[string]interface{}{"path": "out.json"}, result["report"])
}

func TestDeepMerge_NilValues(t *testing.T) {
	result := DeepMerge(
		map[string]interface{}{"exclude": []interface{}{"prod-legacy"}},
		map[string]interface{}{"exclude": nil},
	)

	assert.Equal(t, []interface{}{"prod-legacy"}, result["exclude"])
}

func TestDeepMerge_EmptyDst(t *testing.T) {
	src := map[string]interface{}{"a": map[string]interface{}{"b": 1}}

	result := DeepMerge(nil, src)

	assert.Equal(t, src, result)

	// copied, not aliased
	result["a"].(map[string]interface{})["b"] = 2
	assert.Equal(t, 1, src["a"].(map[string]interface{})["b"])
}

func TestMergeYAML(t *testing.T) {
	base := []byte(`
source:
  region: eu-west-1
  prefix: prod-
pipeline:
  parallelism: 4
kinds: [tables, buckets]
`)
	overlay := []byte(`
source:
  prefix: production-
pipeline:
  parallelism: 2
kinds: [userpools]
`)

	merged, err := MergeYAML(base, []byte(""), overlay)
	require.NoError(t, err)

	source := merged["source"].(map[string]interface{})
	assert.Equal(t, "eu-west-1", source["region"])
	assert.Equal(t, "production-", source["prefix"])
	assert.Equal(t, 2, merged["pipeline"].(map[string]interface{})["parallelism"])
	assert.Equal(t, []interface{}{"userpools"}, merged["kinds"])
}

func TestMergeYAML_Invalid(t *testing.T) {
	_, err := MergeYAML([]byte("a: [unclosed"))
	assert.Error(t, err)
}

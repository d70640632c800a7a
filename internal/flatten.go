package internal

import "strconv"

// Flatten collapses a decoded webhook payload into a single-level map so
// rule expressions can address nested fields by dotted path. `{"a": {"b":
// 1}}` becomes `{"a.b": 1}`. Arrays keep three views: the path itself and
// the path suffixed `[]` both hold the whole slice, and each element is
// reachable by index, as in `labels[0].name`.
func Flatten(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for key, value := range data {
		flattenValue(out, key, value)
	}
	return out
}

func flattenValue(out map[string]interface{}, path string, value interface{}) {
	switch typed := value.(type) {
	case map[string]interface{}:
		for key, child := range typed {
			flattenValue(out, path+"."+key, child)
		}
	case []interface{}:
		out[path] = typed
		out[path+"[]"] = typed
		for i, child := range typed {
			flattenValue(out, path+"["+strconv.Itoa(i)+"]", child)
		}
	default:
		out[path] = value
	}
}

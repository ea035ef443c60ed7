package domain

import (
	"dario.cat/mergo"
	json "github.com/goccy/go-json"
)

// MergeVariables folds a step result into the execution's variable bag.
// Objects merge key-wise with override, arrays append, anything else is
// replaced by the result. Pure: same inputs always merge to the same bytes.
func MergeVariables(current, results json.RawMessage) (json.RawMessage, error) {
	if len(current) == 0 {
		return results, nil
	}

	if len(results) == 0 {
		return current, nil
	}

	var currentData, resultsData interface{}

	if err := json.Unmarshal(current, &currentData); err != nil {
		return nil, &StorageError{Type: ErrCorrupted, Message: "merge: unmarshal current variables: " + err.Error()}
	}

	if err := json.Unmarshal(results, &resultsData); err != nil {
		return nil, &StorageError{Type: ErrCorrupted, Message: "merge: unmarshal step result: " + err.Error()}
	}

	switch {
	case isObject(currentData) && isObject(resultsData):
		currentMap := currentData.(map[string]interface{})
		resultsMap := resultsData.(map[string]interface{})

		if err := mergo.Merge(&currentMap, resultsMap,
			mergo.WithOverride,
			mergo.WithAppendSlice); err != nil {
			return nil, &StorageError{Type: ErrCorrupted, Message: "merge: " + err.Error()}
		}

		merged, err := json.Marshal(currentMap)
		if err != nil {
			return nil, err
		}
		return merged, nil

	case isArray(currentData) && isArray(resultsData):
		currentSlice := currentData.([]interface{})
		resultsSlice := resultsData.([]interface{})

		merged := make([]interface{}, 0, len(currentSlice)+len(resultsSlice))
		merged = append(merged, currentSlice...)
		merged = append(merged, resultsSlice...)

		return json.Marshal(merged)

	default:
		return results, nil
	}
}

func isObject(v interface{}) bool {
	_, ok := v.(map[string]interface{})
	return ok
}

func isArray(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}

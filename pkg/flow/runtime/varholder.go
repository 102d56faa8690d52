package runtime

import "encoding/json"

// VariableHolder owns the free-form key/value variables of a process instance.
type VariableHolder struct {
	variables map[string]any
}

// NewVariableHolder creates a holder seeded with the given variables.
// A nil map is allowed and yields an empty holder.
func NewVariableHolder(variables map[string]any) VariableHolder {
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return VariableHolder{variables: vars}
}

// Variables returns the underlying map. Callers must treat it as read-only.
func (vh *VariableHolder) Variables() map[string]any {
	if vh.variables == nil {
		vh.variables = make(map[string]any)
	}
	return vh.variables
}

func (vh *VariableHolder) GetVariable(key string) any {
	if v, ok := vh.variables[key]; ok {
		return v
	}
	return nil
}

func (vh *VariableHolder) SetVariable(key string, val any) {
	if vh.variables == nil {
		vh.variables = make(map[string]any)
	}
	vh.variables[key] = val
}

// Merge copies the given variables into the holder, last write wins per key.
// The merge is shallow: nested maps are replaced, not combined.
func (vh *VariableHolder) Merge(variables map[string]any) {
	if vh.variables == nil {
		vh.variables = make(map[string]any, len(variables))
	}
	for k, v := range variables {
		vh.variables[k] = v
	}
}

func (vh VariableHolder) MarshalJSON() ([]byte, error) {
	if vh.variables == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(vh.variables)
}

func (vh *VariableHolder) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &vh.variables)
}

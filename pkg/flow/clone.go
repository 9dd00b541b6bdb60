package flow

import "encoding/json"

// cloneValue deep-copies plain data records through JSON.
func cloneValue[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic("flow: cannot encode value: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic("flow: cannot decode value: " + err.Error())
	}
	return out
}

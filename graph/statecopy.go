package graph

import "encoding/json"

// deepCopyState returns an independent copy of s so that concurrent
// branches dispatched via Next.Many never share mutable substructure
// (maps, slices) with the state the fan-out node observed. The state
// type is only required to be JSON-serializable, which every workflow
// state in this codebase already is for checkpointing purposes, so a
// marshal/unmarshal round trip is the simplest correct deep copy that
// works generically across state shapes.
func deepCopyState[S any](s S) (S, error) {
	var out S
	data, err := json.Marshal(s)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// deepCopy is deepCopyState under the name executeParallel's older
// fan-out path calls it by.
func deepCopy[S any](s S) (S, error) {
	return deepCopyState(s)
}

package client

import (
	"bytes"
	"encoding/json"
)

// list decodes either a bare JSON array or a paginated {"results": [...]}
// envelope
type list[T any] []T

func (l *list[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = list[T]{}
		return nil
	}

	if data[0] == '[' {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*l = items
		return nil
	}

	var envelope struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	if envelope.Results == nil {
		envelope.Results = []T{}
	}
	*l = envelope.Results
	return nil
}

// one decodes a single object, tolerating endpoints that wrap it in a list
// or envelope
type one[T any] struct {
	value T
	found bool
}

func (o *one[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err != nil {
			return err
		}
		if _, ok := probe["results"]; !ok {
			if err := json.Unmarshal(data, &o.value); err != nil {
				return err
			}
			o.found = true
			return nil
		}
	}

	var items list[T]
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	if len(items) > 0 {
		o.value = items[0]
		o.found = true
	}
	return nil
}

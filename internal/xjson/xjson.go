// Package xjson funnels every JSON encode and decode in the module through
// one import site, so the underlying codec can change without touching
// callers.
package xjson

import (
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

func Marshal(v interface{}) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return gjson.Unmarshal(data, v)
}

// Valid reports whether data is well-formed JSON.
func Valid(data []byte) bool {
	return gjson.Valid(data)
}

// RawMessage stays interchangeable with encoding/json's RawMessage, so
// public API payloads work with either codec.
type RawMessage = stdjson.RawMessage

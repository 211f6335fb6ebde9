package swr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
)

// Normalize reduces the response shapes the backend produces to a single
// canonical value:
//
//   - an array yields its first element, or null when empty
//   - an object with a non-array "data" member yields that member
//   - otherwise an object with a non-array "item" member yields that member
//   - anything else is returned as-is
//
// A nil result means JSON null. Non-nil results are canonical JSON (compact,
// object keys sorted, numbers in shortest form) so that two results can be
// compared byte for byte.
func Normalize(raw []byte) (json.RawMessage, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}

	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			v = nil
		} else {
			v = t[0]
		}
	case map[string]any:
		if inner, ok := unwrapMember(t, "data"); ok {
			v = inner
		} else if inner, ok := unwrapMember(t, "item"); ok {
			v = inner
		}
	}
	return encodeValue(v)
}

// canonicalize re-encodes raw in canonical form without normalizing it.
func canonicalize(raw []byte) (json.RawMessage, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	return encodeValue(v)
}

func unwrapMember(obj map[string]any, name string) (any, bool) {
	inner, ok := obj[name]
	if !ok || inner == nil {
		return nil, false
	}
	if _, isArray := inner.([]any); isArray {
		return nil, false
	}
	return inner, true
}

func decodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode JSON payload: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode JSON payload: trailing data after value")
	}
	return canonicalNumbers(v), nil
}

// canonicalNumbers rewrites every number in v to its shortest form, so 1.50,
// 1.5 and 15e-1 encode identically.
func canonicalNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			t[k] = canonicalNumbers(inner)
		}
	case []any:
		for i, inner := range t {
			t[i] = canonicalNumbers(inner)
		}
	case json.Number:
		return canonicalNumber(t)
	}
	return v
}

// canonicalNumber rewrites n as the shortest text that parses to the same
// float64, provided that text denotes exactly the same decimal value as n.
// Numbers a float64 cannot represent faithfully keep their original text.
func canonicalNumber(n json.Number) json.Number {
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return n
	}
	short := strconv.FormatFloat(f, 'g', -1, 64)
	original, ok := new(big.Rat).SetString(n.String())
	if !ok {
		return n
	}
	shortened, ok := new(big.Rat).SetString(short)
	if !ok || shortened.Cmp(original) != 0 {
		return n
	}
	return json.Number(short)
}

package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Location is a byte-range inside a manifest file.
type Location struct {
	Offset int
	Length int
}

// Kind is the JSON value kind of a Node.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Node is one position in the manifest's JSON AST, carrying the byte
// range it occupies in the original source so the analyzer can attach
// precise diagnostics.
type Node struct {
	Kind Kind
	Loc  Location

	Bool   bool
	Number float64
	Str    string

	// Object preserves source order; duplicate keys keep the last value,
	// matching encoding/json's own unmarshal behavior.
	ObjectKeys []string
	Object     map[string]*Node

	Array []*Node
}

// Get looks up a key on an object node; returns nil if absent or if the
// receiver is not an object.
func (n *Node) Get(key string) *Node {
	if n == nil || n.Kind != KindObject {
		return nil
	}
	return n.Object[key]
}

// AsString returns the node's string value and whether it is a string.
func (n *Node) AsString() (string, bool) {
	if n == nil || n.Kind != KindString {
		return "", false
	}
	return n.Str, true
}

// AsBool returns the node's bool value and whether it is a bool.
func (n *Node) AsBool() (bool, bool) {
	if n == nil || n.Kind != KindBool {
		return false, false
	}
	return n.Bool, true
}

// parseNodes walks a json.Decoder token stream over data, reconstructing a
// Node tree annotated with byte offsets via Decoder.InputOffset(). data must
// already be plain JSON of the same length and byte layout as the manifest
// source the offsets are meant to describe (see blankTrivia in trivia.go);
// parseNodes itself knows nothing about comments or trailing commas.
func parseNodes(data []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	n, err := parseValue(dec, data)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func parseValue(dec *json.Decoder, data []byte) (*Node, error) {
	// InputOffset sits at the end of the previous token, before the
	// whitespace and any ':' or ',' that Token consumes ahead of this
	// value; step past those so Loc starts at the value itself.
	before := dec.InputOffset()
	for int(before) < len(data) && (isJSONSpace(data[before]) || data[before] == ':' || data[before] == ',') {
		before++
	}
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := &Node{Kind: KindObject, Object: map[string]*Node{}, Loc: Location{Offset: int(before)}}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("manifest: expected object key, got %v", keyTok)
				}
				val, err := parseValue(dec, data)
				if err != nil {
					return nil, err
				}
				if _, exists := obj.Object[key]; !exists {
					obj.ObjectKeys = append(obj.ObjectKeys, key)
				}
				obj.Object[key] = val
			}
			end, err := dec.Token() // consume '}'
			if err != nil {
				return nil, err
			}
			_ = end
			obj.Loc.Length = int(dec.InputOffset()) - obj.Loc.Offset
			return obj, nil
		case '[':
			arr := &Node{Kind: KindArray, Loc: Location{Offset: int(before)}}
			for dec.More() {
				val, err := parseValue(dec, data)
				if err != nil {
					return nil, err
				}
				arr.Array = append(arr.Array, val)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			arr.Loc.Length = int(dec.InputOffset()) - arr.Loc.Offset
			return arr, nil
		default:
			return nil, fmt.Errorf("manifest: unexpected delimiter %v", t)
		}
	case json.Number:
		f, _ := t.Float64()
		after := dec.InputOffset()
		return &Node{Kind: KindNumber, Number: f, Loc: Location{Offset: int(before), Length: int(after) - int(before)}}, nil
	case string:
		after := dec.InputOffset()
		return &Node{Kind: KindString, Str: t, Loc: Location{Offset: int(before), Length: int(after) - int(before)}}, nil
	case bool:
		after := dec.InputOffset()
		return &Node{Kind: KindBool, Bool: t, Loc: Location{Offset: int(before), Length: int(after) - int(before)}}, nil
	case nil:
		after := dec.InputOffset()
		return &Node{Kind: KindNull, Loc: Location{Offset: int(before), Length: int(after) - int(before)}}, nil
	default:
		return nil, fmt.Errorf("manifest: unrecognized token %T", tok)
	}
}

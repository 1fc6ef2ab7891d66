// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic content hashing of kernel items.
//
// Two inputs map to the same digest iff they have the same semantic content:
// map key order, incidental whitespace, and Unicode representation of strings
// (NFC vs NFD) never influence the hash.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/keelworks/keel/pkg/fault"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Strategy: marshal v with the standard encoder (so struct tags are honored),
// decode into a generic value preserving numbers, then re-marshal recursively
// with sorted keys, NFC-normalized strings, and HTML escaping disabled.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fault.New(fault.CodeMalformedItem, "pre-marshal failed").WithCause(err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fault.New(fault.CodeMalformedItem, "intermediate decode failed").WithCause(err)
	}

	return marshalRecursive(generic)
}

// Transform canonicalizes raw JSON bytes without an intermediate Go value.
// Strings are not Unicode-normalized on this path; use it for content that is
// already canonical at the text level (e.g. signed payloads on the wire).
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fault.New(fault.CodeMalformedItem, "jcs transform failed").WithCause(err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MatchesDigest reports whether actual matches expected. An expected digest
// shorter than a full SHA-256 hex string matches by prefix; this mirrors the
// short-hash form embedded in signature comments.
func MatchesDigest(expected, actual string) bool {
	if expected == "" {
		return false
	}
	if len(expected) < 64 {
		return len(actual) >= len(expected) && actual[:len(expected)] == expected
	}
	return expected == actual
}

func marshalRecursive(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // RFC 8785 requires no HTML escaping

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(norm.NFC.String(t)); err != nil {
			return nil, err
		}
		// json.Encoder appends a newline; trim it
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []interface{}:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("canonicalize: unsupported type %T", v)
	}
}

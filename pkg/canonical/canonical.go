// Copyright 2025 BioPassport Project
//
// Canonical Commitment Package - deterministic JSON serialization and hashing
// Provides the shared commitment functions used by credentials, history entries
// and signatures. Structurally equal inputs canonicalize to byte-identical
// output regardless of map insertion order.

package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"
)

// ErrNonSerializable is returned for values outside the canonical JSON subset:
// non-finite numbers, cyclic structures, or Go types with no JSON encoding.
var ErrNonSerializable = fmt.Errorf("value is not canonically serializable")

// Canonicalize returns the canonical JSON encoding of v: object keys sorted
// lexicographically by UTF-8 code units, no insignificant whitespace, minimal
// string escaping, numbers without redundant zeros.
func Canonicalize(v interface{}) ([]byte, error) {
	e := &encoder{seen: make(map[uintptr]bool)}
	if err := e.encode(v); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// CanonicalizeJSON takes raw JSON bytes and returns their canonical encoding.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNonSerializable, err)
	}
	return Canonicalize(v)
}

// Hash returns the SHA-256 digest of the canonical encoding of v.
func Hash(v interface{}) ([32]byte, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// HashHex returns the lowercase hex SHA-256 digest of the canonical encoding of v.
func HashHex(v interface{}) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

// HashBytes returns the SHA-256 digest of raw bytes.
func HashBytes(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashConcat returns SHA-256 over the concatenation of byte slices.
func HashConcat(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ====== Encoder ======

type encoder struct {
	buf  bytes.Buffer
	seen map[uintptr]bool
}

func (e *encoder) encode(v interface{}) error {
	switch t := v.(type) {
	case nil:
		e.buf.WriteString("null")
	case bool:
		if t {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
	case string:
		e.writeString(t)
	case json.Number:
		// Integers keep full precision; everything else goes through float64.
		if i, err := t.Int64(); err == nil {
			e.buf.WriteString(strconv.FormatInt(i, 10))
			return nil
		}
		f, err := t.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: number %q", ErrNonSerializable, t.String())
		}
		e.writeFloat(f)
	case float32:
		return e.encodeFloat(float64(t))
	case float64:
		return e.encodeFloat(t)
	case int:
		e.buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		e.buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		e.buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		e.buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		e.buf.WriteString(strconv.FormatInt(t, 10))
	case uint:
		e.buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		e.buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		e.buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		e.buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		e.buf.WriteString(strconv.FormatUint(t, 10))
	case map[string]interface{}:
		return e.encodeMap(t)
	case []interface{}:
		return e.encodeSlice(t)
	default:
		// Anything else (structs, typed maps) gets one round-trip through
		// encoding/json, which rejects cycles, NaN and non-JSON types.
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNonSerializable, err)
		}
		return e.encodeRaw(b)
	}
	return nil
}

func (e *encoder) encodeRaw(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var plain interface{}
	if err := dec.Decode(&plain); err != nil {
		return fmt.Errorf("%w: %v", ErrNonSerializable, err)
	}
	return e.encode(plain)
}

func (e *encoder) encodeFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number", ErrNonSerializable)
	}
	e.writeFloat(f)
	return nil
}

func (e *encoder) encodeMap(m map[string]interface{}) error {
	ptr := reflect.ValueOf(m).Pointer()
	if e.seen[ptr] {
		return fmt.Errorf("%w: cyclic structure", ErrNonSerializable)
	}
	e.seen[ptr] = true
	defer delete(e.seen, ptr)

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// sort.Strings compares byte-wise, which is exactly UTF-8 code unit order.
	sort.Strings(keys)

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		e.writeString(k)
		e.buf.WriteByte(':')
		if err := e.encode(m[k]); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) encodeSlice(s []interface{}) error {
	if len(s) > 0 {
		ptr := reflect.ValueOf(s).Pointer()
		if e.seen[ptr] {
			return fmt.Errorf("%w: cyclic structure", ErrNonSerializable)
		}
		e.seen[ptr] = true
		defer delete(e.seen, ptr)
	}

	e.buf.WriteByte('[')
	for i, el := range s {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encode(el); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

// writeFloat emits a number without redundant leading/trailing zeros.
// Integral values with magnitude below 1e15 print as integers.
func (e *encoder) writeFloat(f float64) {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		e.buf.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	e.buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

// writeString emits a JSON string with minimal escaping: only the quote,
// backslash and control characters are escaped. Input is taken verbatim as
// UTF-8, no normalization.
func (e *encoder) writeString(s string) {
	e.buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&e.buf, `\u%04x`, r)
			} else if r == utf8.RuneError {
				// Preserve invalid byte sequences as the replacement rune,
				// matching encoding/json behavior.
				e.buf.WriteRune(r)
			} else {
				e.buf.WriteRune(r)
			}
		}
	}
	e.buf.WriteByte('"')
}

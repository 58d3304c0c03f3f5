// Package structuredclone implements the v8-style structured clone
// codec used for the queue broker's "v8" content-type (section 9): a
// pre-order traversal with back-references so cyclic graphs round-trip,
// with custom reducers for ArrayBuffers, Maps, Sets, Dates, RegExps and
// Errors (preserving message/stack/cause).
package structuredclone

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class for clone failures, including DataCloneError for
// hostile types.
var Error = errs.Class("structuredclone")

// Array is a clonable ordered list; a reference type so cycles through
// it are representable.
type Array struct {
	Items []interface{}
}

// Object is a clonable plain key/value tree.
type Object struct {
	Fields map[string]interface{}
}

// MapValue mirrors a JS Map: insertion-ordered key/value pairs where
// keys may themselves be arbitrary clonable values.
type MapValue struct {
	Entries [][2]interface{}
}

// SetValue mirrors a JS Set: insertion-ordered unique clonable values.
type SetValue struct {
	Items []interface{}
}

// RegExp preserves a regular expression's source and flags.
type RegExp struct {
	Source string
	Flags  string
}

// ErrorValue preserves an Error's message, stack, and optional cause,
// per section 9's explicit requirement.
type ErrorValue struct {
	Name    string
	Message string
	Stack   string
	Cause   interface{}
}

func (e *ErrorValue) Error() string { return e.Message }

type tag byte

const (
	tagNil tag = iota
	tagBool
	tagFloat64
	tagString
	tagBytes
	tagDate
	tagRegExp
	tagArray
	tagObject
	tagMap
	tagSet
	tagError
	tagRef
)

// Encode serializes value into the structured-clone wire format,
// registering a back-reference for every reference-typed node visited
// so repeated or cyclic pointers collapse to a ref tag.
func Encode(value interface{}) ([]byte, error) {
	var buf bytes.Buffer
	seen := map[interface{}]uint32{}
	if err := encodeNode(&buf, value, seen); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putString(buf *bytes.Buffer, s string) {
	putUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

// encodeNode writes one node, emitting a ref if its identity (for
// reference types) was already visited.
func encodeNode(buf *bytes.Buffer, value interface{}, seen map[interface{}]uint32) error {
	switch v := value.(type) {
	case nil:
		buf.WriteByte(byte(tagNil))
		return nil
	case bool:
		buf.WriteByte(byte(tagBool))
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return nil
	case float64:
		buf.WriteByte(byte(tagFloat64))
		var bits [8]byte
		binary.BigEndian.PutUint64(bits[:], math.Float64bits(v))
		buf.Write(bits[:])
		return nil
	case int:
		return encodeNode(buf, float64(v), seen)
	case string:
		buf.WriteByte(byte(tagString))
		putString(buf, v)
		return nil
	case []byte:
		buf.WriteByte(byte(tagBytes))
		putUvarint(buf, uint64(len(v)))
		buf.Write(v)
		return nil
	case time.Time:
		buf.WriteByte(byte(tagDate))
		var bits [8]byte
		binary.BigEndian.PutUint64(bits[:], uint64(v.UnixMilli()))
		buf.Write(bits[:])
		return nil
	case *RegExp:
		if isRef, err := refOf(buf, v, seen); isRef {
			return err
		}
		buf.WriteByte(byte(tagRegExp))
		putString(buf, v.Source)
		putString(buf, v.Flags)
		return nil
	case *Array:
		if isRef, err := refOf(buf, v, seen); isRef {
			return err
		}
		buf.WriteByte(byte(tagArray))
		putUvarint(buf, uint64(len(v.Items)))
		for _, item := range v.Items {
			if err := encodeNode(buf, item, seen); err != nil {
				return err
			}
		}
		return nil
	case *Object:
		if isRef, err := refOf(buf, v, seen); isRef {
			return err
		}
		buf.WriteByte(byte(tagObject))
		putUvarint(buf, uint64(len(v.Fields)))
		for k, item := range v.Fields {
			putString(buf, k)
			if err := encodeNode(buf, item, seen); err != nil {
				return err
			}
		}
		return nil
	case *MapValue:
		if isRef, err := refOf(buf, v, seen); isRef {
			return err
		}
		buf.WriteByte(byte(tagMap))
		putUvarint(buf, uint64(len(v.Entries)))
		for _, kv := range v.Entries {
			if err := encodeNode(buf, kv[0], seen); err != nil {
				return err
			}
			if err := encodeNode(buf, kv[1], seen); err != nil {
				return err
			}
		}
		return nil
	case *SetValue:
		if isRef, err := refOf(buf, v, seen); isRef {
			return err
		}
		buf.WriteByte(byte(tagSet))
		putUvarint(buf, uint64(len(v.Items)))
		for _, item := range v.Items {
			if err := encodeNode(buf, item, seen); err != nil {
				return err
			}
		}
		return nil
	case *ErrorValue:
		if isRef, err := refOf(buf, v, seen); isRef {
			return err
		}
		buf.WriteByte(byte(tagError))
		putString(buf, v.Name)
		putString(buf, v.Message)
		putString(buf, v.Stack)
		hasCause := v.Cause != nil
		if hasCause {
			buf.WriteByte(1)
			if err := encodeNode(buf, v.Cause, seen); err != nil {
				return err
			}
		} else {
			buf.WriteByte(0)
		}
		return nil
	default:
		return Error.New("DataCloneError: value of type %T cannot be cloned", value)
	}
}

// refOf registers ptr's first-seen index and, if already seen, writes a
// ref tag and returns (true, nil). The caller's remaining branch
// (non-ref) is only taken when the bool is false.
func refOf(buf *bytes.Buffer, ptr interface{}, seen map[interface{}]uint32) (bool, error) {
	if idx, ok := seen[ptr]; ok {
		buf.WriteByte(byte(tagRef))
		putUvarint(buf, uint64(idx))
		return true, nil
	}
	seen[ptr] = uint32(len(seen))
	return false, nil
}

// Decode reverses Encode, allocating reference-typed stubs before
// filling their contents so cyclic back-references resolve correctly.
func Decode(data []byte) (interface{}, error) {
	r := &reader{buf: data}
	refs := []interface{}{}
	v, err := decodeNode(r, &refs)
	if err != nil {
		return nil, err
	}
	return v, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, Error.New("unexpected end of clone data")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, Error.New("malformed varint in clone data")
	}
	r.pos += n
	return v, nil
}

func (r *reader) readString() (string, error) {
	n, err := r.readUvarint()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", Error.New("truncated string in clone data")
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, Error.New("truncated bytes in clone data")
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+n])
	r.pos += n
	return b, nil
}

func decodeNode(r *reader, refs *[]interface{}) (interface{}, error) {
	b, err := r.readByte()
	if err != nil {
		return nil, err
	}
	switch tag(b) {
	case tagNil:
		return nil, nil
	case tagBool:
		v, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return v != 0, nil
	case tagFloat64:
		raw, err := r.readBytes(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
	case tagString:
		return r.readString()
	case tagBytes:
		n, err := r.readUvarint()
		if err != nil {
			return nil, err
		}
		return r.readBytes(int(n))
	case tagDate:
		raw, err := r.readBytes(8)
		if err != nil {
			return nil, err
		}
		ms := int64(binary.BigEndian.Uint64(raw))
		return time.UnixMilli(ms).UTC(), nil
	case tagRegExp:
		src, err := r.readString()
		if err != nil {
			return nil, err
		}
		flags, err := r.readString()
		if err != nil {
			return nil, err
		}
		re := &RegExp{Source: src, Flags: flags}
		*refs = append(*refs, re)
		return re, nil
	case tagRef:
		idx, err := r.readUvarint()
		if err != nil {
			return nil, err
		}
		if int(idx) >= len(*refs) {
			return nil, Error.New("dangling back-reference in clone data")
		}
		return (*refs)[idx], nil
	case tagArray:
		n, err := r.readUvarint()
		if err != nil {
			return nil, err
		}
		arr := &Array{Items: make([]interface{}, n)}
		*refs = append(*refs, arr)
		for i := range arr.Items {
			item, err := decodeNode(r, refs)
			if err != nil {
				return nil, err
			}
			arr.Items[i] = item
		}
		return arr, nil
	case tagObject:
		n, err := r.readUvarint()
		if err != nil {
			return nil, err
		}
		obj := &Object{Fields: make(map[string]interface{}, n)}
		*refs = append(*refs, obj)
		for i := uint64(0); i < n; i++ {
			key, err := r.readString()
			if err != nil {
				return nil, err
			}
			item, err := decodeNode(r, refs)
			if err != nil {
				return nil, err
			}
			obj.Fields[key] = item
		}
		return obj, nil
	case tagMap:
		n, err := r.readUvarint()
		if err != nil {
			return nil, err
		}
		m := &MapValue{Entries: make([][2]interface{}, n)}
		*refs = append(*refs, m)
		for i := range m.Entries {
			k, err := decodeNode(r, refs)
			if err != nil {
				return nil, err
			}
			v, err := decodeNode(r, refs)
			if err != nil {
				return nil, err
			}
			m.Entries[i] = [2]interface{}{k, v}
		}
		return m, nil
	case tagSet:
		n, err := r.readUvarint()
		if err != nil {
			return nil, err
		}
		s := &SetValue{Items: make([]interface{}, n)}
		*refs = append(*refs, s)
		for i := range s.Items {
			item, err := decodeNode(r, refs)
			if err != nil {
				return nil, err
			}
			s.Items[i] = item
		}
		return s, nil
	case tagError:
		name, err := r.readString()
		if err != nil {
			return nil, err
		}
		msg, err := r.readString()
		if err != nil {
			return nil, err
		}
		stack, err := r.readString()
		if err != nil {
			return nil, err
		}
		ev := &ErrorValue{Name: name, Message: msg, Stack: stack}
		*refs = append(*refs, ev)
		hasCause, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if hasCause != 0 {
			cause, err := decodeNode(r, refs)
			if err != nil {
				return nil, err
			}
			ev.Cause = cause
		}
		return ev, nil
	default:
		return nil, Error.New("unknown clone tag %d", b)
	}
}

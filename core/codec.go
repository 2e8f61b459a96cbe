package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Length-prefixed binary encoding shared by every persisted or gossiped
// record. Integers are little-endian fixed width, strings and byte slices are
// u64 length followed by raw bytes, structs are a u64 field count followed by
// (key, value) pairs, and sum types are a u32 discriminant followed by the
// variant body. Decoders must consume every byte; trailing input is an error.

// DecodeError describes a failure while reading a binary payload. Kind is a
// short machine-readable label; the remaining fields depend on the kind.
type DecodeError struct {
	Kind    string
	Detail  string
	Type    string
	Value   uint64
	wrapped error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case "unexpected_eof":
		return fmt.Sprintf("codec: unexpected end of input reading %s", e.Detail)
	case "trailing_bytes":
		return fmt.Sprintf("codec: %s trailing bytes after decode", e.Detail)
	case "unknown_field":
		return fmt.Sprintf("codec: unknown field %q", e.Detail)
	case "duplicate_field":
		return fmt.Sprintf("codec: duplicate field %q", e.Detail)
	case "missing_field":
		return fmt.Sprintf("codec: missing required field %q", e.Detail)
	case "invalid_field_count":
		return fmt.Sprintf("codec: invalid field count %d for %s", e.Value, e.Detail)
	case "invalid_enum":
		return fmt.Sprintf("codec: invalid discriminant %d for %s", e.Value, e.Type)
	case "invalid_value":
		return fmt.Sprintf("codec: invalid value for %s", e.Detail)
	default:
		return fmt.Sprintf("codec: %s: %s", e.Kind, e.Detail)
	}
}

func (e *DecodeError) Unwrap() error { return e.wrapped }

func errEOF(what string) error {
	return &DecodeError{Kind: "unexpected_eof", Detail: what}
}

func errTrailing(n int) error {
	return &DecodeError{Kind: "trailing_bytes", Detail: fmt.Sprintf("%d", n)}
}

func errUnknownField(key string) error {
	return &DecodeError{Kind: "unknown_field", Detail: key}
}

func errDuplicateField(key string) error {
	return &DecodeError{Kind: "duplicate_field", Detail: key}
}

func errMissingField(key string) error {
	return &DecodeError{Kind: "missing_field", Detail: key}
}

func errFieldCount(ty string, got uint64) error {
	return &DecodeError{Kind: "invalid_field_count", Detail: ty, Value: got}
}

func errEnum(ty string, value uint64) error {
	return &DecodeError{Kind: "invalid_enum", Type: ty, Value: value}
}

// Writer accumulates a deterministic binary encoding. Field ordering is fixed
// per struct; the writer never reorders.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteU8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
}

func (w *Writer) WriteU16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteU32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteU64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteI64(v int64) { w.WriteU64(uint64(v)) }

func (w *Writer) WriteF64(v float64) { w.WriteU64(math.Float64bits(v)) }

func (w *Writer) WriteString(s string) {
	w.WriteU64(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) WriteBytes(b []byte) {
	w.WriteU64(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteRaw appends bytes without a length prefix. Used for fixed-width values
// such as 32-byte hashes whose length is implied by the schema.
func (w *Writer) WriteRaw(b []byte) { w.buf = append(w.buf, b...) }

// WriteOption writes a presence byte followed by the value when present.
func (w *Writer) WriteOption(present bool, write func(*Writer)) {
	w.WriteBool(present)
	if present {
		write(w)
	}
}

// BeginStruct writes the field count header for a struct frame. Callers then
// emit exactly count (key, value) pairs via Field.
func (w *Writer) BeginStruct(count uint64) { w.WriteU64(count) }

// Field writes a struct field key followed by its value.
func (w *Writer) Field(key string, write func(*Writer)) {
	w.WriteString(key)
	write(w)
}

// Reader consumes a binary payload produced by Writer. Every read checks
// bounds; Finish checks exhaustion.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Finish returns an error if any input remains unconsumed.
func (r *Reader) Finish() error {
	if n := r.Remaining(); n != 0 {
		return errTrailing(n)
	}
	return nil
}

func (r *Reader) take(n int, what string) ([]byte, error) {
	if r.Remaining() < n {
		return nil, errEOF(what)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadU8(what string) (uint8, error) {
	b, err := r.take(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadBool(what string) (bool, error) {
	v, err := r.ReadU8(what)
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, &DecodeError{Kind: "invalid_value", Detail: what}
	}
}

func (r *Reader) ReadU16(what string) (uint16, error) {
	b, err := r.take(2, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadU32(what string) (uint32, error) {
	b, err := r.take(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadU64(what string) (uint64, error) {
	b, err := r.take(8, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadI64(what string) (int64, error) {
	v, err := r.ReadU64(what)
	return int64(v), err
}

func (r *Reader) ReadF64(what string) (float64, error) {
	v, err := r.ReadU64(what)
	return math.Float64frombits(v), err
}

func (r *Reader) ReadString(what string) (string, error) {
	n, err := r.ReadU64(what)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Remaining()) {
		return "", errEOF(what)
	}
	b, err := r.take(int(n), what)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadBytes(what string) ([]byte, error) {
	n, err := r.ReadU64(what)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, errEOF(what)
	}
	b, err := r.take(int(n), what)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ReadRaw reads exactly n bytes with no length prefix.
func (r *Reader) ReadRaw(n int, what string) ([]byte, error) {
	b, err := r.take(n, what)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *Reader) ReadHash(what string) (Hash, error) {
	var h Hash
	b, err := r.take(len(h), what)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// ReadOption reads a presence byte and, when set, invokes read.
func (r *Reader) ReadOption(what string, read func(*Reader) error) (bool, error) {
	present, err := r.ReadBool(what)
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}
	return true, read(r)
}

// DecodeStruct reads a struct frame: the u64 field count, then count
// (key, value) pairs dispatched to the visit callback. Unknown keys are a
// hard error inside visit. expect, when non-zero, pins the field count.
func (r *Reader) DecodeStruct(ty string, expect uint64, visit func(key string, r *Reader) error) error {
	count, err := r.ReadU64(ty + " field count")
	if err != nil {
		return err
	}
	if expect != 0 && count != expect {
		return errFieldCount(ty, count)
	}
	for i := uint64(0); i < count; i++ {
		key, err := r.ReadString(ty + " field key")
		if err != nil {
			return err
		}
		if err := visit(key, r); err != nil {
			return err
		}
	}
	return nil
}

// assignOnce guards against duplicate struct fields during decode.
func assignOnce[T any](dst *T, set *bool, value T, key string) error {
	if *set {
		return errDuplicateField(key)
	}
	*dst = value
	*set = true
	return nil
}

// MarshalCanonicalJSON renders v as JSON with lexically sorted object keys.
// This profile exists solely for signed sidecars and snapshot files; consensus
// state always uses the binary encoding above.
func MarshalCanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: canonical json: %w", err)
	}
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("codec: canonical json reparse: %w", err)
	}
	var out []byte
	out, err = appendCanonical(out, tree)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func appendCanonical(dst []byte, v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dst = append(dst, '{')
		for i, k := range keys {
			if i > 0 {
				dst = append(dst, ',')
			}
			kb, _ := json.Marshal(k)
			dst = append(dst, kb...)
			dst = append(dst, ':')
			var err error
			dst, err = appendCanonical(dst, t[k])
			if err != nil {
				return nil, err
			}
		}
		return append(dst, '}'), nil
	case []interface{}:
		dst = append(dst, '[')
		for i, e := range t {
			if i > 0 {
				dst = append(dst, ',')
			}
			var err error
			dst, err = appendCanonical(dst, e)
			if err != nil {
				return nil, err
			}
		}
		return append(dst, ']'), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("codec: canonical json leaf: %w", err)
		}
		return append(dst, b...), nil
	}
}

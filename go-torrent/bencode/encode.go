package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnsupportedType is returned for values with no bencode representation
	// (channels, funcs, maps with non-string keys, ...).
	ErrUnsupportedType = errors.New("bencode: unsupported type")

	// ErrDataLoss is never returned. It is attached to the warning logged when a
	// non-integral number had to be truncated to fit the integer-only format.
	ErrDataLoss = errors.New("bencode: non-integral number truncated")
)

// Encoder writes bencoded values to an output stream.
type Encoder struct {
	w     io.Writer
	log   logrus.FieldLogger
	lossy bool
}

func NewEncoder(w io.Writer, log logrus.FieldLogger) *Encoder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Encoder{
		w:   w,
		log: log,
	}
}

// Encode writes the bencoding of v. Nil pointers, nil interfaces and untyped
// nils are absent values: they are skipped inside lists and dictionaries and
// produce no output at the top level.
func (e *Encoder) Encode(v interface{}) error {
	e.lossy = false
	buf := &bytes.Buffer{}
	if err := e.encodeValue(buf, reflect.ValueOf(v)); err != nil {
		return err
	}
	_, err := e.w.Write(buf.Bytes())
	return err
}

// Lossy reports whether the last Encode call truncated a non-integral number.
func (e *Encoder) Lossy() bool {
	return e.lossy
}

// Encode returns the bencoding of v, logging data-loss warnings to the
// standard logrus logger.
func Encode(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	err := NewEncoder(buf, nil).Encode(v)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isAbsent(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func (e *Encoder) encodeValue(buf *bytes.Buffer, v reflect.Value) error {
	if isAbsent(v) {
		return nil
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return e.encodeValue(buf, v.Elem())

	case reflect.Bool:
		if v.Bool() {
			buf.WriteString("i1e")
		} else {
			buf.WriteString("i0e")
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		writeInt(buf, v.Int())

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		buf.WriteByte('e')

	case reflect.Float32, reflect.Float64:
		e.encodeFloat(buf, v.Float())

	case reflect.String:
		writeString(buf, v.String())

	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			writeBytes(buf, v.Bytes())
			return nil
		}
		return e.encodeList(buf, v)

	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			writeBytes(buf, b)
			return nil
		}
		return e.encodeList(buf, v)

	case reflect.Map:
		return e.encodeDict(buf, v)

	case reflect.Struct:
		return e.encodeStruct(buf, v)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, v.Type())
	}
	return nil
}

// encodeFloat truncates towards zero. Non-finite values become 0.
func (e *Encoder) encodeFloat(buf *bytes.Buffer, f float64) {
	var n int64
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		n = 0
	case f >= math.MaxInt64:
		n = math.MaxInt64
	case f <= math.MinInt64:
		n = math.MinInt64
	default:
		n = int64(math.Trunc(f))
	}
	writeInt(buf, n)

	if float64(n) != f && !e.lossy {
		e.lossy = true
		e.log.WithError(ErrDataLoss).WithFields(logrus.Fields{
			"value":     f,
			"converted": n,
		}).Warn("possible data corruption, bencoding only supports integers")
	}
}

func (e *Encoder) encodeList(buf *bytes.Buffer, v reflect.Value) error {
	buf.WriteByte('l')
	for i := 0; i < v.Len(); i++ {
		if err := e.encodeValue(buf, v.Index(i)); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}

func (e *Encoder) encodeDict(buf *bytes.Buffer, v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("%w: map key %s", ErrUnsupportedType, v.Type().Key())
	}
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	buf.WriteByte('d')
	for _, key := range keys {
		value := v.MapIndex(key)
		if isAbsent(value) {
			continue
		}
		writeString(buf, key.String())
		if err := e.encodeValue(buf, value); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}

type structField struct {
	name  string
	value reflect.Value
}

func (e *Encoder) encodeStruct(buf *bytes.Buffer, v reflect.Value) error {
	t := v.Type()
	fields := make([]structField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		name := f.Name
		omitempty := false
		if tag, ok := f.Tag.Lookup("bencode"); ok {
			if tag == "-" {
				continue
			}
			parts := strings.Split(tag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
			omitempty = len(parts) > 1 && parts[1] == "omitempty"
		}
		value := v.Field(i)
		if isAbsent(value) || (omitempty && value.IsZero()) {
			continue
		}
		fields = append(fields, structField{name: name, value: value})
	}
	sort.Slice(fields, func(i, j int) bool {
		return fields[i].name < fields[j].name
	})

	buf.WriteByte('d')
	for _, f := range fields {
		writeString(buf, f.name)
		if err := e.encodeValue(buf, f.value); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}

func writeInt(buf *bytes.Buffer, n int64) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte('e')
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.WriteString(s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	buf.WriteString(strconv.Itoa(len(b)))
	buf.WriteByte(':')
	buf.Write(b)
}

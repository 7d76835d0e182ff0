package bencode

import (
	"bytes"
	"errors"
	"testing"

	jackpal "github.com/jackpal/bencode-go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected string
	}{
		{"Integer", 123, "i123e"},
		{"Negative integer", int64(-5), "i-5e"},
		{"Zero", 0, "i0e"},
		{"Unsigned", uint32(7), "i7e"},
		{"Bool", true, "i1e"},
		{"String", "hello", "5:hello"},
		{"Empty string", "", "0:"},
		{"Bytes", []byte{0xff, 0x00}, "2:\xff\x00"},
		{"Byte array", [3]byte{'a', 'b', 'c'}, "3:abc"},
		{"List", []interface{}{1, "two", 3}, "li1e3:twoi3ee"},
		{"Empty list", []interface{}{}, "le"},
		{"List with nulls", []interface{}{nil, "foo", nil}, "l3:fooe"},
		{"Map key ordering", map[string]interface{}{"spam": "eggs", "foo": "bar"}, "d3:foo3:bar4:spam4:eggse"},
		{"Map with null value", map[string]interface{}{"a": nil, "b": 1}, "d1:bi1ee"},
		{"Nested", map[string]interface{}{"dict": map[string]int{"space key": 4}}, "d4:dictd9:space keyi4eee"},
		{"Binary keys sort by raw bytes", map[string]int{"\xff": 1, "a": 2, "B": 3}, "d1:Bi3e1:ai2e1:\xffi1ee"},
		{"Null", nil, ""},
		{
			"Struct with tags",
			struct {
				Name   string  `bencode:"name"`
				Size   int64   `bencode:"length"`
				Skip   *string `bencode:"md5sum"`
				Hidden string  `bencode:"-"`
			}{Name: "test", Size: 1024, Hidden: "x"},
			"d6:lengthi1024e4:name4:teste",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestEncodeUnsupported(t *testing.T) {
	_, err := Encode(map[int]string{1: "a"})
	assert.True(t, errors.Is(err, ErrUnsupportedType))

	_, err = Encode(make(chan int))
	assert.True(t, errors.Is(err, ErrUnsupportedType))
}

func TestEncodeFloatWarnsOncePerCall(t *testing.T) {
	logger, hook := test.NewNullLogger()
	buf := &bytes.Buffer{}
	enc := NewEncoder(buf, logger)

	err := enc.Encode([]interface{}{3.7, -2.5, 4.0})
	require.NoError(t, err)
	assert.Equal(t, "li3ei-2ei4ee", buf.String())
	assert.True(t, enc.Lossy())
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, ErrDataLoss, hook.LastEntry().Data[logrus.ErrorKey])

	// Each call may warn once.
	buf.Reset()
	require.NoError(t, enc.Encode(1.5))
	assert.Equal(t, "i1e", buf.String())
	assert.Len(t, hook.Entries, 2)

	// Integral floats are exact and do not warn.
	buf.Reset()
	require.NoError(t, enc.Encode(8.0))
	assert.Equal(t, "i8e", buf.String())
	assert.False(t, enc.Lossy())
	assert.Len(t, hook.Entries, 2)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected interface{}
	}{
		{"Integer", "i123e", int64(123)},
		{"Negative integer", "i-5e", int64(-5)},
		{"Plus sign", "i+5e", int64(5)},
		{"Empty integer", "ie", int64(0)},
		{"String", "5:hello", "hello"},
		{"Empty string", "0:", ""},
		{"Binary string", "3:\xff\xfe\x00", []byte{0xff, 0xfe, 0x00}},
		{"Replacement char stays binary", "3:\xef\xbf\xbd", []byte{0xef, 0xbf, 0xbd}},
		{"List", "li1e3:twoi3ee", []interface{}{int64(1), "two", int64(3)}},
		{"Empty list", "le", []interface{}{}},
		{"Dictionary", "d4:key1i42e4:key25:valuee", map[string]interface{}{"key1": int64(42), "key2": "value"}},
		{"Binary key", "d2:\xff\x01i1ee", map[string]interface{}{"\xff\x01": int64(1)}},
		{"Trailing data ignored", "i1etrailing", int64(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDecodeEmpty(t *testing.T) {
	v, err := Decode(nil)
	assert.NoError(t, err)
	assert.Nil(t, v)

	v, err = Decode([]byte{})
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestDecodeMalformed(t *testing.T) {
	inputs := map[string]string{
		"non-digit in integer":    "i12a3e",
		"sign inside integer":     "i1-2e",
		"float":                   "i1.5e",
		"unterminated integer":    "i123",
		"missing colon":           "5hello",
		"string too long":         "10:short",
		"negative length":         "-1:a",
		"unknown type":            "x",
		"unterminated list":       "li1e",
		"unterminated dict":       "d3:foo3:bar",
		"dict missing value":      "d3:fooe",
		"non-string dict key":     "di1ei2ee",
		"integer overflow":        "i99999999999999999999e",
		"non-digit string length": "1a:xx",
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedEncoding), err.Error())
		})
	}
}

func TestRoundTrip(t *testing.T) {
	values := []interface{}{
		int64(0),
		int64(-42),
		"spam",
		[]byte{0x00, 0x80, 0xff},
		[]interface{}{int64(1), "a", []interface{}{}},
		map[string]interface{}{
			"announce": "udp://tracker.example:80",
			"info": map[string]interface{}{
				"length":       int64(4347345636),
				"name":         "ubuntu.iso",
				"piece length": int64(262144),
				"pieces":       []byte{0xde, 0xad, 0xbe, 0xef},
			},
			"list": []interface{}{"x", int64(2), map[string]interface{}{}},
		},
	}
	for _, v := range values {
		encoded, err := Encode(v)
		require.NoError(t, err)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, v, decoded)
	}
}

func TestInteropWithJackpal(t *testing.T) {
	v := map[string]interface{}{
		"spam":  "eggs",
		"foo":   int64(-3),
		"list":  []interface{}{"a", int64(1)},
		"inner": map[string]interface{}{"z": "last", "a": "first"},
	}

	ours, err := Encode(v)
	require.NoError(t, err)

	theirs := &bytes.Buffer{}
	require.NoError(t, jackpal.Marshal(theirs, v))
	assert.Equal(t, theirs.String(), string(ours))

	decoded, err := jackpal.Decode(bytes.NewReader(ours))
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
}

package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

const (
	INTEGER_START    = 'i'
	STRING_DELIM     = ':'
	DICTIONARY_START = 'd'
	LIST_START       = 'l'
	END_OF_TYPE      = 'e'
)

// ErrMalformedEncoding is wrapped by every decode failure.
var ErrMalformedEncoding = errors.New("bencode: malformed encoding")

// Decode parses one bencoded value from data. Integers decode to int64,
// lists to []interface{} and dictionaries to map[string]interface{} whose keys
// hold the raw key bytes. Byte strings decode to string when they are valid
// UTF-8 text and to []byte otherwise (hashes, compact peer lists).
// Empty input decodes to nil. Bytes after the first complete value are ignored.
func Decode(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	d := &decoder{data: data}
	return d.next()
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedEncoding, fmt.Sprintf(format, args...))
}

func (d *decoder) next() (interface{}, error) {
	if d.pos >= len(d.data) {
		return nil, d.errorf("unexpected end of data at position %d", d.pos)
	}
	switch d.data[d.pos] {
	case DICTIONARY_START:
		return d.decodeDictionary()
	case LIST_START:
		return d.decodeList()
	case INTEGER_START:
		return d.decodeInteger()
	default:
		raw, err := d.decodeBuffer()
		if err != nil {
			return nil, err
		}
		return surface(raw), nil
	}
}

func (d *decoder) find(chr byte) (int, error) {
	i := bytes.IndexByte(d.data[d.pos:], chr)
	if i < 0 {
		return 0, d.errorf("missing delimiter %q after position %d", chr, d.pos)
	}
	return d.pos + i, nil
}

func (d *decoder) decodeDictionary() (map[string]interface{}, error) {
	d.pos++
	dict := make(map[string]interface{})
	for {
		if d.pos >= len(d.data) {
			return nil, d.errorf("unterminated dictionary")
		}
		if d.data[d.pos] == END_OF_TYPE {
			break
		}
		key, err := d.decodeBuffer()
		if err != nil {
			return nil, err
		}
		value, err := d.next()
		if err != nil {
			return nil, err
		}
		dict[string(key)] = value
	}
	d.pos++
	return dict, nil
}

func (d *decoder) decodeList() ([]interface{}, error) {
	d.pos++
	list := make([]interface{}, 0)
	for {
		if d.pos >= len(d.data) {
			return nil, d.errorf("unterminated list")
		}
		if d.data[d.pos] == END_OF_TYPE {
			break
		}
		item, err := d.next()
		if err != nil {
			return nil, err
		}
		list = append(list, item)
	}
	d.pos++
	return list, nil
}

func (d *decoder) decodeInteger() (int64, error) {
	end, err := d.find(END_OF_TYPE)
	if err != nil {
		return 0, err
	}
	n, err := d.parseInt(d.pos+1, end)
	if err != nil {
		return 0, err
	}
	d.pos = end + 1
	return n, nil
}

func (d *decoder) decodeBuffer() ([]byte, error) {
	sep, err := d.find(STRING_DELIM)
	if err != nil {
		return nil, err
	}
	length, err := d.parseInt(d.pos, sep)
	if err != nil {
		return nil, err
	}
	start := sep + 1
	if length < 0 || length > int64(len(d.data)-start) {
		return nil, d.errorf("string length %d out of range at position %d", length, d.pos)
	}
	end := start + int(length)
	d.pos = end
	return d.data[start:end:end], nil
}

// parseInt reads a base 10 integer from data[start:end]. A single leading
// sign is accepted; any other non-digit byte is fatal. An empty body is 0.
func (d *decoder) parseInt(start, end int) (int64, error) {
	var sum int64
	var sign int64 = 1
	for i := start; i < end; i++ {
		c := d.data[i]
		if c >= '0' && c <= '9' {
			digit := int64(c - '0')
			if sum > (math.MaxInt64-digit)/10 {
				return 0, d.errorf("integer overflow at position %d", start)
			}
			sum = sum*10 + digit
			continue
		}
		if i == start && c == '+' {
			continue
		}
		if i == start && c == '-' {
			sign = -1
			continue
		}
		return 0, d.errorf("not a number: data[%d] = %q", i, c)
	}
	return sum * sign, nil
}

func surface(raw []byte) interface{} {
	if utf8.Valid(raw) && !bytes.ContainsRune(raw, utf8.RuneError) {
		return string(raw)
	}
	return raw
}

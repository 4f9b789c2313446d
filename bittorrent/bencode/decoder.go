package bencode

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

// Decoding errors returned for input that is syntactically invalid or has
// no canonical encoding.
var (
	ErrBadInt       = errors.New("bencode: non-canonical integer")
	ErrBadLength    = errors.New("bencode: invalid string length")
	ErrDupKey       = errors.New("bencode: duplicate dictionary key")
	ErrNonStringKey = errors.New("bencode: non-string dictionary key")
	ErrTrailingData = errors.New("bencode: trailing data after value")
	ErrUnknownToken = errors.New("bencode: unknown input sequence")
)

// A Decoder reads bencoded objects from an input stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a new decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode unmarshals the next bencoded value in the stream.
func (dec *Decoder) Decode() (interface{}, error) {
	return unmarshal(dec.r)
}

// Unmarshal deserializes and returns the bencoded value in buf.
//
// Unlike Decode, Unmarshal requires buf to contain exactly one value and
// fails with ErrTrailingData when bytes remain after it.
func Unmarshal(buf []byte) (interface{}, error) {
	r := bufio.NewReader(bytes.NewReader(buf))

	v, err := unmarshal(r)
	if err != nil {
		return nil, err
	}

	if _, err := r.ReadByte(); err != io.EOF {
		return nil, ErrTrailingData
	}

	return v, nil
}

// unmarshal reads a single bencoded value from a bufio.Reader.
//
// io.EOF is returned only when the stream ends before the first byte of a
// value. A stream that ends mid-value fails with io.ErrUnexpectedEOF.
func unmarshal(r *bufio.Reader) (interface{}, error) {
	tok, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch tok {
	case 'i':
		return readInt(r)

	case 'l':
		list := NewList()
		for {
			ok, err := readTerminator(r, 'e')
			if err != nil {
				return nil, noEOF(err)
			} else if ok {
				break
			}

			v, err := unmarshal(r)
			if err != nil {
				return nil, noEOF(err)
			}
			list = append(list, v)
		}
		return list, nil

	case 'd':
		dict := NewDict()
		for {
			ok, err := readTerminator(r, 'e')
			if err != nil {
				return nil, noEOF(err)
			} else if ok {
				break
			}

			v, err := unmarshal(r)
			if err != nil {
				return nil, noEOF(err)
			}

			key, ok := v.(string)
			if !ok {
				return nil, ErrNonStringKey
			}
			if _, dup := dict[key]; dup {
				return nil, ErrDupKey
			}

			dict[key], err = unmarshal(r)
			if err != nil {
				return nil, noEOF(err)
			}
		}
		return dict, nil

	default:
		if tok < '0' || tok > '9' {
			return nil, ErrUnknownToken
		}
		if err := r.UnreadByte(); err != nil {
			return nil, err
		}
		return readString(r)
	}
}

func readTerminator(r io.ByteScanner, term byte) (bool, error) {
	tok, err := r.ReadByte()
	if err != nil {
		return false, err
	} else if tok == term {
		return true, nil
	}
	return false, r.UnreadByte()
}

// readInt reads the body of an integer, the opening 'i' already consumed.
// Only canonically encoded integers are accepted: no leading zeros on
// non-zero values and no negative zero.
func readInt(r *bufio.Reader) (int64, error) {
	lit, err := readUntil(r, 'e')
	if err != nil {
		return 0, err
	}

	if !canonicalIntLiteral(lit) {
		return 0, ErrBadInt
	}

	return strconv.ParseInt(string(lit), 10, 64)
}

// readString reads a length-prefixed string, the first digit of the length
// still unread.
func readString(r *bufio.Reader) (string, error) {
	lit, err := readUntil(r, ':')
	if err != nil {
		return "", err
	}

	// String lengths follow the same canonical form as integers, minus
	// the sign.
	if lit[0] == '-' || !canonicalIntLiteral(lit) {
		return "", ErrBadLength
	}

	length, err := strconv.ParseInt(string(lit), 10, 64)
	if err != nil {
		return "", ErrBadLength
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", noEOF(err)
	}

	return string(buf), nil
}

// readUntil consumes bytes up to the first occurrence of term, which is
// discarded. The stream ending before term is an unexpected EOF.
func readUntil(r *bufio.Reader, term byte) ([]byte, error) {
	var buf []byte
	for {
		tok, err := r.ReadByte()
		if err != nil {
			return nil, noEOF(err)
		}
		if tok == term {
			if len(buf) == 0 {
				return nil, ErrBadInt
			}
			return buf, nil
		}
		buf = append(buf, tok)
	}
}

func canonicalIntLiteral(lit []byte) bool {
	if len(lit) > 0 && lit[0] == '-' {
		lit = lit[1:]
		if len(lit) == 0 || lit[0] == '0' {
			return false
		}
	}

	if len(lit) == 0 {
		return false
	}
	if lit[0] == '0' && len(lit) > 1 {
		return false
	}

	for _, c := range lit {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// noEOF converts io.EOF into io.ErrUnexpectedEOF for errors raised after
// the first byte of a value has been read.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

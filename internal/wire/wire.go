// Package wire implements the binary object formats shared by the ledger
// and the exchange: the object preamble and content ids, little-endian
// field codecs, and the floating-point amount compression used for
// donations and request amounts.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/veilcash/veild/internal/config"
)

// Wire errors.
var (
	ErrTruncated = errors.New("wire: truncated object")
	ErrOversize  = errors.New("wire: field exceeds limit")
)

// Object tags.
const (
	TagBlock uint32 = 0x80000001
	TagTx    uint32 = 0x80000002
)

// HeaderBytes is the size of the object header (size + tag) that precedes
// every wire object.
const HeaderBytes = 8

// Object is a parsed wire object: a tag and the raw body it covers.
type Object struct {
	Tag  uint32
	Body []byte
}

// ComputeObjID hashes an object's tag and body into its content id.
func ComputeObjID(tag uint32, body []byte) [config.OidBytes]byte {
	h, _ := blake2b.New256(nil)

	var tagBuf [4]byte
	binary.LittleEndian.PutUint32(tagBuf[:], tag)
	h.Write(tagBuf[:])
	h.Write(body)

	var oid [config.OidBytes]byte
	copy(oid[:], h.Sum(nil))
	return oid
}

// ParseObject splits one length-prefixed object off the front of data and
// returns it with the remaining bytes.
func ParseObject(data []byte) (Object, []byte, error) {
	if len(data) < HeaderBytes {
		return Object{}, nil, ErrTruncated
	}

	size := binary.LittleEndian.Uint32(data[0:4])
	tag := binary.LittleEndian.Uint32(data[4:8])

	if size < HeaderBytes || uint32(len(data)) < size {
		return Object{}, nil, fmt.Errorf("%w: size %d of %d", ErrTruncated, size, len(data))
	}

	return Object{Tag: tag, Body: data[HeaderBytes:size]}, data[size:], nil
}

// AppendObject appends the header and body of an object to buf.
func AppendObject(buf []byte, tag uint32, body []byte) []byte {
	var hdr [HeaderBytes]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(HeaderBytes+len(body)))
	binary.LittleEndian.PutUint32(hdr[4:8], tag)
	buf = append(buf, hdr[:]...)
	return append(buf, body...)
}

// Reader decodes little-endian fields off a byte slice, latching the first
// error so call sites stay flat.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err returns the first decode error, if any.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = ErrTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// U8 reads one byte.
func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// U16 reads a little-endian uint16.
func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// U64 reads a little-endian uint64.
func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// F64 reads a little-endian IEEE-754 float64.
func (r *Reader) F64() float64 {
	return float64frombits(r.U64())
}

// Bytes reads exactly n bytes.
func (r *Reader) Bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// String reads a one-byte length followed by that many bytes.
func (r *Reader) String() string {
	n := int(r.U8())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// Writer encodes little-endian fields into a growing buffer.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Err returns the first encode error, if any.
func (w *Writer) Err() error { return w.err }

// U8 writes one byte.
func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }

// U16 writes a little-endian uint16.
func (w *Writer) U16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// U32 writes a little-endian uint32.
func (w *Writer) U32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// U64 writes a little-endian uint64.
func (w *Writer) U64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// F64 writes a little-endian IEEE-754 float64.
func (w *Writer) F64(v float64) { w.U64(float64bits(v)) }

// Raw writes bytes verbatim.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// String writes a one-byte length followed by the bytes.
func (w *Writer) String(s string) {
	if len(s) > 255 {
		w.err = ErrOversize
		return
	}
	w.U8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// PacketBuilder constructs fixed-layout records.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a builder with room for size bytes.
func NewPacketBuilder(size int) *PacketBuilder {
	b := &PacketBuilder{}
	b.buf.Grow(size)
	return b
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteFloat32 writes a float32 in little-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteFloat64 writes a float64 in little-endian order.
func (b *PacketBuilder) WriteFloat64(v float64) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteFixedString writes s into exactly n bytes, truncating or
// NUL-padding as needed.
func (b *PacketBuilder) WriteFixedString(s string, n int) *PacketBuilder {
	field := make([]byte, n)
	copy(field, s)
	b.buf.Write(field)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// PacketReader walks a record whose length has already been validated, so
// reads never run past the end.
type PacketReader struct {
	data []byte
	off  int
}

// NewPacketReader wraps data for sequential reads.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{data: data}
}

// ReadUint8 reads a single byte.
func (r *PacketReader) ReadUint8() byte {
	v := r.data[r.off]
	r.off++
	return v
}

// ReadUint16 reads a little-endian uint16.
func (r *PacketReader) ReadUint16() uint16 {
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

// ReadUint32 reads a little-endian uint32.
func (r *PacketReader) ReadUint32() uint32 {
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

// ReadFloat32 reads a little-endian float32.
func (r *PacketReader) ReadFloat32() float32 {
	return math.Float32frombits(r.ReadUint32())
}

// ReadFloat64 reads a little-endian float64.
func (r *PacketReader) ReadFloat64() float64 {
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.data[r.off:]))
	r.off += 8
	return v
}

// ReadFixedString reads an n-byte field and trims trailing NULs.
func (r *PacketReader) ReadFixedString(n int) string {
	field := r.data[r.off : r.off+n]
	r.off += n
	return string(bytes.TrimRight(field, "\x00"))
}

// ReadPlayerID reads a 3-byte colour identity.
func (r *PacketReader) ReadPlayerID() PlayerID {
	var id PlayerID
	copy(id[:], r.data[r.off:r.off+3])
	r.off += 3
	return id
}

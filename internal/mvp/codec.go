package mvp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/cyclops/fingerprint"
)

const (
	tagLeaf  byte = 0x00
	tagInner byte = 0x01
)

// MaxIDLen is the longest point ID the encoding accepts.
const MaxIDLen = 1 << 16

// ErrCorrupt is returned by Decode for malformed input.
var ErrCorrupt = errors.New("mvp: corrupt tree encoding")

// Encode writes the tree in pre-order:
//
//	header: leafCap uvarint | width uvarint | size uvarint
//	leaf:   0x00 | count uvarint | {idLen uvarint | id | fingerprint}*
//	inner:  0x01 | vantage | mu uvarint | inner | outer
func (t *Tree) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	e := encoder{w: bw}

	e.uvarint(uint64(t.leafCap))
	e.uvarint(uint64(t.width))
	e.uvarint(uint64(t.size))
	e.node(t.root)

	if e.err != nil {
		return e.err
	}
	return bw.Flush()
}

type encoder struct {
	w   *bufio.Writer
	buf [binary.MaxVarintLen64]byte
	err error
}

func (e *encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

func (e *encoder) byte(b byte) {
	if e.err != nil {
		return
	}
	e.err = e.w.WriteByte(b)
}

func (e *encoder) uvarint(v uint64) {
	n := binary.PutUvarint(e.buf[:], v)
	e.write(e.buf[:n])
}

func (e *encoder) node(n *node) {
	if n.leaf() {
		e.byte(tagLeaf)
		e.uvarint(uint64(len(n.points)))
		for _, p := range n.points {
			if len(p.ID) > MaxIDLen && e.err == nil {
				e.err = fmt.Errorf("%w: id of %d bytes", ErrIDTooLong, len(p.ID))
			}
			e.uvarint(uint64(len(p.ID)))
			e.write([]byte(p.ID))
			e.write(p.Fingerprint)
		}
		return
	}
	e.byte(tagInner)
	e.write(n.vantage)
	e.uvarint(uint64(n.mu))
	e.node(n.inner)
	e.node(n.outer)
}

// Decode reads a tree written by Encode.
func Decode(r io.Reader) (*Tree, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := decoder{r: br}

	leafCap := d.uvarint()
	width := d.uvarint()
	size := d.uvarint()
	if d.err != nil {
		return nil, d.err
	}
	if leafCap == 0 || width == 0 || width > 1<<10 {
		return nil, fmt.Errorf("%w: leafCap=%d width=%d", ErrCorrupt, leafCap, width)
	}

	t := &Tree{leafCap: int(leafCap), width: int(width)}
	t.root = d.node(t.width, &t.size, 0)
	if d.err != nil {
		return nil, d.err
	}
	if uint64(t.size) != size {
		return nil, fmt.Errorf("%w: header size %d, decoded %d points", ErrCorrupt, size, t.size)
	}
	return t, nil
}

type decoder struct {
	r   *bufio.Reader
	err error
}

func (d *decoder) fail(err error) {
	if d.err != nil {
		return
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	d.err = fmt.Errorf("%w: %w", ErrCorrupt, err)
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(d.r)
	if err != nil {
		d.fail(err)
	}
	return v
}

func (d *decoder) full(n int) []byte {
	if d.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.fail(err)
		return nil
	}
	return b
}

func (d *decoder) node(width int, size *int, depth int) *node {
	if d.err != nil {
		return nil
	}
	if depth > 1<<12 {
		d.fail(errors.New("tree too deep"))
		return nil
	}

	tag, err := d.r.ReadByte()
	if err != nil {
		d.fail(err)
		return nil
	}

	switch tag {
	case tagLeaf:
		count := d.uvarint()
		n := &node{}
		for i := uint64(0); i < count && d.err == nil; i++ {
			idLen := d.uvarint()
			if idLen > MaxIDLen {
				d.fail(fmt.Errorf("id length %d", idLen))
				break
			}
			id := d.full(int(idLen))
			fp := d.full(width)
			if d.err != nil {
				break
			}
			n.points = append(n.points, Point{ID: string(id), Fingerprint: fingerprint.Fingerprint(fp)})
			*size++
		}
		return n
	case tagInner:
		n := &node{vantage: fingerprint.Fingerprint(d.full(width))}
		n.mu = int(d.uvarint())
		n.inner = d.node(width, size, depth+1)
		n.outer = d.node(width, size, depth+1)
		return n
	default:
		d.fail(fmt.Errorf("unknown node tag 0x%02x", tag))
		return nil
	}
}

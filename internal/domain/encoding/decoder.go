package encoding

import (
	"bytes"
	"strings"
	"unicode/utf8"

	xenc "golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"github.com/corey/logglance/internal/domain/lineindex"
)

// Decoder turns successive chunks of a byte stream into decoded lines.
//
// Lines are cut on encoded newlines before decoding, so the bytes of an
// unterminated line, including a partial multi-byte character, wait in the
// remainder until their terminator arrives. Feeding any chunking of a stream
// yields the same lines as feeding it whole. A Decoder is owned by one
// goroutine.
type Decoder struct {
	enc    *Encoding
	dec    *xenc.Decoder
	nl     []byte
	rem    []byte
	offset int64 // file offset of rem[0]
	lossy  int
}

// NewDecoder returns a Decoder for enc whose first fed byte sits at file
// offset offset.
func NewDecoder(enc *Encoding, offset int64) *Decoder {
	return &Decoder{
		enc:    enc,
		dec:    enc.enc.NewDecoder(),
		nl:     enc.newline(),
		offset: offset,
	}
}

// Encoding returns the decoder's encoding.
func (d *Decoder) Encoding() *Encoding { return d.enc }

// Offset returns the file offset where the undecoded remainder starts; this
// is always a line boundary.
func (d *Decoder) Offset() int64 { return d.offset }

// End returns the file offset just past the last fed byte.
func (d *Decoder) End() int64 { return d.offset + int64(len(d.rem)) }

// Remainder returns the bytes fed but not yet part of a complete line.
func (d *Decoder) Remainder() []byte { return d.rem }

// Lossy returns how many lines needed replacement characters so far.
func (d *Decoder) Lossy() int { return d.lossy }

// Reset discards the remainder and repositions the decoder at offset.
func (d *Decoder) Reset(offset int64) {
	d.rem = d.rem[:0]
	d.offset = offset
}

// Feed appends p to the remainder and returns every line it completes.
// The returned lines have Terminated set and Number left zero.
func (d *Decoder) Feed(p []byte) []lineindex.Line {
	buf := p
	if len(d.rem) > 0 {
		d.rem = append(d.rem, p...)
		buf = d.rem
	}

	var lines []lineindex.Line
	start := 0
	for {
		i := d.indexNewline(buf[start:])
		if i < 0 {
			break
		}
		end := start + i + len(d.nl)
		lines = append(lines, lineindex.Line{
			Offset:     d.offset + int64(start),
			Size:       end - start,
			Text:       d.decodeLine(buf[start:end]),
			Terminated: true,
		})
		start = end
	}

	d.offset += int64(start)
	if len(d.rem) > 0 {
		n := copy(d.rem, d.rem[start:])
		d.rem = d.rem[:n]
	} else {
		d.rem = append(d.rem[:0], buf[start:]...)
	}
	return lines
}

// Pending renders the remainder as an open line. Only complete characters
// are decoded; a trailing partial sequence stays hidden until it completes.
func (d *Decoder) Pending() (lineindex.Line, bool) {
	if len(d.rem) == 0 {
		return lineindex.Line{}, false
	}
	var text string
	if d.enc == UTF8 && utf8.Valid(d.rem) {
		text = string(d.rem)
	} else {
		text = d.decodePrefix(d.rem)
	}
	return lineindex.Line{
		Offset: d.offset,
		Size:   len(d.rem),
		Text:   strings.TrimSuffix(text, "\r"),
	}, true
}

func (d *Decoder) indexNewline(b []byte) int {
	if len(d.nl) == 1 {
		return bytes.IndexByte(b, '\n')
	}
	w := len(d.nl)
	for i := 0; i+w <= len(b); i += w {
		if bytes.Equal(b[i:i+w], d.nl) {
			return i
		}
	}
	return -1
}

func (d *Decoder) decodeLine(raw []byte) string {
	var text string
	if d.enc == UTF8 && utf8.Valid(raw) {
		text = string(raw)
	} else {
		out, err := d.dec.Bytes(raw)
		if err != nil {
			text = strings.ToValidUTF8(string(raw), "\uFFFD")
		} else {
			text = string(out)
		}
		if d.enc == UTF8 || strings.ContainsRune(text, utf8.RuneError) {
			d.lossy++
		}
	}
	text = strings.TrimSuffix(text, "\n")
	return strings.TrimSuffix(text, "\r")
}

// decodePrefix decodes as much of src as forms complete characters.
func (d *Decoder) decodePrefix(src []byte) string {
	d.dec.Reset()
	var sb strings.Builder
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	for len(src) > 0 {
		nDst, nSrc, err := d.dec.Transform(dst, src, false)
		sb.Write(dst[:nDst])
		src = src[nSrc:]
		if err == transform.ErrShortDst {
			if nDst == 0 && nSrc == 0 {
				dst = make([]byte, 2*len(dst))
			}
			continue
		}
		break
	}
	return sb.String()
}

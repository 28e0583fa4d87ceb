// Package encoding infers the text encoding of log files and incrementally
// decodes their bytes into lines.
//
// Decoding is built on golang.org/x/text. Every supported encoding carries
// its code unit width so that line terminators can be found in raw bytes
// before any character is decoded; a multi-byte character split across two
// reads therefore always stays inside the undecoded remainder.
package encoding

import (
	"errors"
	"fmt"
	"strings"

	xenc "golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// ErrUnknownEncoding is returned by Lookup for labels no decoder exists for.
var ErrUnknownEncoding = errors.New("unknown encoding")

// Encoding is a named text encoding plus the framing needed to split raw
// bytes into lines.
type Encoding struct {
	name   string
	enc    xenc.Encoding
	unit   int  // code unit width in bytes: 1, 2 or 4
	big    bool // big-endian code units (unit > 1)
	single bool // every byte is one character
}

// Name returns the canonical WHATWG-style name (e.g. "windows-1252").
func (e *Encoding) Name() string { return e.name }

// SingleByte reports whether every byte decodes to exactly one character.
// Single-byte decoders never emit replacement glyphs for valid input.
func (e *Encoding) SingleByte() bool { return e.single }

// UnitWidth returns the code unit width in bytes.
func (e *Encoding) UnitWidth() int { return e.unit }

func (e *Encoding) String() string { return e.name }

// Decode converts b to text in one shot, replacing invalid sequences with
// U+FFFD. Intended for small buffers; streams go through Decoder.
func (e *Encoding) Decode(b []byte) string {
	out, err := e.enc.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	return string(out)
}

// newline returns the encoded form of '\n' for this encoding.
func (e *Encoding) newline() []byte {
	switch e.unit {
	case 2:
		if e.big {
			return []byte{0, '\n'}
		}
		return []byte{'\n', 0}
	case 4:
		if e.big {
			return []byte{0, 0, 0, '\n'}
		}
		return []byte{'\n', 0, 0, 0}
	default:
		return []byte{'\n'}
	}
}

func ascii(name string, enc xenc.Encoding, single bool) *Encoding {
	return &Encoding{name: name, enc: enc, unit: 1, single: single}
}

var (
	UTF8    = ascii("UTF-8", unicode.UTF8, false)
	UTF16BE = &Encoding{name: "UTF-16BE", enc: unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), unit: 2, big: true}
	UTF16LE = &Encoding{name: "UTF-16LE", enc: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), unit: 2}
	UTF32BE = &Encoding{name: "UTF-32BE", enc: utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM), unit: 4, big: true}
	UTF32LE = &Encoding{name: "UTF-32LE", enc: utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM), unit: 4}

	Windows1252 = ascii("windows-1252", charmap.Windows1252, true)
)

// available is the user-selectable list, in display order.
var available = []*Encoding{
	UTF8,
	UTF16BE,
	UTF16LE,
	ascii("ISO-8859-2", charmap.ISO8859_2, true),
	ascii("ISO-8859-3", charmap.ISO8859_3, true),
	ascii("ISO-8859-4", charmap.ISO8859_4, true),
	ascii("ISO-8859-5", charmap.ISO8859_5, true),
	ascii("ISO-8859-6", charmap.ISO8859_6, true),
	ascii("ISO-8859-7", charmap.ISO8859_7, true),
	ascii("ISO-8859-8", charmap.ISO8859_8, true),
	ascii("ISO-8859-10", charmap.ISO8859_10, true),
	ascii("ISO-8859-13", charmap.ISO8859_13, true),
	ascii("ISO-8859-14", charmap.ISO8859_14, true),
	ascii("ISO-8859-15", charmap.ISO8859_15, true),
	ascii("ISO-8859-16", charmap.ISO8859_16, true),
	ascii("windows-874", charmap.Windows874, true),
	ascii("windows-1250", charmap.Windows1250, true),
	ascii("windows-1251", charmap.Windows1251, true),
	Windows1252,
	ascii("windows-1253", charmap.Windows1253, true),
	ascii("windows-1254", charmap.Windows1254, true),
	ascii("windows-1255", charmap.Windows1255, true),
	ascii("windows-1256", charmap.Windows1256, true),
	ascii("windows-1257", charmap.Windows1257, true),
	ascii("windows-1258", charmap.Windows1258, true),
	ascii("GBK", simplifiedchinese.GBK, false),
	ascii("Big5", traditionalchinese.Big5, false),
	ascii("EUC-JP", japanese.EUCJP, false),
	ascii("EUC-KR", korean.EUCKR, false),
	ascii("IBM866", charmap.CodePage866, true),
	ascii("gb18030", simplifiedchinese.GB18030, false),
	ascii("KOI8-R", charmap.KOI8R, true),
	ascii("KOI8-U", charmap.KOI8U, true),
	ascii("Shift_JIS", japanese.ShiftJIS, false),
}

// detectionOnly encodings can be detected (BOM, chardet) or named
// explicitly but are not offered in the selectable list.
var detectionOnly = []*Encoding{
	UTF32BE,
	UTF32LE,
	ascii("ISO-2022-JP", japanese.ISO2022JP, false),
}

// aliases maps normalized labels onto canonical names. Latin-1 and Latin-5
// resolve to their Windows supersets the way WHATWG decoders do.
var aliases = map[string]string{
	"utf8":         "utf-8",
	"ascii":        "windows-1252",
	"us-ascii":     "windows-1252",
	"latin1":       "windows-1252",
	"iso-8859-1":   "windows-1252",
	"iso8859-1":    "windows-1252",
	"cp1252":       "windows-1252",
	"latin2":       "iso-8859-2",
	"iso-8859-9":   "windows-1254",
	"latin5":       "windows-1254",
	"iso-8859-8-i": "iso-8859-8",
	"iso-8859-11":  "windows-874",
	"cp1250":       "windows-1250",
	"cp1251":       "windows-1251",
	"cp866":        "ibm866",
	"gb-18030":     "gb18030",
	"gb2312":       "gbk",
	"sjis":         "shift-jis",
	"ms932":        "shift-jis",
	"koi8r":        "koi8-r",
	"utf16be":      "utf-16be",
	"utf16le":      "utf-16le",
	"utf32be":      "utf-32be",
	"utf32le":      "utf-32le",
}

var byName = func() map[string]*Encoding {
	m := make(map[string]*Encoding, len(available)+len(detectionOnly))
	for _, e := range available {
		m[normalize(e.name)] = e
	}
	for _, e := range detectionOnly {
		m[normalize(e.name)] = e
	}
	return m
}()

func normalize(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	return strings.ReplaceAll(s, "_", "-")
}

// Available returns the selectable encodings in display order.
func Available() []*Encoding {
	out := make([]*Encoding, len(available))
	copy(out, available)
	return out
}

// Lookup resolves a label (canonical name, common alias or chardet charset
// name) to a supported encoding.
func Lookup(label string) (*Encoding, error) {
	key := normalize(label)
	if canon, ok := aliases[key]; ok {
		key = canon
	}
	if e, ok := byName[key]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, label)
}

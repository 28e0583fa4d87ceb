package encoding

import (
	"bytes"
	"errors"
	"sort"
	"unicode/utf8"

	"github.com/saintfish/chardet"
)

// ErrAmbiguous marks a detection that fell back to a default encoding
// because no candidate was confident enough.
var ErrAmbiguous = errors.New("encoding detection ambiguous")

// DefaultMinConfidence is the chardet confidence (0-100) a candidate needs
// before it is trusted over the fallback.
const DefaultMinConfidence = 50

// DefaultSampleBytes is how much of a file is handed to Detect at open.
const DefaultSampleBytes = 64 * 1024

// utf16SniffBytes bounds the BOM-less UTF-16 heuristic.
const utf16SniffBytes = 4096

// Source records which rule produced a Detection.
type Source string

const (
	SourceBOM         Source = "bom"
	SourceASCII       Source = "ascii"
	SourceUTF8        Source = "utf8"
	SourceUTF16       Source = "utf16-heuristic"
	SourceStatistical Source = "chardet"
	SourceFallback    Source = "fallback"
	SourceForced      Source = "forced"
)

// Detection is the outcome of inferring a sample's encoding.
type Detection struct {
	Encoding   *Encoding
	Confidence int    // 0-100
	Source     Source
	BOMLen     int    // bytes of byte-order mark at the start of the file
	Ambiguous  bool   // low confidence, Encoding is a fallback
	Charset    string // best raw chardet label, if chardet was consulted
}

// Err returns ErrAmbiguous for fallback detections and nil otherwise.
func (d Detection) Err() error {
	if d.Ambiguous {
		return ErrAmbiguous
	}
	return nil
}

// Forced returns a Detection for an encoding chosen by the user.
func Forced(enc *Encoding) Detection {
	return Detection{Encoding: enc, Confidence: 100, Source: SourceForced}
}

// Candidate is one ranked guess from a statistical guesser.
type Candidate struct {
	Charset    string
	Language   string
	Confidence int
}

// Guesser ranks candidate charsets for a sample, best first.
type Guesser interface {
	Guess(sample []byte) []Candidate
}

type chardetGuesser struct{}

func (chardetGuesser) Guess(sample []byte) []Candidate {
	results, err := chardet.NewTextDetector().DetectAll(sample)
	if err != nil {
		return nil
	}
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, Candidate{Charset: r.Charset, Language: r.Language, Confidence: r.Confidence})
	}
	return out
}

// Detector infers encodings. The zero value is not usable; see NewDetector.
type Detector struct {
	MinConfidence int
	Guesser       Guesser
}

// NewDetector returns a Detector backed by chardet. A non-positive
// minConfidence selects DefaultMinConfidence.
func NewDetector(minConfidence int) *Detector {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Detector{MinConfidence: minConfidence, Guesser: chardetGuesser{}}
}

// Detect infers the encoding of sample. complete reports whether sample is
// the entire file; when it is not, a multi-byte character cut by the sample
// boundary does not count against UTF-8. Detect never fails: low-confidence
// samples yield an Ambiguous fallback.
func (d *Detector) Detect(sample []byte, complete bool) Detection {
	if enc, n := sniffBOM(sample); enc != nil {
		return Detection{Encoding: enc, Confidence: 100, Source: SourceBOM, BOMLen: n}
	}
	if enc, conf := sniffUTF16(sample); enc != nil {
		return Detection{Encoding: enc, Confidence: conf, Source: SourceUTF16}
	}
	if isASCII(sample) {
		return Detection{Encoding: UTF8, Confidence: 100, Source: SourceASCII}
	}

	body := sample
	if !complete {
		body = trimPartialRune(sample)
	}
	if utf8.Valid(body) {
		return Detection{Encoding: UTF8, Confidence: 100, Source: SourceUTF8}
	}

	var best string
	if d.Guesser != nil {
		candidates := d.Guesser.Guess(sample)
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Confidence > candidates[j].Confidence
		})
		for _, c := range candidates {
			enc, err := Lookup(c.Charset)
			if err != nil || enc.unit > 1 || enc == UTF8 {
				// The sample is already known not to be UTF-8/16/32.
				continue
			}
			if best == "" {
				best = c.Charset
			}
			if c.Confidence >= d.MinConfidence {
				return Detection{Encoding: enc, Confidence: c.Confidence, Source: SourceStatistical, Charset: c.Charset}
			}
		}
	}

	det := Detection{Source: SourceFallback, Ambiguous: true, Charset: best}
	if looksSingleByteText(sample) {
		// Windows-1252 decodes every byte, so legacy Latin text stays readable.
		det.Encoding = Windows1252
	} else {
		det.Encoding = UTF8
	}
	return det
}

func sniffBOM(b []byte) (*Encoding, int) {
	switch {
	case bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}):
		return UTF8, 3
	case bytes.HasPrefix(b, []byte{0xFF, 0xFE, 0x00, 0x00}):
		return UTF32LE, 4
	case bytes.HasPrefix(b, []byte{0x00, 0x00, 0xFE, 0xFF}):
		return UTF32BE, 4
	case bytes.HasPrefix(b, []byte{0xFE, 0xFF}):
		return UTF16BE, 2
	case bytes.HasPrefix(b, []byte{0xFF, 0xFE}):
		return UTF16LE, 2
	}
	return nil, 0
}

// sniffUTF16 recognizes BOM-less UTF-16 by NUL bytes concentrated on one
// side of each code unit, as mostly-ASCII text produces.
func sniffUTF16(b []byte) (*Encoding, int) {
	if len(b) > utf16SniffBytes {
		b = b[:utf16SniffBytes]
	}
	pairs := len(b) / 2
	if pairs < 2 {
		return nil, 0
	}
	var zeroEven, zeroOdd int
	for i := 0; i+1 < len(b); i += 2 {
		switch {
		case b[i] == 0 && b[i+1] != 0:
			zeroEven++
		case b[i] != 0 && b[i+1] == 0:
			zeroOdd++
		}
	}
	switch {
	case zeroOdd*10 >= pairs*4 && zeroEven*10 < pairs:
		return UTF16LE, zeroOdd * 100 / pairs
	case zeroEven*10 >= pairs*4 && zeroOdd*10 < pairs:
		return UTF16BE, zeroEven * 100 / pairs
	}
	return nil, 0
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c == 0 || c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// trimPartialRune drops an incomplete UTF-8 sequence at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i]
			}
			break
		}
	}
	return b
}

// looksSingleByteText reports whether b is free of the C0 control bytes
// that never appear in text.
func looksSingleByteText(b []byte) bool {
	for _, c := range b {
		switch {
		case c == '\t', c == '\n', c == '\v', c == '\f', c == '\r', c == 0x1B:
		case c < 0x20:
			return false
		}
	}
	return true
}

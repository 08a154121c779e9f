package fieldmap

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mozillazg/go-pinyin"
	"github.com/zeebo/xxh3"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Generated name prefixes. The phonetic and hash forms never collide because
// their prefixes differ.
const (
	PhoneticPrefix = "auto_"
	HashPrefix     = "unknown_"

	// MaxIdentifierLen is the longest generated name; it matches the
	// Postgres identifier limit.
	MaxIdentifierLen = 63
)

var pinyinArgs = pinyin.NewArgs() // Normal style: no tones, no heteronyms

// GenerateName derives a stable sink column name for an unmapped field.
//
//	"客戶地址"     -> "auto_kehudizhi"
//	"Order No."  -> "auto_order_no"
//	"★★"         -> "unknown_<16 hex digits>"
func GenerateName(sourceField string) string {
	if body := transliterate(sourceField); body != "" && len(PhoneticPrefix)+len(body) <= MaxIdentifierLen {
		return PhoneticPrefix + body
	}
	return HashName(sourceField)
}

// HashName is the hash-based form used when transliteration yields nothing
// usable.
func HashName(sourceField string) string {
	return fmt.Sprintf("%s%016x", HashPrefix, xxh3.HashString(sourceField))
}

// fold applies compatibility width folding and strips combining marks, so
// "Ｃａｆé" reads as "Cafe". A transformer chain is stateful, so one is
// built per call.
func fold(s string) string {
	t := transform.Chain(width.Fold, norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// transliterate returns the identifier body: lowercase ASCII letters and
// digits, Han characters as toneless pinyin, everything else collapsed into
// single underscores. The result has no leading or trailing underscore.
func transliterate(sourceField string) string {
	var b strings.Builder
	sep := false
	emit := func(s string) {
		if sep && b.Len() > 0 {
			b.WriteByte('_')
		}
		sep = false
		b.WriteString(s)
	}

	for _, r := range fold(sourceField) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			emit(string(unicode.ToLower(r)))
		case unicode.Is(unicode.Han, r):
			syl := ""
			if py := pinyin.SinglePinyin(r, pinyinArgs); len(py) > 0 {
				syl = asciiSyllable(py[0])
			}
			if syl == "" {
				sep = true
				continue
			}
			emit(syl)
		default:
			sep = true
		}
	}
	return b.String()
}

// asciiSyllable keeps a-z from a pinyin syllable and spells ü as v.
func asciiSyllable(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(unicode.ToLower(r))
		case r == 'ü':
			b.WriteByte('v')
		}
	}
	return b.String()
}

package normalize

import "strings"

// confusableMap maps the most common cross-script homoglyphs to ASCII.
// Covers Cyrillic and Greek characters that visually resemble Latin letters.
var confusableMap = map[rune]rune{
	// Cyrillic → Latin
	'а': 'a', // а
	'е': 'e', // е
	'і': 'i', // і (Ukrainian)
	'о': 'o', // о
	'р': 'p', // р
	'с': 'c', // с
	'у': 'y', // у
	'х': 'x', // х
	'ъ': 'b', // ъ (looks like b in some fonts)
	'А': 'A', // А
	'В': 'B', // В
	'Е': 'E', // Е
	'К': 'K', // К
	'М': 'M', // М
	'Н': 'H', // Н
	'О': 'O', // О
	'Р': 'P', // Р
	'С': 'C', // С
	'Т': 'T', // Т
	'Х': 'X', // Х
	'Ч': 'Y', // Ч (loose)
	// Greek → Latin
	'α': 'a', // α
	'ε': 'e', // ε
	'ι': 'i', // ι
	'ο': 'o', // ο
	'ρ': 'p', // ρ
	'τ': 't', // τ (loose)
	'Α': 'A', // Α
	'Β': 'B', // Β
	'Ε': 'E', // Ε
	'Η': 'H', // Η
	'Ι': 'I', // Ι
	'Κ': 'K', // Κ
	'Μ': 'M', // Μ
	'Ν': 'N', // Ν
	'Ο': 'O', // Ο
	'Ρ': 'P', // Ρ
	'Τ': 'T', // Τ
	'Χ': 'X', // Χ
	'Υ': 'Y', // Υ
	'Ζ': 'Z', // Ζ
	// Latin small capitals (U+1D00 block) which survive NFKC normalization
	'ᴀ': 'a', // ᴀ
	'ᴄ': 'c', // ᴄ
	'ᴅ': 'd', // ᴅ
	'ᴇ': 'e', // ᴇ
	'ɢ': 'g', // ɢ
	'ʜ': 'h', // ʜ
	'ɪ': 'i', // ɪ
	'ᴊ': 'j', // ᴊ
	'ᴋ': 'k', // ᴋ
	'ʟ': 'l', // ʟ
	'ᴍ': 'm', // ᴍ
	'ɴ': 'n', // ɴ
	'ᴏ': 'o', // ᴏ
	'ᴘ': 'p', // ᴘ
	'ʀ': 'r', // ʀ
	'ꜱ': 's', // ꜱ
	'ᴛ': 't', // ᴛ
	'ᴜ': 'u', // ᴜ
	'ᴠ': 'v', // ᴠ
	'ᴡ': 'w', // ᴡ
}

// invisibleRunes is the set of zero-width and formatting Unicode characters
// stripped from commands. They are invisible to a human reviewing the
// command but change what pattern matching sees: "ba‍sh" looks
// like "bash" but matches no shell-spawn pattern without stripping.
var invisibleRunes = map[rune]bool{
	'​': true, // zero-width space
	'‌': true, // zero-width non-joiner
	'‍': true, // zero-width joiner
	'\uFEFF': true, // zero-width no-break space (BOM)
	'­': true, // soft hyphen
	'͏': true, // combining grapheme joiner
	'؜': true, // arabic letter mark
	'᠎': true, // mongolian vowel separator
	'⁠': true, // word joiner
	'⁡': true, // function application
	'⁢': true, // invisible times
	'⁣': true, // invisible separator
	'⁤': true, // invisible plus
	'⁪': true, // inhibit symmetric swapping
	'⁫': true, // activate symmetric swapping
	'⁬': true, // inhibit arabic form shaping
	'⁭': true, // activate arabic form shaping
	'⁮': true, // national digit shapes
	'⁯': true, // nominal digit shapes
	'‎': true, // left-to-right mark
	'‏': true, // right-to-left mark
	'‪': true, // left-to-right embedding
	'‫': true, // right-to-left embedding
	'‬': true, // pop directional formatting
	'‭': true, // left-to-right override
	'‮': true, // right-to-left override
}

// stripInvisible removes zero-width and formatting Unicode characters.
func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		if invisibleRunes[r] {
			return -1 // drop
		}
		return r
	}, s)
}

// stripConfusables replaces cross-script homoglyphs with ASCII equivalents.
func stripConfusables(s string) string {
	return strings.Map(func(r rune) rune {
		if ascii, ok := confusableMap[r]; ok {
			return ascii
		}
		return r
	}, s)
}

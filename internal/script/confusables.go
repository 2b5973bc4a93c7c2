package script

import "strings"

// confusables maps look-alike letters from other scripts to ASCII.
// Fullwidth and mathematical forms are left to NFKC.
var confusables = map[rune]rune{
	// Cyrillic
	'А': 'A', 'В': 'B', 'С': 'C', 'Е': 'E', 'Н': 'H',
	'І': 'I', 'Ј': 'J', 'К': 'K', 'М': 'M', 'О': 'O',
	'Р': 'P', 'Ѕ': 'S', 'Т': 'T', 'Х': 'X', 'У': 'Y',
	'а': 'a', 'е': 'e', 'і': 'i', 'ј': 'j', 'о': 'o',
	'р': 'p', 'с': 'c', 'ѕ': 's', 'у': 'y', 'х': 'x',
	'һ': 'h', 'ԁ': 'd', 'ԛ': 'q', 'ԝ': 'w',

	// Greek
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Ζ': 'Z', 'Η': 'H',
	'Ι': 'I', 'Κ': 'K', 'Μ': 'M', 'Ν': 'N', 'Ο': 'O',
	'Ρ': 'P', 'Τ': 'T', 'Υ': 'Y', 'Χ': 'X',
	'α': 'a', 'ι': 'i', 'κ': 'k', 'ν': 'v', 'ο': 'o',
	'ρ': 'p', 'υ': 'u',

	// Armenian
	'Օ': 'O', 'օ': 'o', 'Ս': 'S', 'ս': 's',
	'հ': 'h', 'ո': 'n', 'ա': 'a',

	// Cherokee
	'Ꭺ': 'A', 'Ꭲ': 'I', 'Ꮢ': 'P', 'Ꮪ': 'S',
	'Ꭱ': 'E', 'Ꮃ': 'W', 'Ꮤ': 'T',

	// Latin small capitals that survive NFKC
	'ᴀ': 'A', 'ʙ': 'B', 'ᴄ': 'C', 'ᴅ': 'D', 'ᴇ': 'E',
	'ɢ': 'G', 'ʜ': 'H', 'ɪ': 'I', 'ᴊ': 'J', 'ᴋ': 'K',
	'ʟ': 'L', 'ᴍ': 'M', 'ɴ': 'N', 'ᴏ': 'O', 'ᴘ': 'P',
	'ʀ': 'R', 'ꜱ': 'S', 'ᴛ': 'T', 'ᴜ': 'U', 'ᴠ': 'V',
	'ᴡ': 'W', 'ʏ': 'Y', 'ᴢ': 'Z',
}

// IsConfusable reports whether r has an ASCII look-alike in the fold table.
func IsConfusable(r rune) bool {
	_, ok := confusables[r]
	return ok
}

// FoldConfusables replaces every confusable rune in s with its ASCII look-alike.
func FoldConfusables(s string) string {
	if !strings.ContainsFunc(s, IsConfusable) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if c, ok := confusables[r]; ok {
			return c
		}
		return r
	}, s)
}

package lang

import "unicode"

// Tag is a detected language tag. The set is closed: texts that match none
// of the script heuristics resolve to TagEN.
type Tag string

const (
	TagZH Tag = "zh"
	TagVI Tag = "vi"
	TagJA Tag = "ja"
	TagKO Tag = "ko"
	TagRU Tag = "ru"
	TagAR Tag = "ar"
	TagEN Tag = "en"
)

// detectPriority breaks ties between equal script counts. Earlier wins.
var detectPriority = []Tag{TagZH, TagJA, TagKO, TagRU, TagAR, TagVI}

// minScriptRunes is the absolute count a script must reach before it can win.
const minScriptRunes = 1

// vietnameseDiacritics are Latin code points that only occur in Vietnamese
// orthography (plus the stacked-diacritic vowels). ASCII Latin is excluded on
// purpose: plain English text must not count toward vi.
var vietnameseDiacritics = map[rune]struct{}{}

func init() {
	for _, r := range "ăâđêôơưĂÂĐÊÔƠƯ" +
		"áàảãạấầẩẫậắằẳẵặÁÀẢÃẠẤẦẨẪẬẮẰẲẴẶ" +
		"éèẻẽẹếềểễệÉÈẺẼẸẾỀỂỄỆ" +
		"íìỉĩịÍÌỈĨỊ" +
		"óòỏõọốồổỗộớờởỡợÓÒỎÕỌỐỒỔỖỘỚỜỞỠỢ" +
		"úùủũụứừửữựÚÙỦŨỤỨỪỬỮỰ" +
		"ýỳỷỹỵÝỲỶỸỴ" {
		vietnameseDiacritics[r] = struct{}{}
	}
}

// Detect classifies text into one language tag by counting code points per
// Unicode script block. The heuristic is intentionally coarse: mixed-language
// inputs resolve to the dominant script, and anything unrecognized is en.
func Detect(text string) Tag {
	counts := map[Tag]int{}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			counts[TagZH]++
		case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			counts[TagJA]++
		case unicode.Is(unicode.Hangul, r):
			counts[TagKO]++
		case unicode.Is(unicode.Cyrillic, r):
			counts[TagRU]++
		case unicode.Is(unicode.Arabic, r):
			counts[TagAR]++
		default:
			if _, ok := vietnameseDiacritics[r]; ok {
				counts[TagVI]++
			}
		}
	}

	best := TagEN
	bestCount := 0
	for _, tag := range detectPriority {
		if c := counts[tag]; c >= minScriptRunes && c > bestCount {
			best = tag
			bestCount = c
		}
	}
	return best
}

// Valid reports whether tag belongs to the closed tag set.
func Valid(tag Tag) bool {
	switch tag {
	case TagZH, TagVI, TagJA, TagKO, TagRU, TagAR, TagEN:
		return true
	}
	return false
}

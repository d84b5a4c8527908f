package authorize

import "strings"

// numberWords maps spoken number words, including common transcription
// homophones, to digits.
var numberWords = map[string]string{
	"zero": "0", "oh": "0", "o": "0",
	"one": "1", "won": "1",
	"two": "2", "to": "2", "too": "2",
	"three": "3", "tree": "3",
	"four": "4", "for": "4", "fore": "4",
	"five": "5",
	"six": "6", "sicks": "6",
	"seven": "7",
	"eight": "8", "ate": "8",
	"nine": "9", "nein": "9",
}

// NormalizeDigits extracts a digit string from a speech transcript:
// literal digits pass through, number words and their homophones are
// mapped, everything else is dropped. "my pin is one 2 tree four"
// becomes "1234".
func NormalizeDigits(text string) string {
	var b strings.Builder
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}
		if d, ok := numberWords[word]; ok {
			b.WriteString(d)
			continue
		}
		for _, r := range word {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

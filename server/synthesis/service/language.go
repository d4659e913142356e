package service

import (
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
)

const (
	FallbackLanguage   = "English"
	languageSampleRune = 100
)

type LanguageDetector interface {
	Detect(text string) string
}

// WhatlangDetector names the language of a question. Unreliable guesses fall
// back to English.
type WhatlangDetector struct{}

func (WhatlangDetector) Detect(text string) string {
	sample := firstRunes(text, languageSampleRune)
	if sample == "" {
		return FallbackLanguage
	}
	info := whatlanggo.Detect(sample)
	if !info.IsReliable() {
		return FallbackLanguage
	}
	name := info.Lang.String()
	if name == "" {
		return FallbackLanguage
	}
	return name
}

func firstRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

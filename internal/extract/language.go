package extract

import (
	"strings"
	"unicode"

	"github.com/eventpulse/harvester/internal/pipeline"
)

// Language profiling is lexical only: we count high-frequency function
// words from the local audience language against English ones and
// classify the mix. Anything too short or dominated by neither list is
// "other".
var nativeFunctionWords = map[string]struct{}{
	"der": {}, "die": {}, "das": {}, "und": {}, "mit": {}, "von": {},
	"für": {}, "auf": {}, "ein": {}, "eine": {}, "im": {}, "am": {},
	"um": {}, "uhr": {}, "bei": {}, "nach": {}, "aus": {}, "zum": {},
	"zur": {}, "nicht": {}, "auch": {}, "wird": {}, "sind": {}, "oder": {},
	"werden": {}, "eintritt": {}, "frei": {}, "ab": {}, "bis": {},
}

var foreignFunctionWords = map[string]struct{}{
	"the": {}, "and": {}, "with": {}, "from": {}, "for": {}, "this": {},
	"that": {}, "will": {}, "are": {}, "you": {}, "your": {}, "our": {},
	"join": {}, "free": {}, "entry": {}, "tickets": {}, "doors": {},
	"open": {}, "at": {}, "of": {}, "to": {}, "on": {}, "is": {},
}

const minScoredTokens = 5

// DetectLanguageProfile classifies text by the ratio of native to
// foreign function words.
func DetectLanguageProfile(text string) pipeline.LanguageProfile {
	native, foreign, total := 0, 0, 0
	for _, token := range tokenize(text) {
		total++
		if _, ok := nativeFunctionWords[token]; ok {
			native++
		}
		if _, ok := foreignFunctionWords[token]; ok {
			foreign++
		}
	}
	if total < minScoredTokens {
		return pipeline.LanguageOther
	}

	scored := native + foreign
	if scored == 0 {
		return pipeline.LanguageOther
	}

	nativeShare := float64(native) / float64(scored)
	switch {
	case nativeShare >= 0.8:
		return pipeline.LanguageNative
	case nativeShare <= 0.2:
		return pipeline.LanguageForeign
	default:
		return pipeline.LanguageMixed
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

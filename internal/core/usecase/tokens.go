package usecase

import (
	"strings"
	"unicode/utf8"
)

// estimateTokens approximates model tokens by whitespace-separated words.
func estimateTokens(text string) int {
	return len(strings.Fields(text))
}

// truncateToTokens keeps the first budget words of text.
func truncateToTokens(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	words := strings.Fields(text)
	if len(words) <= budget {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:budget], " ")
}

func normalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

func truncateRunes(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}

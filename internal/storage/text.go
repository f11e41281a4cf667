package storage

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"janus-hls-bridge/internal/models"
)

// normalizeText trims s and converts it to NFC so visually equal titles
// compare and search equally regardless of how the client composed them.
func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// foldText case-folds s for substring search. A Caser keeps state, so one is
// built per call.
func foldText(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

func streamMatches(meta models.StreamMeta, fields []string, needle string) bool {
	if needle == "" {
		return true
	}
	for _, field := range fields {
		var value string
		switch field {
		case FieldTitle:
			value = meta.Title
		case FieldDescription:
			value = meta.Description
		case FieldStreamKey:
			value = meta.StreamKey
		}
		if strings.Contains(foldText(value), needle) {
			return true
		}
	}
	return false
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern builds an ILIKE substring pattern with wildcards in s escaped.
func likePattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

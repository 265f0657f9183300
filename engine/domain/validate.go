package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxQuestionLength = 4000

// ValidateChunkConfig enforces size > 0 and 0 <= overlap < size.
func ValidateChunkConfig(size, overlap int) error {
	if size <= 0 || overlap < 0 || overlap >= size {
		return InvalidChunkConfig(size, overlap)
	}
	return nil
}

// ValidateQuery checks a query before any provider is touched.
func ValidateQuery(q Query) error {
	text := strings.TrimSpace(q.Question)
	if text == "" {
		return NewValidationError("question", q.Question, ErrEmptyQuestion)
	}
	if utf8.RuneCountInString(text) > maxQuestionLength {
		return NewValidationError("question", string([]rune(text)[:64])+"...", ErrOutOfRange)
	}
	if strings.TrimSpace(q.Model) == "" {
		return NewValidationError("model", q.Model, ErrRequired)
	}
	return nil
}

// ValidatePaths rejects an empty path list or blank entries.
func ValidatePaths(paths []string) error {
	if len(paths) == 0 {
		return NewValidationError("file_paths", "", ErrRequired)
	}
	for i, p := range paths {
		if strings.TrimSpace(p) == "" {
			return NewValidationError(fmt.Sprintf("file_paths[%d]", i), p, ErrRequired)
		}
	}
	return nil
}

package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateChunkConfig_Invalid(t *testing.T) {
	cases := []struct{ size, overlap int }{
		{10, 10},
		{10, 11},
		{1, 1},
		{100, 1000},
		{0, 0},
		{-5, 0},
		{10, -1},
	}
	for _, c := range cases {
		err := ValidateChunkConfig(c.size, c.overlap)
		if !errors.Is(err, ErrInvalidChunkConfig) {
			t.Errorf("size=%d overlap=%d: expected ErrInvalidChunkConfig, got %v", c.size, c.overlap, err)
		}
	}
}

func TestValidateChunkConfig_Valid(t *testing.T) {
	cases := []struct{ size, overlap int }{
		{1, 0},
		{10, 9},
		{1000, 200},
	}
	for _, c := range cases {
		if err := ValidateChunkConfig(c.size, c.overlap); err != nil {
			t.Errorf("size=%d overlap=%d: unexpected %v", c.size, c.overlap, err)
		}
	}
}

func TestValidateQuery(t *testing.T) {
	if err := ValidateQuery(Query{Question: "What is it?", Model: "gemini-pro"}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := ValidateQuery(Query{Question: "   ", Model: "gemini-pro"}); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("expected ErrEmptyQuestion, got %v", err)
	}
	if err := ValidateQuery(Query{Question: "hi", Model: ""}); !errors.Is(err, ErrRequired) {
		t.Errorf("expected ErrRequired, got %v", err)
	}
	long := strings.Repeat("é", maxQuestionLength+1)
	if err := ValidateQuery(Query{Question: long, Model: "m"}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestValidatePaths(t *testing.T) {
	if err := ValidatePaths(nil); !errors.Is(err, ErrRequired) {
		t.Errorf("expected ErrRequired, got %v", err)
	}
	err := ValidatePaths([]string{"a.pdf", " "})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "file_paths[1]" {
		t.Errorf("expected field file_paths[1], got %v", err)
	}
	if err := ValidatePaths([]string{"a.pdf"}); err != nil {
		t.Errorf("unexpected: %v", err)
	}
}

package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const processSchema = `{
  "type": "object",
  "required": ["file_paths", "chunk_size", "chunk_overlap"],
  "properties": {
    "file_paths":           {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
    "chunk_size":           {"type": "integer"},
    "chunk_overlap":        {"type": "integer"},
    "embedding_model":      {"type": "string"},
    "load_strategy":        {"type": "string", "enum": ["all-or-nothing", "best-effort"]},
    "backend":              {"type": "string", "enum": ["exact", "hnsw", "qdrant"]},
    "similarity_threshold": {"type": "number"},
    "model":                {"type": "string"}
  }
}`

const querySchema = `{
  "type": "object",
  "required": ["question", "model"],
  "properties": {
    "question": {"type": "string"},
    "model":    {"type": "string"},
    "top_k":    {"type": "integer", "minimum": 1, "maximum": 50}
  }
}`

var (
	processLoader = gojsonschema.NewStringLoader(processSchema)
	queryLoader   = gojsonschema.NewStringLoader(querySchema)
)

// errSchema marks request bodies rejected before they reach the core.
var errSchema = errors.New("request does not match schema")

// validateBody checks a raw JSON body against schema.
func validateBody(schema gojsonschema.JSONLoader, body []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errSchema, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", errSchema, strings.Join(msgs, "; "))
}

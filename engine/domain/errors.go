package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindLoad
	KindInvalidChunkConfig
	KindEmbedding
	KindIndexNotReady
	KindRetrieval
	KindUnsupportedModel
	KindGeneration
)

// Sentinel errors, one per kind. errors.Is(err, ErrX) matches any *Error of that kind.
var (
	ErrLoad               = errors.New("load error")
	ErrInvalidChunkConfig = errors.New("invalid chunk config")
	ErrEmbedding          = errors.New("embedding error")
	ErrIndexNotReady      = errors.New("index not ready")
	ErrRetrieval          = errors.New("retrieval error")
	ErrUnsupportedModel   = errors.New("unsupported model")
	ErrGeneration         = errors.New("generation error")
)

// Causes that appear under the kinds above.
var (
	ErrDimensionMismatch     = errors.New("embedding dimension mismatch")
	ErrBatchMismatch         = errors.New("embedding batch size mismatch")
	ErrUnknownEmbeddingModel = errors.New("unknown embedding model")
	ErrMissingCredential     = errors.New("missing provider credential")
	ErrEmptyQuestion         = errors.New("question is empty")
	ErrNoDocuments           = errors.New("no documents loaded")
	ErrRequired              = errors.New("required")
	ErrOutOfRange            = errors.New("out of range")
)

var kindNames = map[Kind]string{
	KindUnknown:            "Unknown",
	KindLoad:               "LoadError",
	KindInvalidChunkConfig: "InvalidChunkConfig",
	KindEmbedding:          "EmbeddingError",
	KindIndexNotReady:      "IndexNotReady",
	KindRetrieval:          "RetrievalError",
	KindUnsupportedModel:   "UnsupportedModelError",
	KindGeneration:         "GenerationError",
}

var kindSentinels = map[Kind]error{
	KindLoad:               ErrLoad,
	KindInvalidChunkConfig: ErrInvalidChunkConfig,
	KindEmbedding:          ErrEmbedding,
	KindIndexNotReady:      ErrIndexNotReady,
	KindRetrieval:          ErrRetrieval,
	KindUnsupportedModel:   ErrUnsupportedModel,
	KindGeneration:         ErrGeneration,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Error is the structured failure returned by every core operation.
type Error struct {
	Kind     Kind
	Op       string
	Path     string // source file, for load failures
	Model    string // embedding or generation model
	Question string // annotated by the orchestrator
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (path=%q)", e.Path)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " (model=%q)", e.Model)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// LoadError reports an unreadable or unparseable document.
func LoadError(path string, err error) *Error {
	return &Error{Kind: KindLoad, Op: "load", Path: path, Err: err}
}

// InvalidChunkConfig reports bad chunking parameters.
func InvalidChunkConfig(size, overlap int) *Error {
	return &Error{
		Kind: KindInvalidChunkConfig,
		Op:   "chunk",
		Err:  fmt.Errorf("chunk_size=%d chunk_overlap=%d: overlap must be >= 0 and smaller than size > 0", size, overlap),
	}
}

// EmbeddingError reports a provider failure or a bad model name.
func EmbeddingError(model string, err error) *Error {
	return &Error{Kind: KindEmbedding, Op: "embed", Model: model, Err: err}
}

// IndexNotReady reports a query issued before any successful build.
func IndexNotReady() *Error {
	return &Error{Kind: KindIndexNotReady, Op: "search", Err: errors.New("no index has been built")}
}

// RetrievalError reports a failed index search.
func RetrievalError(err error) *Error {
	return &Error{Kind: KindRetrieval, Op: "search", Err: err}
}

// UnsupportedModelError reports a model name no provider family accepts.
func UnsupportedModelError(model string) *Error {
	return &Error{Kind: KindUnsupportedModel, Op: "resolve", Model: model, Err: fmt.Errorf("no provider family for %q", model)}
}

// GenerationError wraps a provider-specific LLM failure.
func GenerationError(model string, err error) *Error {
	return &Error{Kind: KindGeneration, Op: "generate", Model: model, Err: err}
}

// ValidationError wraps a sentinel with the offending request field.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

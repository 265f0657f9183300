// Package loader reads source files into page-level text units.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docsage/docsage/engine/domain"
)

// Strategy decides what a failing file does to the rest of the batch.
type Strategy string

const (
	// StrategyAllOrNothing aborts the batch on the first failure.
	StrategyAllOrNothing Strategy = "all-or-nothing"
	// StrategyBestEffort skips failing files and reports them.
	StrategyBestEffort Strategy = "best-effort"
)

// ParseStrategy maps a config value to a Strategy. Empty means all-or-nothing.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyAllOrNothing:
		return StrategyAllOrNothing, nil
	case StrategyBestEffort:
		return StrategyBestEffort, nil
	}
	return "", fmt.Errorf("loader: unknown strategy %q", s)
}

// Reader turns one file into a Document.
type Reader interface {
	Read(ctx context.Context, path string) (domain.Document, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, path string) (domain.Document, error)

func (f ReaderFunc) Read(ctx context.Context, path string) (domain.Document, error) {
	return f(ctx, path)
}

// FileError records a file skipped under StrategyBestEffort.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return e.Path + ": " + e.Err.Error() }

// MarshalJSON renders the error as a string.
func (e FileError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"path": e.Path, "error": e.Err.Error()})
}

// Loader dispatches files to a Reader by extension.
type Loader struct {
	strategy Strategy
	readers  map[string]Reader
	logger   *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithReader registers r for ext (e.g. ".pdf"), replacing any existing reader.
func WithReader(ext string, r Reader) Option {
	return func(l *Loader) { l.readers[strings.ToLower(ext)] = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// New returns a Loader with PDF and plain-text readers registered.
func New(strategy Strategy, opts ...Option) *Loader {
	if strategy == "" {
		strategy = StrategyAllOrNothing
	}
	l := &Loader{
		strategy: strategy,
		readers: map[string]Reader{
			".pdf": ReaderFunc(ReadPDF),
			".txt": ReaderFunc(ReadText),
			".md":  ReaderFunc(ReadText),
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Strategy returns the configured failure strategy.
func (l *Loader) Strategy() Strategy { return l.strategy }

// Load reads every path in order. Under StrategyAllOrNothing the first failure is
// returned as a LoadError. Under StrategyBestEffort failures are collected and an
// error is returned only when nothing could be loaded.
func (l *Loader) Load(ctx context.Context, paths []string) ([]domain.Document, []FileError, error) {
	docs := make([]domain.Document, 0, len(paths))
	var skipped []FileError

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, skipped, domain.LoadError(p, err)
		}
		doc, err := l.loadOne(ctx, p)
		if err != nil {
			if l.strategy == StrategyAllOrNothing {
				return nil, nil, err
			}
			l.logger.Warn("loader: skipping file", "path", p, "err", err)
			skipped = append(skipped, FileError{Path: p, Err: err})
			continue
		}
		docs = append(docs, doc)
	}

	if len(docs) == 0 && len(skipped) > 0 {
		return nil, skipped, domain.LoadError("", fmt.Errorf("%w: %d of %d files failed", domain.ErrNoDocuments, len(skipped), len(paths)))
	}
	return docs, skipped, nil
}

func (l *Loader) loadOne(ctx context.Context, path string) (domain.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.Document{}, domain.LoadError(path, err)
	}
	if info.IsDir() {
		return domain.Document{}, domain.LoadError(path, errors.New("is a directory"))
	}
	ext := strings.ToLower(filepath.Ext(path))
	r, ok := l.readers[ext]
	if !ok {
		return domain.Document{}, domain.LoadError(path, fmt.Errorf("unsupported file type %q", ext))
	}
	doc, err := r.Read(ctx, path)
	if err != nil {
		if domain.KindOf(err) == domain.KindLoad {
			return domain.Document{}, err
		}
		return domain.Document{}, domain.LoadError(path, err)
	}
	l.logger.Debug("loader: loaded", "path", path, "pages", len(doc.Pages))
	return doc, nil
}

// ReadText loads a UTF-8 text file as a single page.
func ReadText(_ context.Context, path string) (domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Document{}, domain.LoadError(path, err)
	}
	return domain.Document{
		ID: path,
		Pages: []domain.Page{{
			Source:   path,
			Number:   0,
			Text:     normalizeText(string(data)),
			Metadata: map[string]string{"source": path, "page": "0"},
		}},
	}, nil
}

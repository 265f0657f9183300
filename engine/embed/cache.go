package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Cache persists embeddings in a bbolt file, one bucket per model, keyed by the
// SHA-256 of the text.
type Cache struct {
	db    *bolt.DB
	onHit func(model string, hits, misses int)
	log   *slog.Logger
}

// OpenCache opens or creates the cache file at path.
func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	return &Cache{db: db, log: slog.Default()}, nil
}

// SetLogger replaces the logger used to report cache read and write failures.
func (c *Cache) SetLogger(l *slog.Logger) {
	if l != nil {
		c.log = l
	}
}

// OnLookup registers a callback invoked after every batch lookup.
func (c *Cache) OnLookup(f func(model string, hits, misses int)) { c.onHit = f }

func (c *Cache) Close() error { return c.db.Close() }

// Wrap returns e with lookups served from the cache where possible.
func (c *Cache) Wrap(e Embedder) Embedder { return &cached{Embedder: e, cache: c} }

func (c *Cache) get(model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(model))
		if b == nil {
			return nil
		}
		for i, t := range texts {
			if raw := b.Get(cacheKey(t)); raw != nil {
				out[i] = decodeVec(raw)
			}
		}
		return nil
	})
	return out, err
}

func (c *Cache) put(model string, texts []string, vecs [][]float32) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(model))
		if err != nil {
			return err
		}
		for i, t := range texts {
			if err := b.Put(cacheKey(t), encodeVec(vecs[i])); err != nil {
				return err
			}
		}
		return nil
	})
}

type cached struct {
	Embedder
	cache *Cache
}

func (c *cached) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.Model()
	out, err := c.cache.get(model, texts)
	if err != nil {
		// A broken cache degrades to the provider.
		c.cache.log.Warn("embed: cache read", "model", model, "err", err)
		out = make([][]float32, len(texts))
	}
	var missIdx []int
	var missing []string
	for i, v := range out {
		if v == nil {
			missIdx = append(missIdx, i)
			missing = append(missing, texts[i])
		}
	}
	if c.cache.onHit != nil {
		c.cache.onHit(model, len(texts)-len(missing), len(missing))
	}
	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.Embedder.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if err := checkBatch(model, missing, fresh); err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = fresh[j]
	}
	if err := c.cache.put(model, missing, fresh); err != nil {
		c.cache.log.Warn("embed: cache write", "model", model, "texts", len(missing), "err", err)
	}
	if err := checkBatch(model, texts, out); err != nil {
		return nil, err
	}
	return out, nil
}

func cacheKey(text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return sum[:]
}

func encodeVec(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVec(raw []byte) []float32 {
	v := make([]float32, len(raw)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return v
}

//go:build fastembed

package embed

import (
	"context"
	"fmt"
	"os"
	"runtime"

	fastembed "github.com/anush008/fastembed-go"
)

type FastEmbedOptions struct {
	Model     fastembed.EmbeddingModel
	CacheDir  string
	MaxLength int
	BatchSize int
}

func defaultFastEmbedOptions() *FastEmbedOptions {
	return &FastEmbedOptions{
		Model:    fastembed.BGESmallENV15,
		CacheDir: os.Getenv("FASTEMBED_CACHE_DIR"),
	}
}

// FastEmbedder runs a local ONNX model, so no network call leaves the process.
type FastEmbedder struct {
	m  *fastembed.FlagEmbedding
	bs int
}

func NewFastEmbedder(_ context.Context, opt *FastEmbedOptions) (Embedder, error) {
	var init *fastembed.InitOptions
	if opt != nil {
		init = &fastembed.InitOptions{
			Model:     opt.Model,
			CacheDir:  opt.CacheDir,
			MaxLength: opt.MaxLength,
		}
	}
	m, err := fastembed.NewFlagEmbedding(init)
	if err != nil {
		return nil, err
	}
	bs := 64
	if opt != nil && opt.BatchSize > 0 {
		bs = opt.BatchSize
	}
	if limit := 4 * runtime.GOMAXPROCS(0); bs > limit {
		bs = limit
	}
	return &FastEmbedder{m: m, bs: bs}, nil
}

func (e *FastEmbedder) Close() error {
	if e.m != nil {
		e.m.Destroy()
	}
	return nil
}

// EmbedPassages embeds a batch of stored documents.
func (e *FastEmbedder) EmbedPassages(_ context.Context, docs []string) ([][]float32, error) {
	out, err := e.m.PassageEmbed(docs, e.bs)
	if err != nil {
		return nil, fmt.Errorf("passage embed: %w", err)
	}
	return out, nil
}

func (e *FastEmbedder) Embed(_ context.Context, q string) ([]float32, error) {
	return e.m.QueryEmbed(q)
}

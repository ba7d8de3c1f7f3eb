//go:build !fastembed

package embed

import (
	"context"
	"fmt"
)

type FastEmbedOptions struct{}

func defaultFastEmbedOptions() *FastEmbedOptions { return nil }

func NewFastEmbedder(context.Context, *FastEmbedOptions) (Embedder, error) {
	return nil, fmt.Errorf("fastembed support not included; rebuild with -tags fastembed: %w", ErrNotSupported)
}

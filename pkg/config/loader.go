package config

import (
	"context"
	"fmt"

	"github.com/kadirpekel/chatgate/pkg/config/source"
)

// Load reads, parses, defaults and validates the document held by src.
func Load(ctx context.Context, src source.Source) (*Config, error) {
	data, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseAndValidate(data)
	if err != nil {
		return nil, fmt.Errorf("%s source: %w", src.Type(), err)
	}
	return cfg, nil
}

// LoadFile is Load for a local file path.
func LoadFile(ctx context.Context, path string) (*Config, error) {
	src, err := source.NewFileSource(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return Load(ctx, src)
}

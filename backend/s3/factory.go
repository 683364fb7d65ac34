package s3

import (
	"context"
	"fmt"

	"github.com/Kieran-Bacon/stow"
)

var (
	_ stow.Backend  = (*Backend)(nil)
	_ stow.Mover    = (*Backend)(nil)
	_ stow.Digester = (*Backend)(nil)
)

func init() {
	stow.Register(Scheme, factory{})
}

// factory turns s3://bucket/key?region=...&endpoint=... signatures and
// Config maps into backends.
type factory struct{}

func optionsFrom(params map[string]string) []Option {
	var opts []Option
	if region := params["region"]; region != "" {
		opts = append(opts, WithRegion(region))
	}
	if endpoint := params["endpoint"]; endpoint != "" {
		opts = append(opts, WithEndpoint(endpoint))
	}
	if params["path_style"] == "true" {
		opts = append(opts, WithPathStyle())
	}
	return opts
}

func (factory) FromURL(ctx context.Context, u stow.ConnectionURL) (stow.Backend, error) {
	if u.Authority == "" {
		return nil, fmt.Errorf("s3: connection signature missing bucket")
	}
	return New(ctx, u.Authority, optionsFrom(u.Params)...)
}

func (factory) FromConfig(ctx context.Context, cfg map[string]string) (stow.Backend, error) {
	bucket, ok := cfg["bucket"]
	if !ok {
		return nil, fmt.Errorf("s3: configuration missing bucket")
	}
	return New(ctx, bucket, optionsFrom(cfg)...)
}

package minio

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

// factory handles minio://endpoint/key?bucket=...&access_key=... signatures.
// The bucket rides in the query so the URL path stays a pure artefact path.
type factory struct{}

func configFrom(endpoint, bucket string, params map[string]string) Config {
	return Config{
		Endpoint:  endpoint,
		Bucket:    bucket,
		AccessKey: params["access_key"],
		SecretKey: params["secret_key"],
		UseSSL:    params["ssl"] == "true",
	}
}

func (factory) FromURL(ctx context.Context, u stow.ConnectionURL) (stow.Backend, error) {
	if u.Authority == "" || u.Params["bucket"] == "" {
		return nil, fmt.Errorf("minio: connection signature needs endpoint and bucket")
	}
	return New(configFrom(u.Authority, u.Params["bucket"], u.Params))
}

func (factory) FromConfig(ctx context.Context, cfg map[string]string) (stow.Backend, error) {
	if cfg["bucket"] == "" {
		return nil, fmt.Errorf("minio: configuration missing bucket")
	}
	return New(configFrom(cfg["endpoint"], cfg["bucket"], cfg))
}

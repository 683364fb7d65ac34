package local

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
	stow.Register(SchemeFile, fileFactory{})
	stow.Register(SchemeMemory, memoryFactory{})
}

// fileFactory builds disk backends. The store root comes from the root
// query parameter and defaults to the filesystem root, so a plain
// file:///data/report.csv signature addresses the host path verbatim.
type fileFactory struct{}

func (fileFactory) FromURL(ctx context.Context, u stow.ConnectionURL) (stow.Backend, error) {
	root := u.Params["root"]
	if root == "" {
		root = "/"
	}
	return New(root)
}

func (fileFactory) FromConfig(ctx context.Context, cfg map[string]string) (stow.Backend, error) {
	root, ok := cfg["root"]
	if !ok {
		return nil, fmt.Errorf("local: configuration missing root")
	}
	return New(root)
}

type memoryFactory struct{}

func (memoryFactory) FromURL(ctx context.Context, u stow.ConnectionURL) (stow.Backend, error) {
	return NewMemory(), nil
}

func (memoryFactory) FromConfig(ctx context.Context, cfg map[string]string) (stow.Backend, error) {
	return NewMemory(), nil
}

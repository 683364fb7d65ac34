package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Kieran-Bacon/stow"
)

// aliasFile is where signature aliases live, relative to the home
// directory. The file is a flat YAML mapping of alias name to signature
// prefix:
//
//	reports: s3://acme-reports?region=eu-west-1
//	scratch: file:///var/tmp/scratch
const aliasFile = ".stow/aliases.yaml"

func loadAliases() (map[string]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil
	}
	raw, err := os.ReadFile(filepath.Join(home, aliasFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read alias file: %w", err)
	}
	aliases := map[string]string{}
	if err := yaml.Unmarshal(raw, &aliases); err != nil {
		return nil, fmt.Errorf("parse alias file: %w", err)
	}
	return aliases, nil
}

// expandAlias rewrites alias:sub/path into the aliased signature with the
// remainder appended. Targets that are not alias-prefixed pass through.
func expandAlias(target string, aliases map[string]string) string {
	name, rest, ok := strings.Cut(target, ":")
	if !ok || strings.HasPrefix(rest, "//") {
		return target
	}
	signature, known := aliases[name]
	if !known {
		return target
	}
	if rest == "" {
		return signature
	}
	// Splice the sub-path ahead of any query the alias carries.
	base, query, hasQuery := strings.Cut(signature, "?")
	spliced := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(rest, "/")
	if hasQuery {
		return spliced + "?" + query
	}
	return spliced
}

// resolveTarget turns a command-line target into a manager and an artefact
// path. Anything without a scheme is a local filesystem path.
func resolveTarget(ctx context.Context, target string) (*stow.Manager, string, error) {
	aliases, err := loadAliases()
	if err != nil {
		return nil, "", err
	}
	target = expandAlias(target, aliases)

	if !strings.Contains(target, "://") {
		abs, err := filepath.Abs(target)
		if err != nil {
			return nil, "", fmt.Errorf("resolve %q: %w", target, err)
		}
		target = "file://" + filepath.ToSlash(abs)
	}

	manager, path, err := stow.Connect(ctx, target)
	if err != nil {
		return nil, "", err
	}
	return manager, path, nil
}

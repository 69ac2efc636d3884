// Package file implements provider.Store on a local or shared directory.
package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/goforward/pkg/provider"
)

// Provider stores objects as files. Keys are relative paths under BaseDir.
type Provider struct {
	baseDir string
}

var _ provider.Store = (*Provider)(nil)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) Put(ctx context.Context, key string, body []byte) error {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".goforward-put-*")
	if err != nil {
		return p.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(body); err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("Put", key, err)
	}
	return nil
}

func (p *Provider) Get(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Get", key, err)
	}
	b, err := os.ReadFile(full)
	if err != nil {
		return nil, p.wrapError("Get", key, err)
	}
	return b, nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, &provider.ProviderError{Op: "Head", Provider: provider.ProviderFile, Key: key, Err: provider.ErrNotFound}
	}
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{Key: strings.TrimPrefix(key, "/"), Size: st.Size(), LastModified: st.ModTime()},
	}, nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("Delete", key, err)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return p.wrapError("Delete", key, err)
	}
	return nil
}

func (p *Provider) List(ctx context.Context, prefix string) ([]provider.ObjectSummary, error) {
	_ = ctx
	prefix = strings.TrimPrefix(prefix, "/")

	// Walk from the deepest directory the prefix names, then filter by the
	// full prefix so partial names ("norne/1" vs "norne/10") behave like S3.
	dirPart := prefix
	if !strings.HasSuffix(dirPart, "/") {
		dirPart = filepath.ToSlash(filepath.Dir(dirPart))
		if dirPart == "." {
			dirPart = ""
		}
	}
	root, err := p.fullPath(dirPart)
	if err != nil {
		return nil, p.wrapError("List", prefix, err)
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, p.wrapError("List", prefix, err)
	}

	var out []provider.ObjectSummary
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, prefix) || strings.HasPrefix(d.Name(), ".goforward-put-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, provider.ObjectSummary{Key: rel, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (p *Provider) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to provider sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = provider.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}

// Package vfs resolves the paths nodes refer to: user:// and obj:// entries
// of the patch file system, plain files, and http(s) URLs.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	userScheme   = "user://"
	objectScheme = "obj://"
)

var ErrOutsideRoot = errors.New("path escapes its root")

// Resolver maps VFS paths to bytes.
type Resolver struct {
	UserDir   string
	ObjectDir string
	Client    *http.Client
	// MaxElapsed bounds retries of a failing http fetch.
	MaxElapsed time.Duration

	log *zap.Logger
}

func NewResolver(userDir, objectDir string, log *zap.Logger) *Resolver {
	return &Resolver{
		UserDir:    userDir,
		ObjectDir:  objectDir,
		Client:     &http.Client{Timeout: 30 * time.Second},
		MaxElapsed: 10 * time.Second,
		log:        log.With(zap.String("component", "vfs")),
	}
}

// Resolve returns the content behind path.
func (r *Resolver) Resolve(ctx context.Context, path string) ([]byte, error) {
	switch {
	case strings.HasPrefix(path, userScheme):
		return r.readUnder(r.UserDir, strings.TrimPrefix(path, userScheme))
	case strings.HasPrefix(path, objectScheme):
		return r.readUnder(r.ObjectDir, strings.TrimPrefix(path, objectScheme))
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		return r.fetch(ctx, path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return data, nil
	}
}

func (r *Resolver) readUnder(root, rel string) ([]byte, error) {
	if root == "" {
		return nil, fmt.Errorf("no directory configured for %q", rel)
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	if within, err := filepath.Rel(root, full); err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return data, nil
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	return r.do(ctx, url, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	})
}

// do sends the request built by newReq, retrying transport errors and 5xx
// responses with exponential backoff.
func (r *Resolver) do(ctx context.Context, url string, newReq func() (*http.Request, error)) ([]byte, error) {
	var body []byte
	op := func() error {
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := r.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("bad response status: %s", resp.Status)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("bad response status: %s", resp.Status))
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = r.MaxElapsed
	notify := func(err error, wait time.Duration) {
		r.log.Warn("fetch failed, retrying", zap.String("url", url), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	return body, nil
}

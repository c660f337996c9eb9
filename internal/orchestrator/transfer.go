package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Transfer brings an exam's newly acquired series into dst, the directory
// the field-map engine reads from. It is called after every completed batch.
type Transfer interface {
	TransferScanData(ctx context.Context, exam, dst string) error
}

// NopTransfer is used when the scanner already writes into dst.
type NopTransfer struct{}

func (NopTransfer) TransferScanData(context.Context, string, string) error { return nil }

// DirTransfer copies series directories from Root/<exam> that are not yet in
// dst. Root is typically a mount of the scanner's image store. An exam with
// nothing acquired yet has no source directory.
type DirTransfer struct {
	Root string
}

func (d DirTransfer) TransferScanData(ctx context.Context, exam, dst string) error {
	src := filepath.Join(d.Root, exam)
	entries, err := os.ReadDir(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", src, err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(dst, e.Name())
		if _, err := os.Stat(target); err == nil {
			continue
		}
		// Copy under a hidden name so a partial copy is never listed.
		partial := filepath.Join(dst, "."+e.Name()+".partial")
		if err := os.RemoveAll(partial); err != nil {
			return err
		}
		if err := os.CopyFS(partial, os.DirFS(filepath.Join(src, e.Name()))); err != nil {
			return fmt.Errorf("failed to copy series %s: %w", e.Name(), err)
		}
		if err := os.Rename(partial, target); err != nil {
			return fmt.Errorf("failed to publish series %s: %w", e.Name(), err)
		}
	}
	return nil
}

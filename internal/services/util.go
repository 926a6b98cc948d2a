package services

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// baseName returns the file name portion of a path.
func baseName(path string) string {
	return filepath.Base(path)
}

// copyFile duplicates src to dst, replacing dst if present.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

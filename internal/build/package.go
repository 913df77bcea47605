package build

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var skippedDirs = map[string]bool{
	"__pycache__": true,
	".git":        true,
}

func skippedFile(name string) bool {
	return strings.HasSuffix(name, ".pyc") || strings.HasSuffix(name, ".pyo")
}

// PackageContext writes the worker archive to dest: the entry point as
// lithopsproxy and, when libraryRoot is set, the library tree under lithops/.
func PackageContext(dest, entryPoint, libraryRoot string) (err error) {
	if entryPoint == "" {
		return fmt.Errorf("package runtime: entry point not configured")
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", ArchiveName, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", ArchiveName, closeErr)
		}
	}()

	zw := zip.NewWriter(f)
	if err := addFile(zw, entryPoint, EntryPointName, 0o755); err != nil {
		return fmt.Errorf("package entry point: %w", err)
	}
	if libraryRoot != "" {
		if err := addTree(zw, libraryRoot, LibraryDir); err != nil {
			return fmt.Errorf("package library: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", ArchiveName, err)
	}
	return nil
}

func addTree(zw *zip.Writer, root, prefix string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if skippedFile(d.Name()) || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return addFile(zw, p, path.Join(prefix, filepath.ToSlash(rel)), info.Mode().Perm())
	})
}

func addFile(zw *zip.Writer, src, name string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	header := &zip.FileHeader{Name: name, Method: zip.Deflate}
	header.SetMode(mode)
	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

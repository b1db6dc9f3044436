// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// copyBufferSize keeps file copies in fixed 64KB chunks.
const copyBufferSize = 64 * 1024

// copyFile copies src to dst, creating parent directories and preserving the
// source's permission bits. The destination is truncated if it exists.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &CopyError{Src: src, Dst: dst, Err: err}
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return &CopyError{Src: src, Dst: dst, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &CopyError{Src: src, Dst: dst, Err: err}
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return &CopyError{Src: src, Dst: dst, Err: err}
	}

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		out.Close()
		return &CopyError{Src: src, Dst: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return &CopyError{Src: src, Dst: dst, Err: err}
	}
	return nil
}

// copyDir recursively copies the tree at src to dst and returns the number
// of file bytes copied. Directory permission bits are preserved; symlinks
// are recreated as links rather than followed.
func copyDir(src, dst string) (int64, error) {
	var copied int64
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			// Replace any stale link from a prior restore.
			os.Remove(target)
			return os.Symlink(link, target)
		default:
			if err := copyFile(path, target); err != nil {
				return err
			}
			if info, err := d.Info(); err == nil {
				copied += info.Size()
			}
			return nil
		}
	})
	return copied, err
}

// pathExists reports whether path exists at all.
func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// safeRel rejects manifest or action paths that would escape the working
// directory when joined to it.
func safeRel(rel string) error {
	if rel == "" || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	return nil
}

// writeJSONFile marshals v with indentation and writes it with mode 0644.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// atomicWriteJSON writes v to path through a temp file in the same directory
// followed by a rename, so readers observe either the old or the new
// document, never a torn one.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// readJSONFile unmarshals the JSON document at path into v.
func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

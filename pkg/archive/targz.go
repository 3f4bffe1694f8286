package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// WriteTarGz writes a reproducible gzipped tarball of the directory tree
// rooted at dir. Entries are emitted in lexical walk order with zeroed
// timestamps and ownership so the same tree always produces the same bytes.
func WriteTarGz(dir string, w io.Writer) error {
	gzw, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("create gzip writer: %w", err)
	}

	tw := tar.NewWriter(gzw)

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.ModTime = tar.Header{}.ModTime
		header.AccessTime = tar.Header{}.AccessTime
		header.ChangeTime = tar.Header{}.ChangeTime
		header.Uid = 0
		header.Gid = 0
		header.Uname = ""
		header.Gname = ""

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish tar stream: %w", err)
	}

	return gzw.Close()
}

// WriteTarGzFile archives dir into a file at path.
func WriteTarGzFile(dir, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}

	if err := WriteTarGz(dir, out); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

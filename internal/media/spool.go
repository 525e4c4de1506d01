package media

import (
	"fmt"
	"io"
	"os"
)

// SpoolTemp copies r into a new temp file under dir with the given
// extension. Video decoders need a seekable file on disk. The returned
// cleanup removes the file.
func SpoolTemp(dir string, r io.Reader, ext string) (string, func(), error) {
	f, err := os.CreateTemp(dir, "upload-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	cleanup := func() { os.Remove(path) }

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}
	return path, cleanup, nil
}

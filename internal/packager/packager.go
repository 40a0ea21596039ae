// Package packager turns a directory of rendered frames into a flat zip
// archive ready for upload.
package packager

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"shotline/internal/services"
)

// Create walks sourceDir recursively and writes every regular file whose name
// ends with ext into a zip archive at archivePath. Entry names are the file
// basenames, so the archive is flat regardless of the source layout. ext is
// matched case-sensitively and should include the leading dot. A failed
// Create may leave a partial archive behind; callers discard it.
func Create(archivePath, sourceDir, ext string) error {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return services.Wrap(services.ErrPackaging, "packager", "create", fmt.Sprintf("stat source directory %s", sourceDir), err)
	}
	if !info.IsDir() {
		return services.Wrap(services.ErrPackaging, "packager", "create", fmt.Sprintf("%s is not a directory", sourceDir), nil)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return services.Wrap(services.ErrPackaging, "packager", "create", fmt.Sprintf("create archive %s", archivePath), err)
	}
	defer out.Close()

	writer := zip.NewWriter(out)
	walkErr := filepath.WalkDir(sourceDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			return nil
		}
		return addEntry(writer, path, entry.Name())
	})
	if walkErr != nil {
		writer.Close()
		return services.Wrap(services.ErrPackaging, "packager", "create", fmt.Sprintf("archive %s", sourceDir), walkErr)
	}
	if err := writer.Close(); err != nil {
		return services.Wrap(services.ErrPackaging, "packager", "create", "finalize archive", err)
	}
	if err := out.Close(); err != nil {
		return services.Wrap(services.ErrPackaging, "packager", "create", "flush archive", err)
	}
	return nil
}

func addEntry(writer *zip.Writer, path, name string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	entry, err := writer.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, source)
	return err
}

// Package fetch defines the uniform surface the boot pipeline uses to pull
// configuration out of external sources, and the rules for landing fetched
// items on disk. A source is anything that can produce bytes, a string
// map, or a list of named items; the pipeline never sees further than
// that.
package fetch

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/tinyrange/vminit/internal/fsx"
	"github.com/tinyrange/vminit/internal/vmspec"
)

// Item is one fetched object to be written to disk. Name is the path
// suffix under the destination; an empty name means the destination is the
// file itself. Secret items get restrictive directory and file modes.
type Item struct {
	Name   string
	Secret bool
	Body   io.Reader
}

// Write materializes the item under dest with the given ownership.
func (it *Item) Write(dest string, uid, gid uint32) error {
	dirMode := os.FileMode(0o755)
	fileMode := os.FileMode(0o644)
	if it.Secret {
		dirMode = 0o700
		fileMode = 0o600
	}

	finalDest := dest
	if it.Name != "" {
		finalDest = fsx.JoinRelative(dest, it.Name)
	}
	if err := fsx.MkdirAllOwned(filepath.Dir(finalDest), dirMode, int(uid), int(gid)); err != nil {
		return err
	}

	f, err := os.OpenFile(finalDest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", finalDest, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, it.Body); err != nil {
		return fmt.Errorf("unable to write %s: %w", finalDest, err)
	}
	if err := f.Chown(int(uid), int(gid)); err != nil {
		return fmt.Errorf("unable to change ownership of %s: %w", finalDest, err)
	}
	return nil
}

// WriteAll writes every item under the volume's mount destination.
func WriteAll(items []Item, mount *vmspec.Mount) error {
	for i := range items {
		if err := items[i].Write(mount.Destination, *mount.UserID, *mount.GroupID); err != nil {
			return err
		}
	}
	return nil
}

// GetBytes fetches an opaque byte buffer from a source coordinate.
type GetBytes func() ([]byte, error)

// GetMap fetches a string-to-string mapping from a source coordinate.
type GetMap func() (map[string]string, error)

// ResolveEnv turns one external source into environment variables. With a
// variable name, the source's bytes become that single variable, base64
// encoded when requested and required to be valid UTF-8 otherwise. With no
// name, the source must produce a map and each entry becomes a variable.
func ResolveEnv(name string, b64Encode bool, getBytes GetBytes, getMap GetMap) (vmspec.NameValues, error) {
	if name != "" {
		buf, err := getBytes()
		if err != nil {
			return nil, err
		}
		var value string
		if b64Encode {
			value = base64.StdEncoding.EncodeToString(buf)
		} else {
			if !utf8.Valid(buf) {
				return nil, fmt.Errorf("value of %s is not valid UTF-8", name)
			}
			value = string(buf)
		}
		return vmspec.NameValues{{Name: name, Value: value}}, nil
	}
	m, err := getMap()
	if err != nil {
		return nil, err
	}
	nvs := make(vmspec.NameValues, 0, len(m))
	for k, v := range m {
		nvs = append(nvs, vmspec.NameValue{Name: k, Value: v})
	}
	return nvs, nil
}

// Optionally wraps a resolution or materialization step for a source that
// is marked optional: its errors are logged at debug and swallowed.
func Optionally(optional bool, what string, fn func() error) error {
	err := fn()
	if err != nil && optional {
		slog.Debug("optional source failed, skipping",
			slog.String("source", what), slog.String("error", err.Error()))
		return nil
	}
	return err
}

// Package login parses the colon-separated passwd and group databases
// shipped in the image. The parser is strict: a malformed row is an error,
// not a skip, since a broken login database is a broken image.
package login

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// PasswdEntry is one row of an /etc/passwd format file.
type PasswdEntry struct {
	UserName string
	Password string
	Uid      uint32
	Gid      uint32
	Comment  string
	HomeDir  string
	Shell    string
}

func (e PasswdEntry) String() string {
	return fmt.Sprintf("%s:%s:%d:%d:%s:%s:%s",
		e.UserName, e.Password, e.Uid, e.Gid, e.Comment, e.HomeDir, e.Shell)
}

// FindUser returns the entry whose user name matches, or false.
func FindUser(entries []PasswdEntry, name string) (PasswdEntry, bool) {
	for _, e := range entries {
		if e.UserName == name {
			return e, true
		}
	}
	return PasswdEntry{}, false
}

func parsePasswdLine(line string, lineNumber int) (PasswdEntry, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 7 {
		return PasswdEntry{}, fmt.Errorf("expected 7 fields on passwd line %d, got %d",
			lineNumber, len(fields))
	}
	uid, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return PasswdEntry{}, fmt.Errorf("expected an integer in UID field on passwd line %d, got %s: %w",
			lineNumber, fields[2], err)
	}
	gid, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return PasswdEntry{}, fmt.Errorf("expected an integer in GID field on passwd line %d, got %s: %w",
			lineNumber, fields[3], err)
	}
	return PasswdEntry{
		UserName: fields[0],
		Password: fields[1],
		Uid:      uint32(uid),
		Gid:      uint32(gid),
		Comment:  fields[4],
		HomeDir:  fields[5],
		Shell:    fields[6],
	}, nil
}

// ParsePasswd reads every row of a passwd-format reader.
func ParsePasswd(r io.Reader) ([]PasswdEntry, error) {
	var entries []PasswdEntry
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		entry, err := parsePasswdLine(scanner.Text(), line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// UserGroupID resolves a user or group name to its numeric id. A purely
// numeric name passes through unparsed against the database; otherwise the
// name is looked up and the id is taken from the third column, which holds
// the UID in passwd format and the GID in group format.
func UserGroupID(r io.Reader, name string) (uint32, error) {
	if isNumeric(name) {
		id, err := strconv.ParseUint(name, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("unable to parse ID of user or group %s: %w", name, err)
		}
		return uint32(id), nil
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 3 {
			continue
		}
		if fields[0] == name {
			id, err := strconv.ParseUint(fields[2], 10, 32)
			if err != nil {
				return 0, fmt.Errorf("unable to parse ID of user or group %s, got %s: %w",
					name, fields[2], err)
			}
			return uint32(id), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("id for %s not found", name)
}

// CreateHomeDir creates a home directory with a .ssh subdirectory, both
// owned by the user. The parent is world-readable, the home and .ssh are
// private.
func CreateHomeDir(homeDir string, uid, gid int) error {
	old := unix.Umask(0)
	defer unix.Umask(old)

	parent := filepath.Dir(homeDir)
	sshDir := filepath.Join(homeDir, ".ssh")
	if err := mkdirIgnoreExist(parent, 0o755); err != nil {
		return err
	}
	if err := mkdirIgnoreExist(homeDir, 0o700); err != nil {
		return err
	}
	if err := mkdirIgnoreExist(sshDir, 0o700); err != nil {
		return err
	}
	if err := os.Chown(homeDir, uid, gid); err != nil {
		return fmt.Errorf("unable to change ownership of %s: %w", homeDir, err)
	}
	if err := os.Chown(sshDir, uid, gid); err != nil {
		return fmt.Errorf("unable to change ownership of %s: %w", sshDir, err)
	}
	return nil
}

func mkdirIgnoreExist(dir string, mode os.FileMode) error {
	if err := os.Mkdir(dir, mode); err != nil && !os.IsExist(err) {
		return fmt.Errorf("unable to create directory %s: %w", dir, err)
	}
	return nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}


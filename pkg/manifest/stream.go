package manifest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/otaclient/otaclient/pkg/otaerrors"
)

// splitRecord tokenizes one meta-stream line into its comma-separated
// fields. A field beginning with a single quote runs until the next
// unescaped single quote; an escaped quote is written as the four
// characters '\'' and unescapes to a literal '. Unquoted fields run
// until the next comma.
func splitRecord(line string) ([]string, error) {
	var fields []string
	i, n := 0, len(line)
	for i < n {
		if line[i] == '\'' {
			i++
			var sb strings.Builder
			closed := false
			for i < n {
				if line[i] == '\'' {
					if i+3 < n && line[i+1] == '\\' && line[i+2] == '\'' && line[i+3] == '\'' {
						sb.WriteByte('\'')
						i += 4
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(line[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted field in %q", line)
			}
			fields = append(fields, sb.String())
			if i < n {
				if line[i] != ',' {
					return nil, fmt.Errorf("expected ',' after quoted field in %q", line)
				}
				i++
			}
			continue
		}
		j := strings.IndexByte(line[i:], ',')
		if j < 0 {
			fields = append(fields, line[i:])
			i = n
		} else {
			fields = append(fields, line[i:i+j])
			i += j + 1
		}
	}
	return fields, nil
}

// escapeQuoted renders s as a single-quoted field, escaping embedded
// single quotes as '\''.
func escapeQuoted(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// RegularStream is a pull-based iterator over a regulars.txt body:
// mode,uid,gid,nlink,sha256,'path'[,size[,inode]]
type RegularStream struct {
	scan *bufio.Scanner
	line int
}

func NewRegularStream(r io.Reader) *RegularStream {
	return &RegularStream{scan: bufio.NewScanner(r)}
}

// Next returns the next entry, or ok=false once the stream is
// exhausted. A malformed line is unrecoverable: a partially-applied
// image is forbidden.
func (s *RegularStream) Next() (RegularEntry, bool, error) {
	for s.scan.Scan() {
		s.line++
		text := s.scan.Text()
		if text == "" {
			continue
		}
		fields, err := splitRecord(text)
		if err != nil {
			return RegularEntry{}, false, otaerrors.Unrecoverablef(err, "regulars.txt line %d", s.line)
		}
		e, err := parseRegularFields(fields)
		if err != nil {
			return RegularEntry{}, false, otaerrors.Unrecoverablef(err, "regulars.txt line %d", s.line)
		}
		return e, true, nil
	}
	if err := s.scan.Err(); err != nil {
		return RegularEntry{}, false, fmt.Errorf("read regulars.txt: %w", err)
	}
	return RegularEntry{}, false, nil
}

func parseRegularFields(f []string) (RegularEntry, error) {
	if len(f) < 6 {
		return RegularEntry{}, fmt.Errorf("expected at least 6 fields, got %d", len(f))
	}
	mode, err := strconv.ParseUint(f[0], 8, 32)
	if err != nil {
		return RegularEntry{}, fmt.Errorf("mode: %w", err)
	}
	uid, err := strconv.Atoi(f[1])
	if err != nil {
		return RegularEntry{}, fmt.Errorf("uid: %w", err)
	}
	gid, err := strconv.Atoi(f[2])
	if err != nil {
		return RegularEntry{}, fmt.Errorf("gid: %w", err)
	}
	nlink, err := strconv.Atoi(f[3])
	if err != nil {
		return RegularEntry{}, fmt.Errorf("nlink: %w", err)
	}
	sha := f[4]
	if len(sha) != 64 {
		return RegularEntry{}, fmt.Errorf("sha256 must be 64 hex chars, got %d", len(sha))
	}
	e := RegularEntry{
		Mode:  uint32(mode),
		UID:   uid,
		GID:   gid,
		NLink: nlink,
		SHA256: sha,
		Path:  f[5],
	}
	if len(f) >= 7 && f[6] != "" {
		size, err := strconv.ParseInt(f[6], 10, 64)
		if err != nil {
			return RegularEntry{}, fmt.Errorf("size: %w", err)
		}
		e.Size = &size
	}
	if len(f) >= 8 && f[7] != "" {
		if e.Size == nil {
			return RegularEntry{}, fmt.Errorf("inode present without size")
		}
		inode, err := strconv.ParseUint(f[7], 10, 64)
		if err != nil {
			return RegularEntry{}, fmt.Errorf("inode: %w", err)
		}
		e.Inode = &inode
	}
	return e, nil
}

// Serialize renders the entry back to its regulars.txt line form.
func (e RegularEntry) Serialize() string {
	s := fmt.Sprintf("%o,%d,%d,%d,%s,%s", e.Mode, e.UID, e.GID, e.NLink, e.SHA256, escapeQuoted(e.Path))
	if e.Size != nil {
		s += fmt.Sprintf(",%d", *e.Size)
		if e.Inode != nil {
			s += fmt.Sprintf(",%d", *e.Inode)
		}
	}
	return s
}

// DirectoryStream iterates dirs.txt: mode,uid,gid,'path'
type DirectoryStream struct {
	scan *bufio.Scanner
	line int
}

func NewDirectoryStream(r io.Reader) *DirectoryStream {
	return &DirectoryStream{scan: bufio.NewScanner(r)}
}

func (s *DirectoryStream) Next() (DirectoryEntry, bool, error) {
	for s.scan.Scan() {
		s.line++
		text := s.scan.Text()
		if text == "" {
			continue
		}
		fields, err := splitRecord(text)
		if err != nil {
			return DirectoryEntry{}, false, otaerrors.Unrecoverablef(err, "dirs.txt line %d", s.line)
		}
		if len(fields) != 4 {
			return DirectoryEntry{}, false, otaerrors.Unrecoverablef(nil, "dirs.txt line %d: expected 4 fields, got %d", s.line, len(fields))
		}
		mode, err := strconv.ParseUint(fields[0], 8, 32)
		if err != nil {
			return DirectoryEntry{}, false, otaerrors.Unrecoverablef(err, "dirs.txt line %d: mode", s.line)
		}
		uid, err := strconv.Atoi(fields[1])
		if err != nil {
			return DirectoryEntry{}, false, otaerrors.Unrecoverablef(err, "dirs.txt line %d: uid", s.line)
		}
		gid, err := strconv.Atoi(fields[2])
		if err != nil {
			return DirectoryEntry{}, false, otaerrors.Unrecoverablef(err, "dirs.txt line %d: gid", s.line)
		}
		return DirectoryEntry{Mode: uint32(mode), UID: uid, GID: gid, Path: fields[3]}, true, nil
	}
	if err := s.scan.Err(); err != nil {
		return DirectoryEntry{}, false, fmt.Errorf("read dirs.txt: %w", err)
	}
	return DirectoryEntry{}, false, nil
}

func (e DirectoryEntry) Serialize() string {
	return fmt.Sprintf("%o,%d,%d,%s", e.Mode, e.UID, e.GID, escapeQuoted(e.Path))
}

// SymlinkStream iterates symlinks.txt: mode,uid,gid,'link','target'
type SymlinkStream struct {
	scan *bufio.Scanner
	line int
}

func NewSymlinkStream(r io.Reader) *SymlinkStream {
	return &SymlinkStream{scan: bufio.NewScanner(r)}
}

func (s *SymlinkStream) Next() (SymlinkEntry, bool, error) {
	for s.scan.Scan() {
		s.line++
		text := s.scan.Text()
		if text == "" {
			continue
		}
		fields, err := splitRecord(text)
		if err != nil {
			return SymlinkEntry{}, false, otaerrors.Unrecoverablef(err, "symlinks.txt line %d", s.line)
		}
		if len(fields) != 5 {
			return SymlinkEntry{}, false, otaerrors.Unrecoverablef(nil, "symlinks.txt line %d: expected 5 fields, got %d", s.line, len(fields))
		}
		mode, err := strconv.ParseUint(fields[0], 8, 32)
		if err != nil {
			return SymlinkEntry{}, false, otaerrors.Unrecoverablef(err, "symlinks.txt line %d: mode", s.line)
		}
		uid, err := strconv.Atoi(fields[1])
		if err != nil {
			return SymlinkEntry{}, false, otaerrors.Unrecoverablef(err, "symlinks.txt line %d: uid", s.line)
		}
		gid, err := strconv.Atoi(fields[2])
		if err != nil {
			return SymlinkEntry{}, false, otaerrors.Unrecoverablef(err, "symlinks.txt line %d: gid", s.line)
		}
		return SymlinkEntry{Mode: uint32(mode), UID: uid, GID: gid, LinkPath: fields[3], Target: fields[4]}, true, nil
	}
	if err := s.scan.Err(); err != nil {
		return SymlinkEntry{}, false, fmt.Errorf("read symlinks.txt: %w", err)
	}
	return SymlinkEntry{}, false, nil
}

func (e SymlinkEntry) Serialize() string {
	return fmt.Sprintf("%o,%d,%d,%s,%s", e.Mode, e.UID, e.GID, escapeQuoted(e.LinkPath), escapeQuoted(e.Target))
}

// PersistentStream iterates persistents.txt: 'path' per line.
type PersistentStream struct {
	scan *bufio.Scanner
	line int
}

func NewPersistentStream(r io.Reader) *PersistentStream {
	return &PersistentStream{scan: bufio.NewScanner(r)}
}

func (s *PersistentStream) Next() (PersistentEntry, bool, error) {
	for s.scan.Scan() {
		s.line++
		text := s.scan.Text()
		if text == "" {
			continue
		}
		fields, err := splitRecord(text)
		if err != nil {
			return PersistentEntry{}, false, otaerrors.Unrecoverablef(err, "persistents.txt line %d", s.line)
		}
		if len(fields) != 1 {
			return PersistentEntry{}, false, otaerrors.Unrecoverablef(nil, "persistents.txt line %d: expected 1 field, got %d", s.line, len(fields))
		}
		return PersistentEntry{Path: fields[0]}, true, nil
	}
	if err := s.scan.Err(); err != nil {
		return PersistentEntry{}, false, fmt.Errorf("read persistents.txt: %w", err)
	}
	return PersistentEntry{}, false, nil
}

func (e PersistentEntry) Serialize() string {
	return escapeQuoted(e.Path)
}

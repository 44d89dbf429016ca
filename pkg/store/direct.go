package store

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/ringboard/pkg/ring"
)

// MimeTypeAttr is the extended attribute carrying a direct entry's MIME
// type. An absent or empty attribute means "unset".
const MimeTypeAttr = "user.mime_type"

// MaxMimeTypeLen bounds MIME type strings on the wire and in xattrs.
const MaxMimeTypeLen = 120

// TextMimes lists the MIME types the search engine treats as text. Direct
// entries with any other MIME type are skipped during searches.
var TextMimes = []string{
	"",
	"text",
	"string",
	"utf8_string",
	"text/plain",
	"text/plain;charset=utf-8",
	"text/plain;charset=us-ascii",
	"text/html",
}

// IsTextMime reports whether mime is in [TextMimes].
func IsTextMime(mime string) bool {
	for _, m := range TextMimes {
		if strings.EqualFold(mime, m) {
			return true
		}
	}

	return false
}

// NotARingboardError reports a file in the direct store whose name does not
// match the <ring>_<slot> convention.
type NotARingboardError struct {
	File string
}

func (e *NotARingboardError) Error() string {
	return fmt.Sprintf("not a ringboard file: %q", e.File)
}

// DirectFileName returns the direct-store file name for an entry.
func DirectFileName(kind ring.Kind, slot uint32) string {
	return strconv.FormatUint(uint64(kind), 10) + "_" + strconv.FormatUint(uint64(slot), 10)
}

// ParseDirectFileName decodes a direct-store file name back into a composite
// id. Names that do not strictly match <ring>_<slot> fail with
// [NotARingboardError].
func ParseDirectFileName(name string) (uint64, error) {
	ringPart, slotPart, ok := strings.Cut(name, "_")
	if !ok {
		return 0, &NotARingboardError{File: name}
	}

	kind, err := strconv.ParseUint(ringPart, 10, 32)
	if err != nil {
		return 0, &NotARingboardError{File: name}
	}

	slot, err := strconv.ParseUint(slotPart, 10, 32)
	if err != nil {
		return 0, &NotARingboardError{File: name}
	}

	return kind<<32 | slot, nil
}

// ReadMimeType reads the MIME type xattr from an open direct file. A missing
// attribute yields the empty string.
func ReadMimeType(f *os.File) (string, error) {
	buf := make([]byte, MaxMimeTypeLen)

	n, err := unix.Fgetxattr(int(f.Fd()), MimeTypeAttr, buf)
	if err != nil {
		if errors.Is(err, unix.ENODATA) {
			return "", nil
		}

		return "", fmt.Errorf("failed to read extended attributes of %q: %w", f.Name(), err)
	}

	return string(buf[:n]), nil
}

// WriteMimeType stores the MIME type xattr on an open direct file. An empty
// mime leaves the attribute unset.
func WriteMimeType(f *os.File, mime string) error {
	if mime == "" {
		return nil
	}

	if len(mime) > MaxMimeTypeLen {
		return fmt.Errorf("mime type %q longer than %d bytes", mime, MaxMimeTypeLen)
	}

	err := unix.Fsetxattr(int(f.Fd()), MimeTypeAttr, []byte(mime), 0)
	if err != nil {
		return fmt.Errorf("failed to write extended attributes of %q: %w", f.Name(), err)
	}

	return nil
}

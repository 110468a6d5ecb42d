// Package artifact stores the files produced by a processing run: the raw
// audio, the word-cloud image and the synthesised speech.
//
// Every artifact gets a name of the form
//
//	<root>/<user>/<user>_<name>_<YYYYmmdd_HHMMSS>_<suffix>.<ext>
//
// where suffix is random, so two runs of the same user in the same second
// never share a name. Writes never overwrite an existing artifact.
//
// Two backends exist: [FS] on the local filesystem and [S3] on any S3
// compatible object store.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Errors returned by every backend.
var (
	// ErrInvalidName is returned for empty or unsafe user, name or extension
	// components and for references outside the store.
	ErrInvalidName = errors.New("artifact: invalid name")

	// ErrNotFound is returned by Open for references that do not exist.
	ErrNotFound = errors.New("artifact: not found")
)

// timestampLayout formats the time component of artifact names.
const timestampLayout = "20060102_150405"

// maxCollisionRetries bounds how often Save picks a new suffix when the
// generated name is already taken.
const maxCollisionRetries = 3

// Store persists artifacts.
type Store interface {
	// Save writes data as a new artifact of userID and returns its reference.
	// name describes the artifact ("recording", "summary_audio", ...) and ext
	// is the file extension without the dot.
	Save(ctx context.Context, userID, name, ext string, data []byte) (string, error)

	// Open returns the content of the artifact at ref.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)

	// Owner returns the user a reference belongs to.
	Owner(ref string) (string, error)

	// Check verifies that the store is writable.
	Check(ctx context.Context) error
}

// safeComponent matches identifiers that are safe as a single path element.
var safeComponent = regexp.MustCompile(`^[\p{L}\p{N}._@+-]+$`)

// validComponent reports whether s may be used as a name component.
func validComponent(s string) bool {
	return s != "" && s != "." && s != ".." && safeComponent.MatchString(s)
}

// ValidUserID reports whether id can own artifacts: letters, digits and
// "._@+-", and not "." or "..". Registration enforces it so every account
// can store its recordings.
func ValidUserID(id string) bool { return validComponent(id) }

// namer builds artifact file names.
type namer struct {
	now    func() time.Time
	suffix func() string
}

func defaultNamer() namer {
	return namer{
		now:    time.Now,
		suffix: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:12] },
	}
}

// fileName returns "<user>_<name>_<timestamp>_<suffix>.<ext>".
func (n namer) fileName(userID, name, ext string) (string, error) {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	for label, v := range map[string]string{"user": userID, "name": name, "extension": ext} {
		if !validComponent(v) {
			return "", fmt.Errorf("%w: %s %q", ErrInvalidName, label, v)
		}
	}
	return fmt.Sprintf("%s_%s_%s_%s.%s", userID, name, n.now().Format(timestampLayout), n.suffix(), ext), nil
}

// ownerOf extracts the user directory from a "<user>/<file>" key and checks
// that the file name carries the same user prefix.
func ownerOf(key string) (string, error) {
	user, file, ok := strings.Cut(key, "/")
	if !ok || !validComponent(user) || !validComponent(file) || !strings.HasPrefix(file, user+"_") {
		return "", fmt.Errorf("%w: reference %q", ErrInvalidName, key)
	}
	return user, nil
}

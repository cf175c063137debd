// Package objstore reads and writes the artifacts a workflow references, on an
// S3-compatible object store or the local filesystem.
package objstore

import (
	"errors"
	"fmt"
	"strings"
)

const s3Scheme = "s3://"

var ErrInvalidLocation = errors.New("invalid location")

// Location is a parsed s3://bucket/key reference.
type Location struct {
	Bucket string
	Key    string
}

// IsObjectLocation reports whether loc refers to the object store.
func IsObjectLocation(loc string) bool {
	return strings.HasPrefix(loc, s3Scheme)
}

// ParseLocation parses s3://bucket/key. The key may be empty or end in '/'.
func ParseLocation(loc string) (Location, error) {
	rest, ok := strings.CutPrefix(loc, s3Scheme)
	if !ok {
		return Location{}, fmt.Errorf("%w: %q is not an s3:// location", ErrInvalidLocation, loc)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("%w: %q has no bucket", ErrInvalidLocation, loc)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

func (l Location) String() string {
	return s3Scheme + l.Bucket + "/" + l.Key
}

// Join appends a relative name, treating the current key as a directory.
func Join(base, name string) string {
	if base == "" {
		return name
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(name, "/")
}

// Dir returns loc with a trailing slash, the form used for prefixes.
func Dir(loc string) string {
	if loc == "" || strings.HasSuffix(loc, "/") {
		return loc
	}
	return loc + "/"
}

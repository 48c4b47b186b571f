package archive

import (
	"fmt"
	"strings"
)

// Location is a local path or an object in an s3 bucket.
type Location struct {
	Bucket string
	Key    string
	Path   string
}

// ParseLocation parses "s3://bucket/key" or a local path.
func ParseLocation(s string) (Location, error) {
	rest, ok := strings.CutPrefix(s, "s3://")
	if !ok {
		if s == "" {
			return Location{}, fmt.Errorf("empty location")
		}
		return Location{Path: s}, nil
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return Location{}, fmt.Errorf("invalid s3 location %q: want s3://bucket/key", s)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// IsS3 reports whether the location names an s3 object.
func (l Location) IsS3() bool {
	return l.Bucket != ""
}

func (l Location) String() string {
	if l.IsS3() {
		return "s3://" + l.Bucket + "/" + l.Key
	}
	return l.Path
}

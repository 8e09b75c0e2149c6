package objectstore

import (
	"fmt"
	"path"
	"strings"

	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
)

// Scheme is the URI scheme of the local object store.
const Scheme = "kiln"

// URI renders a bucket/key pair as a kiln:// URI.
func URI(bucket, key string) string {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return fmt.Sprintf("%s://%s", Scheme, bucket)
	}
	return fmt.Sprintf("%s://%s/%s", Scheme, bucket, key)
}

// ParseURI splits a kiln:// URI into bucket and key. The key may be empty
// for bucket-level URIs.
func ParseURI(uri string) (bucket, key string, err error) {
	prefix := Scheme + "://"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", kilnerrors.New(kilnerrors.ErrCodeObjectURI,
			fmt.Sprintf("expected %s<bucket>/<key>", prefix)).
			WithContext("uri", uri)
	}

	rest := strings.TrimPrefix(uri, prefix)
	bucket, key, _ = strings.Cut(rest, "/")
	if err := validateBucket(bucket); err != nil {
		return "", "", err
	}
	return bucket, strings.Trim(key, "/"), nil
}

func validateBucket(bucket string) error {
	if strings.TrimSpace(bucket) == "" {
		return kilnerrors.New(kilnerrors.ErrCodeObjectURI, "bucket name is empty")
	}
	if strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return kilnerrors.New(kilnerrors.ErrCodeObjectURI, "bucket name must be a single path segment").
			WithContext("bucket", bucket)
	}
	return nil
}

// cleanKey normalizes an object key and rejects anything that would escape
// the bucket directory.
func cleanKey(key string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", kilnerrors.New(kilnerrors.ErrCodeObjectURI, "object key is empty")
	}
	if strings.Contains(key, `\`) {
		return "", kilnerrors.New(kilnerrors.ErrCodeObjectURI, "object key must use forward slashes").
			WithContext("key", key)
	}

	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", kilnerrors.New(kilnerrors.ErrCodeObjectURI, "object key escapes the bucket").
			WithContext("key", key)
	}
	return clean, nil
}

// Package objectstore implements the local object store behind kiln://
// URIs. Object bytes live as plain files under the store root; metadata
// rows in sqlite make listing and auditing cheap.
package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/logging"
	"github.com/odvcencio/kiln/pkg/storage"
	"github.com/odvcencio/kiln/pkg/telemetry"
)

const defaultContentType = "application/octet-stream"

// Object describes one stored object.
type Object struct {
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	SizeBytes   int64     `json:"sizeBytes"`
	ETag        string    `json:"etag"`
	ContentType string    `json:"contentType"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// URI returns the object's kiln:// address.
func (o *Object) URI() string {
	return URI(o.Bucket, o.Key)
}

// Client reads and writes objects under a filesystem root.
type Client struct {
	root   string
	store  *storage.Store
	logger *logging.Logger
	hub    *telemetry.Hub
}

// Options carries the optional collaborators of a Client.
type Options struct {
	Store  *storage.Store
	Logger *logging.Logger
	Hub    *telemetry.Hub
}

// New builds a Client rooted at dir.
func New(dir string, opts Options) *Client {
	return &Client{
		root:   dir,
		store:  opts.Store,
		logger: opts.Logger,
		hub:    opts.Hub,
	}
}

// Root returns the store's filesystem root.
func (c *Client) Root() string {
	return c.root
}

// objectPath maps a validated bucket/key pair onto the filesystem.
func (c *Client) objectPath(bucket, key string) string {
	return filepath.Join(c.root, bucket, filepath.FromSlash(key))
}

// Put streams r into the store. Writes go to a temp sibling first so a
// failed upload never leaves a half-written object behind.
func (c *Client) Put(bucket, key string, r io.Reader, contentType string) (*Object, error) {
	if err := validateBucket(bucket); err != nil {
		return nil, err
	}
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	full := c.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectPut, "creating object directory").
			WithContext("path", full)
	}

	tmp := full + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectPut, "creating temp object").
			WithContext("path", tmp)
	}
	defer os.Remove(tmp)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, h), r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectPut, "writing object").
			WithContext("bucket", bucket).
			WithContext("key", key)
	}

	if err := os.Rename(tmp, full); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectPut, "committing object").
			WithContext("path", full)
	}

	if contentType == "" {
		contentType = defaultContentType
	}
	obj := &Object{
		Bucket:      bucket,
		Key:         key,
		SizeBytes:   size,
		ETag:        hex.EncodeToString(h.Sum(nil)),
		ContentType: contentType,
		UpdatedAt:   time.Now(),
	}

	c.index(obj)
	c.publish(telemetry.EventObjectUploaded, obj)
	telemetry.RecordObjectBytes(bucket, size)
	telemetry.RecordStorageOperation("put")
	c.logInfo("object.put", fmt.Sprintf("put %s (%d bytes)", obj.URI(), size), map[string]any{
		"bucket": bucket,
		"key":    key,
		"bytes":  size,
	})

	return obj, nil
}

// PutFile uploads a file from disk, inferring the content type from its
// extension.
func (c *Client) PutFile(bucket, key, filePath string) (*Object, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectPut, "opening source file").
			WithContext("path", filePath)
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(filePath))
	return c.Put(bucket, key, f, contentType)
}

// Get opens an object for reading. The caller owns the returned reader.
func (c *Client) Get(bucket, key string) (io.ReadCloser, *Object, error) {
	obj, err := c.Stat(bucket, key)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(c.objectPath(obj.Bucket, obj.Key))
	if err != nil {
		return nil, nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectGet, "opening object").
			WithContext("bucket", bucket).
			WithContext("key", key)
	}

	c.publish(telemetry.EventObjectDownloaded, obj)
	telemetry.RecordStorageOperation("get")
	return f, obj, nil
}

// Download copies an object to a local file.
func (c *Client) Download(bucket, key, dest string) (*Object, error) {
	r, obj, err := c.Get(bucket, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectGet, "creating destination directory").
			WithContext("path", dest)
	}

	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectGet, "creating destination file").
			WithContext("path", tmp)
	}
	defer os.Remove(tmp)

	_, err = io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectGet, "writing destination file").
			WithContext("path", dest)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectGet, "committing destination file").
			WithContext("path", dest)
	}
	return obj, nil
}

// Stat returns object metadata without opening the object.
func (c *Client) Stat(bucket, key string) (*Object, error) {
	if err := validateBucket(bucket); err != nil {
		return nil, err
	}
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	full := c.objectPath(bucket, key)
	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return nil, kilnerrors.New(kilnerrors.ErrCodeObjectNotFound, "object not found").
			WithContext("uri", URI(bucket, key))
	}
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectGet, "stating object").
			WithContext("path", full)
	}

	obj := &Object{
		Bucket:      bucket,
		Key:         key,
		SizeBytes:   info.Size(),
		ContentType: defaultContentType,
		UpdatedAt:   info.ModTime(),
	}

	// The index carries the etag and content type recorded at put time.
	if c.store != nil {
		if rec, err := c.store.GetObjectRecord(bucket, key); err == nil && rec != nil {
			obj.ETag = rec.ETag
			if rec.ContentType != "" {
				obj.ContentType = rec.ContentType
			}
			obj.UpdatedAt = rec.UpdatedAt
		}
	}
	return obj, nil
}

// List returns objects in a bucket whose keys start with prefix, ordered
// by key.
func (c *Client) List(bucket, prefix string) ([]*Object, error) {
	if err := validateBucket(bucket); err != nil {
		return nil, err
	}

	if c.store != nil {
		records, err := c.store.ListObjectRecords(bucket, prefix)
		if err != nil {
			return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectGet, "listing object index").
				WithContext("bucket", bucket)
		}
		objects := make([]*Object, 0, len(records))
		for _, rec := range records {
			objects = append(objects, &Object{
				Bucket:      rec.Bucket,
				Key:         rec.Key,
				SizeBytes:   rec.SizeBytes,
				ETag:        rec.ETag,
				ContentType: rec.ContentType,
				UpdatedAt:   rec.UpdatedAt,
			})
		}
		return objects, nil
	}

	return c.listFromDisk(bucket, prefix)
}

// listFromDisk walks the bucket directory when no index is attached.
func (c *Client) listFromDisk(bucket, prefix string) ([]*Object, error) {
	bucketDir := filepath.Join(c.root, bucket)
	var objects []*Object
	err := filepath.WalkDir(bucketDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(p) == ".partial" {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, &Object{
			Bucket:      bucket,
			Key:         key,
			SizeBytes:   info.Size(),
			ContentType: defaultContentType,
			UpdatedAt:   info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectGet, "walking bucket").
			WithContext("bucket", bucket)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Delete removes an object and its index row.
func (c *Client) Delete(bucket, key string) error {
	if err := validateBucket(bucket); err != nil {
		return err
	}
	key, err := cleanKey(key)
	if err != nil {
		return err
	}

	full := c.objectPath(bucket, key)
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return kilnerrors.New(kilnerrors.ErrCodeObjectNotFound, "object not found").
				WithContext("uri", URI(bucket, key))
		}
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectPut, "removing object").
			WithContext("path", full)
	}

	if c.store != nil {
		if err := c.store.DeleteObjectRecord(bucket, key); err != nil {
			c.logError("object.delete", "removing index row failed", map[string]any{
				"bucket": bucket,
				"key":    key,
				"error":  err.Error(),
			})
		}
	}

	c.publish(telemetry.EventObjectDeleted, &Object{Bucket: bucket, Key: key})
	telemetry.RecordStorageOperation("delete")
	c.logInfo("object.delete", fmt.Sprintf("deleted %s", URI(bucket, key)), map[string]any{
		"bucket": bucket,
		"key":    key,
	})
	return nil
}

// UploadDir uploads every regular file under dir, keyed by keyPrefix plus
// the file's path relative to dir. Returns the uploaded objects ordered
// by key.
func (c *Client) UploadDir(bucket, keyPrefix, dir string) ([]*Object, error) {
	var objects []*Object
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := path.Join(keyPrefix, filepath.ToSlash(rel))
		obj, err := c.PutFile(bucket, key, p)
		if err != nil {
			return err
		}
		objects = append(objects, obj)
		return nil
	})
	if err != nil {
		if _, ok := err.(*kilnerrors.Error); ok {
			return nil, err
		}
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectPut, "walking upload directory").
			WithContext("dir", dir)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// index records object metadata when a store is attached.
func (c *Client) index(obj *Object) {
	if c.store == nil {
		return
	}
	rec := &storage.ObjectRecord{
		Bucket:      obj.Bucket,
		Key:         obj.Key,
		SizeBytes:   obj.SizeBytes,
		ETag:        obj.ETag,
		ContentType: obj.ContentType,
		UpdatedAt:   obj.UpdatedAt,
	}
	if err := c.store.PutObjectRecord(rec); err != nil {
		telemetry.RecordStorageError("put")
		c.logError("object.index", "recording object metadata failed", map[string]any{
			"bucket": obj.Bucket,
			"key":    obj.Key,
			"error":  err.Error(),
		})
	}
}

func (c *Client) publish(eventType telemetry.EventType, obj *Object) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(telemetry.Event{Type: eventType, Data: map[string]any{
		"bucket": obj.Bucket,
		"key":    obj.Key,
		"bytes":  obj.SizeBytes,
	}})
}

func (c *Client) logInfo(eventType, message string, details map[string]any) {
	if c.logger == nil {
		return
	}
	c.logger.Info(logging.CategoryObject, eventType, message, details)
}

func (c *Client) logError(eventType, message string, details map[string]any) {
	if c.logger == nil {
		return
	}
	c.logger.Error(logging.CategoryObject, eventType, message, details)
}

// Package evidence stores claim evidence files content-addressed by their
// blake3 digest in a local bbolt database.
package evidence

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

// RefPrefix prefixes every evidence reference.
const RefPrefix = "blake3:"

// DefaultMaxBytes bounds a single upload when no limit is configured.
const DefaultMaxBytes int64 = 10 << 20

var (
	bucketBlobs = []byte("blobs")
	bucketMeta  = []byte("meta")

	// ErrNotFound is returned when no blob exists for a reference.
	ErrNotFound = errors.New("evidence: not found")
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("evidence: file too large")
	// ErrEmpty is returned for zero-length uploads.
	ErrEmpty = errors.New("evidence: file is empty")
	// ErrCorrupt is returned when stored bytes no longer match their digest.
	ErrCorrupt = errors.New("evidence: stored content does not match reference")
	// ErrInvalidRef is returned for references that are not blake3 digests.
	ErrInvalidRef = errors.New("evidence: invalid reference")
)

// Object describes a stored file.
type Object struct {
	Ref         string    `json:"ref"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	StoredAt    time.Time `json:"storedAt"`
	Claims      []string  `json:"claims,omitempty"`
}

// Vault is a bbolt-backed blob store.
type Vault struct {
	db       *bolt.DB
	maxBytes int64
	now      func() time.Time
}

// Open opens or creates the vault file at path.
func Open(path string, maxBytes int64) (*Vault, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("evidence: path required")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("evidence: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBlobs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Vault{db: db, maxBytes: maxBytes, now: time.Now}, nil
}

// Close releases the database handle.
func (v *Vault) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

// MaxBytes returns the per-file size limit.
func (v *Vault) MaxBytes() int64 { return v.maxBytes }

// Put stores the content of r for claimID and returns its reference. Storing
// identical bytes again returns the same reference and records the claim.
func (v *Vault) Put(claimID, name, contentType string, r io.Reader) (Object, error) {
	data, err := io.ReadAll(io.LimitReader(r, v.maxBytes+1))
	if err != nil {
		return Object{}, fmt.Errorf("evidence: read upload: %w", err)
	}
	if int64(len(data)) > v.maxBytes {
		return Object{}, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, v.maxBytes)
	}
	if len(data) == 0 {
		return Object{}, ErrEmpty
	}
	sum := blake3.Sum256(data)
	key := sum[:]
	ref := RefPrefix + hex.EncodeToString(key)

	var obj Object
	err = v.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		meta := tx.Bucket(bucketMeta)
		if raw := meta.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &obj); err != nil {
				return err
			}
		} else {
			obj = Object{
				Ref:         ref,
				Name:        strings.TrimSpace(name),
				ContentType: strings.TrimSpace(contentType),
				Size:        int64(len(data)),
				StoredAt:    v.now().UTC(),
			}
			if err := blobs.Put(key, data); err != nil {
				return err
			}
		}
		if claimID != "" && !contains(obj.Claims, claimID) {
			obj.Claims = append(obj.Claims, claimID)
		}
		encoded, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		return meta.Put(key, encoded)
	})
	if err != nil {
		return Object{}, fmt.Errorf("evidence: store %s: %w", ref, err)
	}
	return obj, nil
}

// Get returns the object metadata and content for ref. Content is re-hashed
// before it is returned.
func (v *Vault) Get(ref string) (Object, []byte, error) {
	key, err := ParseRef(ref)
	if err != nil {
		return Object{}, nil, err
	}
	var (
		obj  Object
		data []byte
	)
	err = v.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(key)
		blob := tx.Bucket(bucketBlobs).Get(key)
		if raw == nil || blob == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return err
		}
		data = bytes.Clone(blob)
		return nil
	})
	if err != nil {
		return Object{}, nil, err
	}
	sum := blake3.Sum256(data)
	if !bytes.Equal(sum[:], key) {
		return Object{}, nil, fmt.Errorf("%w: %s", ErrCorrupt, ref)
	}
	return obj, data, nil
}

// Stat returns object metadata without reading content.
func (v *Vault) Stat(ref string) (Object, error) {
	key, err := ParseRef(ref)
	if err != nil {
		return Object{}, err
	}
	var obj Object
	err = v.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(key)
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &obj)
	})
	return obj, err
}

// ParseRef validates ref and returns the raw digest.
func ParseRef(ref string) ([]byte, error) {
	trimmed := strings.TrimSpace(ref)
	if !strings.HasPrefix(trimmed, RefPrefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	key, err := hex.DecodeString(strings.TrimPrefix(trimmed, RefPrefix))
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return key, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/cockroachdb/pebble"

	"agentdb/pkg/logger"
)

// FileMeta tracks one content-addressed blob. Refs counts the messages
// citing it; the vacuum removes blobs at zero.
type FileMeta struct {
	Hash string `json:"hash"`
	Size int    `json:"size"`
	Refs int    `json:"refs"`
}

// PutFile stores data under its sha-256 address and takes one reference.
// Re-putting identical content only bumps the refcount.
func PutFile(data []byte) (string, error) {
	if db == nil {
		return "", ErrNotOpen
	}
	b := db.NewIndexedBatch()
	defer b.Close()
	hash, err := putFileLocked(b, data)
	if err != nil {
		return "", err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return "", err
	}
	return hash, nil
}

func putFileLocked(b *pebble.Batch, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	meta, err := getFileMeta(b, hash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if errors.Is(err, ErrNotFound) {
		meta = FileMeta{Hash: hash, Size: len(data)}
		if err := b.Set(fileDataKey(hash), data, nil); err != nil {
			return "", err
		}
	}
	meta.Refs++
	return hash, setFileMeta(b, meta)
}

// AddFileRef takes one additional reference on an existing blob.
func AddFileRef(hash string) error {
	if db == nil {
		return ErrNotOpen
	}
	b := db.NewIndexedBatch()
	defer b.Close()
	if err := addFileRefLocked(b, hash); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func addFileRefLocked(b *pebble.Batch, hash string) error {
	meta, err := getFileMeta(b, hash)
	if err != nil {
		return err
	}
	meta.Refs++
	return setFileMeta(b, meta)
}

// ReleaseFile drops one reference. Blobs at zero are left for the vacuum.
func ReleaseFile(hash string) error {
	if db == nil {
		return ErrNotOpen
	}
	b := db.NewIndexedBatch()
	defer b.Close()
	if err := releaseFileLocked(b, hash); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func releaseFileLocked(b *pebble.Batch, hash string) error {
	meta, err := getFileMeta(b, hash)
	if err != nil {
		return err
	}
	if meta.Refs > 0 {
		meta.Refs--
	}
	return setFileMeta(b, meta)
}

// GetFile returns the blob bytes for a content address.
func GetFile(hash string) ([]byte, error) {
	if db == nil {
		return nil, ErrNotOpen
	}
	v, closer, err := db.Get(fileDataKey(hash))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// GetFileMeta returns the tracked metadata for a content address.
func GetFileMeta(hash string) (FileMeta, error) {
	if db == nil {
		return FileMeta{}, ErrNotOpen
	}
	return getFileMeta(nil, hash)
}

func getFileMeta(b *pebble.Batch, hash string) (FileMeta, error) {
	var meta FileMeta
	var v []byte
	var closer io.Closer
	var err error
	if b != nil {
		v, closer, err = b.Get(fileMetaKey(hash))
	} else {
		v, closer, err = db.Get(fileMetaKey(hash))
	}
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return meta, ErrNotFound
		}
		return meta, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

func setFileMeta(b *pebble.Batch, meta FileMeta) error {
	nb, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return b.Set(fileMetaKey(meta.Hash), nb, nil)
}

// VacuumFiles deletes all zero-reference blobs and returns how many were
// removed. Called from the retention sweeper.
func VacuumFiles() (int, error) {
	if db == nil {
		return 0, ErrNotOpen
	}
	prefix := []byte("f:")
	iter, err := newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	b := db.NewBatch()
	defer b.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasSuffix(string(iter.Key()), ":meta") {
			continue
		}
		var meta FileMeta
		if err := json.Unmarshal(iter.Value(), &meta); err != nil {
			continue
		}
		if meta.Refs > 0 {
			continue
		}
		if err := b.Delete(fileMetaKey(meta.Hash), nil); err != nil {
			return 0, err
		}
		if err := b.Delete(fileDataKey(meta.Hash), nil); err != nil {
			return 0, err
		}
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	logger.Info("files_vacuumed", "count", n)
	return n, nil
}

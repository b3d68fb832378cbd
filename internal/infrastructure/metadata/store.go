package metadata

import (
	"errors"
	"fmt"

	"balance_engine/internal/domain/entity"

	"github.com/cockroachdb/pebble"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when the store has no record for a key.
var ErrNotFound = errors.New("not found")

const (
	recordPrefix = "meta/"
	latestPrefix = "latest/"
)

// record is the stored form of a MiniMetadata. The decoded metadata is not
// stored; it is rebuilt from Blob on load.
type record struct {
	ID              string                      `json:"id"`
	Version         entity.ChainMetadataVersion `json:"version"`
	ModuleType      string                      `json:"moduleType"`
	MetadataVersion uint8                       `json:"metadataVersion"`
	Blob            []byte                      `json:"blob"`
}

// Store persists compacted metadata in pebble so restarts do not download
// full runtime metadata again. Records are content addressed by version id.
type Store struct {
	db *pebble.DB
}

// OpenStore opens or creates the store at path.
func OpenStore(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{
		MaxConcurrentCompactions: func() int { return 1 },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) get(key string) ([]byte, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	// value is only valid until closer is closed
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Get loads the metadata with the given version id.
func (s *Store) Get(id string) (*entity.MiniMetadata, error) {
	raw, err := s.get(recordPrefix + id)
	if err != nil {
		return nil, err
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: metadata record %s: %v", entity.ErrDecode, id, err)
	}
	return fromRecord(r)
}

// Latest loads the metadata last stored for chainID and moduleType.
func (s *Store) Latest(chainID, moduleType string) (*entity.MiniMetadata, error) {
	id, err := s.get(latestKey(chainID, moduleType))
	if err != nil {
		return nil, err
	}
	return s.Get(string(id))
}

// Put stores meta and marks it as the latest for its chain and module.
func (s *Store) Put(meta *entity.MiniMetadata) error {
	raw, err := json.Marshal(record{
		ID:              meta.ID,
		Version:         meta.Version,
		ModuleType:      meta.ModuleType,
		MetadataVersion: meta.MetadataVersion,
		Blob:            meta.Blob,
	})
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(recordPrefix+meta.ID), raw, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(latestKey(meta.Version.ChainID, meta.ModuleType)), []byte(meta.ID), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func latestKey(chainID, moduleType string) string {
	return latestPrefix + chainID + "/" + moduleType
}

package format

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var formatsBucket = []byte("formats")

// ErrNotRegistered is returned by Registry.Get for unknown fingerprints.
var ErrNotRegistered = errors.New("format not registered")

// Registry stores known formats by fingerprint so logs can be decoded
// without the header that produced them.
type Registry struct {
	db *bolt.DB
}

// Entry is one registered format.
type Entry struct {
	Fingerprint Fingerprint     `json:"fingerprint"`
	Label       string          `json:"label,omitempty"`
	AddedAt     time.Time       `json:"addedAt"`
	Format      json.RawMessage `json:"format"`
}

// Decode rebuilds the stored format.
func (e Entry) Decode() (*Format, error) {
	return ParseJSON(e.Format)
}

// OpenRegistry opens or creates the registry database at path.
func OpenRegistry(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open format registry: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(formatsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

func registryKey(fp Fingerprint) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(fp))
}

// Put registers f under its fingerprint, replacing any previous entry.
func (r *Registry) Put(f *Format, label string) (Entry, error) {
	doc, err := f.MarshalJSON()
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Fingerprint: f.Fingerprint(), Label: label, AddedAt: time.Now().UTC(), Format: doc}
	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(formatsBucket).Put(registryKey(e.Fingerprint), data)
	})
	return e, err
}

// Get returns the entry registered for fp.
func (r *Registry) Get(fp Fingerprint) (Entry, error) {
	var e Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(formatsBucket).Get(registryKey(fp))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotRegistered, fp)
		}
		return json.Unmarshal(data, &e)
	})
	return e, err
}

// Lookup returns the decoded format registered for fp.
func (r *Registry) Lookup(fp Fingerprint) (*Format, error) {
	e, err := r.Get(fp)
	if err != nil {
		return nil, err
	}
	return e.Decode()
}

// Delete removes fp. Deleting an unknown fingerprint is not an error.
func (r *Registry) Delete(fp Fingerprint) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(formatsBucket).Delete(registryKey(fp))
	})
}

// List returns every entry ordered by fingerprint.
func (r *Registry) List() ([]Entry, error) {
	var out []Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(formatsBucket).ForEach(func(_, data []byte) error {
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

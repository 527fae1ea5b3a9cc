// Package store is the typed persistence layer of the monitor: a CBOR-valued
// key-value map over a single bbolt file. Each key is guarded by an advisory
// per-key lock so concurrent HTTP handlers can read-modify-write without
// clobbering each other.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/probe-rs/hive-software/hive"
)

// Keys used by the core.
const (
	KeyProbeAssignments  = "probes/assignments"
	KeyTargetAssignments = "targets/assignments"
	KeyActiveTestprogram = "testprograms/active"
	keyTestprogramPrefix = "testprograms/"
)

var (
	// ErrNotFound is returned for a missing key or testprogram.
	ErrNotFound = errors.New("store: not found")
	// ErrProtectedTestprogram is returned for attempts to delete the
	// default or the active testprogram.
	ErrProtectedTestprogram = errors.New("store: testprogram is protected")
)

var bucketName = []byte("hive")

// Store is a typed view over the bbolt file.
type Store struct {
	db *bolt.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open opens (creating if necessary) the store file and seeds the default
// testprogram on first use.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db: db, locks: make(map[string]*sync.Mutex)}
	if err := s.seed(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// keyLock returns the advisory lock for a key, creating it on first use.
func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) get(key string, out interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		if err := cbor.Unmarshal(data, out); err != nil {
			return fmt.Errorf("store: decode %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) put(key string, value interface{}) error {
	data, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *Store) delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// seed initialises the assignment arrays and the default testprogram so that
// first boot starts from a consistent empty rack.
func (s *Store) seed() error {
	lock := s.keyLock(KeyActiveTestprogram)
	lock.Lock()
	defer lock.Unlock()

	var probes [hive.NumProbes]hive.ProbeAssignment
	if err := s.get(KeyProbeAssignments, &probes); errors.Is(err, ErrNotFound) {
		for i := range probes {
			probes[i].State = hive.StateNotConnected
		}
		if err := s.put(KeyProbeAssignments, &probes); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	var targets [hive.NumTSS][hive.NumPositions]hive.TargetAssignment
	if err := s.get(KeyTargetAssignments, &targets); errors.Is(err, ErrNotFound) {
		for tss := range targets {
			for pos := range targets[tss] {
				targets[tss][pos].State = hive.StateNotConnected
			}
		}
		if err := s.put(KeyTargetAssignments, &targets); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	var name string
	if err := s.get(KeyActiveTestprogram, &name); errors.Is(err, ErrNotFound) {
		def := hive.Testprogram{
			Name:  hive.DefaultTestprogramName,
			ARM:   hive.TestprogramArch{Arch: hive.ArchARM, Status: hive.TPNotInitialized},
			RISCV: hive.TestprogramArch{Arch: hive.ArchRISCV, Status: hive.TPNotInitialized},
		}
		if err := s.put(keyTestprogramPrefix+def.Name, &def); err != nil {
			return err
		}
		return s.put(KeyActiveTestprogram, hive.DefaultTestprogramName)
	} else if err != nil {
		return err
	}
	return nil
}

// ProbeAssignments reads the persisted probe slot bindings.
func (s *Store) ProbeAssignments() ([hive.NumProbes]hive.ProbeAssignment, error) {
	var probes [hive.NumProbes]hive.ProbeAssignment
	err := s.get(KeyProbeAssignments, &probes)
	return probes, err
}

// SetProbeAssignments replaces the persisted probe slot bindings.
func (s *Store) SetProbeAssignments(probes [hive.NumProbes]hive.ProbeAssignment) error {
	lock := s.keyLock(KeyProbeAssignments)
	lock.Lock()
	defer lock.Unlock()
	return s.put(KeyProbeAssignments, &probes)
}

// UpdateProbeAssignments applies fn to the persisted bindings under the
// per-key lock.
func (s *Store) UpdateProbeAssignments(fn func(*[hive.NumProbes]hive.ProbeAssignment)) error {
	lock := s.keyLock(KeyProbeAssignments)
	lock.Lock()
	defer lock.Unlock()

	var probes [hive.NumProbes]hive.ProbeAssignment
	if err := s.get(KeyProbeAssignments, &probes); err != nil {
		return err
	}
	fn(&probes)
	return s.put(KeyProbeAssignments, &probes)
}

// TargetAssignments reads the persisted target socket bindings.
func (s *Store) TargetAssignments() ([hive.NumTSS][hive.NumPositions]hive.TargetAssignment, error) {
	var targets [hive.NumTSS][hive.NumPositions]hive.TargetAssignment
	err := s.get(KeyTargetAssignments, &targets)
	return targets, err
}

// SetTargetAssignments replaces the persisted target socket bindings. Flash
// bookkeeping is runtime-only and stripped before the write.
func (s *Store) SetTargetAssignments(targets [hive.NumTSS][hive.NumPositions]hive.TargetAssignment) error {
	lock := s.keyLock(KeyTargetAssignments)
	lock.Lock()
	defer lock.Unlock()

	for tss := range targets {
		for pos := range targets[tss] {
			targets[tss][pos].Target.FlashStatus = hive.FlashUnknown
			targets[tss][pos].Target.FlashMessage = ""
		}
	}
	return s.put(KeyTargetAssignments, &targets)
}

// UpdateTargetAssignments applies fn to the persisted bindings under the
// per-key lock, stripping runtime flash bookkeeping.
func (s *Store) UpdateTargetAssignments(fn func(*[hive.NumTSS][hive.NumPositions]hive.TargetAssignment)) error {
	lock := s.keyLock(KeyTargetAssignments)
	lock.Lock()
	defer lock.Unlock()

	var targets [hive.NumTSS][hive.NumPositions]hive.TargetAssignment
	if err := s.get(KeyTargetAssignments, &targets); err != nil {
		return err
	}
	fn(&targets)
	for tss := range targets {
		for pos := range targets[tss] {
			targets[tss][pos].Target.FlashStatus = hive.FlashUnknown
			targets[tss][pos].Target.FlashMessage = ""
		}
	}
	return s.put(KeyTargetAssignments, &targets)
}

// Testprogram reads one testprogram by name.
func (s *Store) Testprogram(name string) (hive.Testprogram, error) {
	var tp hive.Testprogram
	err := s.get(keyTestprogramPrefix+name, &tp)
	return tp, err
}

// PutTestprogram creates or replaces a testprogram.
func (s *Store) PutTestprogram(tp hive.Testprogram) error {
	if tp.Name == "" {
		return errors.New("store: testprogram name must not be empty")
	}
	key := keyTestprogramPrefix + tp.Name
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	return s.put(key, &tp)
}

// DeleteTestprogram removes a testprogram. The default program and the
// active program cannot be deleted.
func (s *Store) DeleteTestprogram(name string) error {
	if name == hive.DefaultTestprogramName {
		return ErrProtectedTestprogram
	}
	active, err := s.ActiveTestprogram()
	if err != nil {
		return err
	}
	if name == active {
		return ErrProtectedTestprogram
	}
	key := keyTestprogramPrefix + name
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	if _, err := s.Testprogram(name); err != nil {
		return err
	}
	return s.delete(key)
}

// ActiveTestprogram returns the name of the active testprogram.
func (s *Store) ActiveTestprogram() (string, error) {
	var name string
	err := s.get(KeyActiveTestprogram, &name)
	return name, err
}

// SetActiveTestprogram switches the active testprogram. The change takes
// physical effect at the next reinitialisation.
func (s *Store) SetActiveTestprogram(name string) error {
	lock := s.keyLock(KeyActiveTestprogram)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.Testprogram(name); err != nil {
		return err
	}
	return s.put(KeyActiveTestprogram, name)
}

// TestprogramSource returns the source bytes for one architecture variant of
// a testprogram. Used by the binary cache.
func (s *Store) TestprogramSource(name string, arch hive.Architecture) ([]byte, error) {
	tp, err := s.Testprogram(name)
	if err != nil {
		return nil, err
	}
	return tp.ArchVariant(arch).Source, nil
}

package checkpoint

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/sirupsen/logrus"
	cm "github.com/unauthority/los/src/common"
)

const (
	checkpointPrefix = "checkpoint_"
	latestHeightKey  = "latest_checkpoint_height"
)

// openRetryDelays bounds the backoff used when the badger directory lock is
// still held by a recently-crashed process.
var openRetryDelays = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

// Manager persists quorum-complete finality checkpoints in a badger database
// and enforces the long-range-attack rejection rule on incoming blocks.
//
// The manager lock is never held across a consensus hot path: persistence
// does blocking disk I/O and callers interleave it with voting at their own
// cadence.
type Manager struct {
	sync.Mutex

	db           *badger.DB
	path         string
	latestHeight uint64

	logger *logrus.Entry
}

// NewManager opens (or creates) the checkpoint database under path. When the
// directory lock is held, for example by a crashed process whose lock file
// was not reaped yet, it retries with bounded exponential backoff before
// failing hard.
func NewManager(path string, logger *logrus.Entry) (*Manager, error) {
	if logger == nil {
		log := logrus.New()
		logger = log.WithField("prefix", "checkpoint")
	}

	db, err := openWithRetry(path, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		db:     db,
		path:   path,
		logger: logger,
	}

	if err := m.loadLatestHeight(); err != nil {
		db.Close()
		return nil, err
	}

	return m, nil
}

func openWithRetry(path string, logger *logrus.Entry) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithSyncWrites(true).WithLogger(nil)

	db, err := badger.Open(opts)
	if err == nil {
		return db, nil
	}
	if !isLockError(err) {
		return nil, err
	}

	for i, delay := range openRetryDelays {
		logger.WithFields(logrus.Fields{
			"path":  path,
			"retry": i + 1,
			"delay": delay,
		}).Warn("Checkpoint DB lock held, retrying")

		time.Sleep(delay)

		db, err = badger.Open(opts)
		if err == nil {
			logger.WithField("retry", i+1).Debug("Checkpoint DB lock acquired")
			return db, nil
		}
		if !isLockError(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("checkpoint DB lock at %s not released after %d retries; "+
		"a stale process is probably holding it - stop it or remove the data dir and resync: %v",
		path, len(openRetryDelays), err)
}

// isLockError matches the badger directory-lock failure modes seen when
// another process, alive or crashed, holds the same on-disk lock.
func isLockError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "lock") ||
		strings.Contains(msg, "resource temporarily unavailable") ||
		strings.Contains(msg, "eagain")
}

func (m *Manager) loadLatestHeight() error {
	return m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(latestHeightKey))
		if err == badger.ErrKeyNotFound {
			m.latestHeight = 0
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				m.latestHeight = binary.LittleEndian.Uint64(val)
			}
			return nil
		})
	})
}

func checkpointKey(height uint64) []byte {
	// zero-padded so that badger's sorted iteration yields height order
	return []byte(fmt.Sprintf("%s%020d", checkpointPrefix, height))
}

// StoreCheckpoint persists a checkpoint keyed by height and advances the
// latest-checkpoint pointer. It rejects heights that are not
// interval-aligned, and checkpoints whose signature set does not reach the
// 2f+1 quorum.
func (m *Manager) StoreCheckpoint(cp *FinalityCheckpoint) error {
	m.Lock()
	defer m.Unlock()

	if !cp.ValidInterval() {
		return fmt.Errorf("invalid checkpoint height: %d not aligned to %d interval", cp.Height, Interval)
	}

	if !cp.VerifyQuorum() {
		return fmt.Errorf("insufficient checkpoint signatures: %d of %d validators",
			cp.SignatureCount, cp.ValidatorCount)
	}

	val, err := cp.Marshal()
	if err != nil {
		return err
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(checkpointKey(cp.Height), val); err != nil {
			return err
		}
		if cp.Height > m.latestHeight {
			heightBytes := make([]byte, 8)
			binary.LittleEndian.PutUint64(heightBytes, cp.Height)
			if err := txn.Set([]byte(latestHeightKey), heightBytes); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if cp.Height > m.latestHeight {
		m.latestHeight = cp.Height
	}

	m.logger.WithFields(logrus.Fields{
		"height":     cp.Height,
		"block_hash": cp.BlockHash,
		"signers":    cp.SignatureCount,
	}).Debug("Stored checkpoint")

	return nil
}

// GetCheckpoint retrieves the checkpoint stored at height.
func (m *Manager) GetCheckpoint(height uint64) (*FinalityCheckpoint, error) {
	var blob []byte

	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(height))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, cm.NewStoreErr("Checkpoint", cm.KeyNotFound, fmt.Sprint(height))
	}

	cp := new(FinalityCheckpoint)
	if err := cp.Unmarshal(blob); err != nil {
		return nil, err
	}

	return cp, nil
}

// LatestCheckpoint returns the highest stored checkpoint, or a NoCheckpoint
// store error when none has been persisted yet.
func (m *Manager) LatestCheckpoint() (*FinalityCheckpoint, error) {
	m.Lock()
	latest := m.latestHeight
	m.Unlock()

	if latest == 0 {
		return nil, cm.NewStoreErr("Checkpoint", cm.NoCheckpoint, "latest")
	}

	return m.GetCheckpoint(latest)
}

// LatestHeight returns the height of the latest stored checkpoint, 0 when
// none exists.
func (m *Manager) LatestHeight() uint64 {
	m.Lock()
	defer m.Unlock()

	return m.latestHeight
}

// ValidateBlock checks an incoming block against the latest checkpoint.
// With no checkpoint stored yet everything is allowed. Any height strictly
// below the latest checkpoint is a long-range attack and is rejected with
// the conflicting heights in the error; at the checkpoint height the hash
// must match exactly; just above it, the parent must not precede the
// checkpoint.
func (m *Manager) ValidateBlock(height uint64, blockHash, parentHash string) error {
	latest, err := m.LatestCheckpoint()
	if err != nil {
		if cm.IsStore(err, cm.NoCheckpoint) {
			return nil
		}
		return err
	}

	if height < latest.Height {
		return fmt.Errorf("block height %d is before finality checkpoint %d (long-range attack rejected)",
			height, latest.Height)
	}

	if height == latest.Height && blockHash != latest.BlockHash {
		return fmt.Errorf("block hash mismatch at checkpoint %d: expected %s, got %s",
			height, latest.BlockHash, blockHash)
	}

	if height > latest.Height && height < latest.Height+Interval {
		parentHeight := height - 1
		if parentHeight < latest.Height {
			return fmt.Errorf("parent block %d is before checkpoint %d (invalid chain)",
				parentHeight, latest.Height)
		}
	}

	_ = parentHash

	return nil
}

// ShouldCreateCheckpoint reports whether a checkpoint is due at height:
// interval-aligned and strictly beyond the latest stored checkpoint.
func (m *Manager) ShouldCreateCheckpoint(height uint64) bool {
	m.Lock()
	defer m.Unlock()

	return height%Interval == 0 && height > m.latestHeight
}

// AllCheckpoints returns every stored checkpoint in increasing height order.
func (m *Manager) AllCheckpoints() ([]*FinalityCheckpoint, error) {
	res := []*FinalityCheckpoint{}

	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(checkpointPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(checkpointPrefix)); it.ValidForPrefix([]byte(checkpointPrefix)); it.Next() {
			blob, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			cp := new(FinalityCheckpoint)
			if err := cp.Unmarshal(blob); err != nil {
				return err
			}
			res = append(res, cp)
		}

		return nil
	})

	return res, err
}

// Count returns the number of stored checkpoints.
func (m *Manager) Count() int {
	count := 0

	m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(checkpointPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(checkpointPrefix)); it.ValidForPrefix([]byte(checkpointPrefix)); it.Next() {
			count++
		}

		return nil
	})

	return count
}

// PruneOldCheckpoints deletes all but the most recent keepLast checkpoints
// and returns the count removed.
func (m *Manager) PruneOldCheckpoints(keepLast int) (int, error) {
	checkpoints, err := m.AllCheckpoints()
	if err != nil {
		return 0, err
	}

	if len(checkpoints) <= keepLast {
		return 0, nil
	}

	// AllCheckpoints is height-ascending; everything before the cut goes
	toRemove := checkpoints[:len(checkpoints)-keepLast]

	removed := 0
	err = m.db.Update(func(txn *badger.Txn) error {
		for _, cp := range toRemove {
			if err := txn.Delete(checkpointKey(cp.Height)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	m.logger.WithField("removed", removed).Debug("Pruned old checkpoints")

	return removed, nil
}

// Stats holds a snapshot of the checkpoint store.
type Stats struct {
	TotalCheckpoints int    `json:"total_checkpoints"`
	LatestHeight     uint64 `json:"latest_checkpoint_height"`
	Interval         uint64 `json:"checkpoint_interval"`
}

// Stats returns a snapshot of the checkpoint store.
func (m *Manager) Stats() Stats {
	return Stats{
		TotalCheckpoints: m.Count(),
		LatestHeight:     m.LatestHeight(),
		Interval:         Interval,
	}
}

// Close releases the underlying database, including its directory lock.
func (m *Manager) Close() error {
	return m.db.Close()
}

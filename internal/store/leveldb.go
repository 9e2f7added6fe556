package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout (all values are JSON):
//
//	dp/<pointHash>/<peerID>   daily point entry
//	dpp/<peerID>/<pointHash>  per-peer daily index (empty value)
//	ht/<tokenHash>/<peerID>   hourly token entry
//	htp/<peerID>/<tokenHash>  per-peer hourly index (empty value)
//	rl/<peerID>               relay entry
//	members                   membership snapshot
//
// Routing hashes and peer IDs are hex/base64url and never contain '/',
// so the separator is unambiguous.
const (
	prefixDaily      = "dp/"
	prefixDailyPeer  = "dpp/"
	prefixHourly     = "ht/"
	prefixHourlyPeer = "htp/"
	prefixRelay      = "rl/"
	keyMembers       = "members"
)

// LevelDB is the persistent Store backend.
type LevelDB struct {
	// mu serializes read-modify-write upserts; LevelDB batches give
	// atomicity but not the merge-on-conflict semantics upserts need.
	mu sync.Mutex
	db *leveldb.DB
}

var _ Store = (*LevelDB)(nil)

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Close() error { return l.db.Close() }

// ─── Daily points ────────────────────────────────────────────────────────────

func (l *LevelDB) UpsertDailyPoint(e DailyPointEntry) (DailyPointEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := []byte(prefixDaily + e.PointHash + "/" + e.PeerID)
	if raw, err := l.db.Get(key, nil); err == nil {
		var old DailyPointEntry
		if json.Unmarshal(raw, &old) == nil {
			e = mergeDailyPoint(old, e)
		}
	}
	val, err := json.Marshal(e)
	if err != nil {
		return DailyPointEntry{}, err
	}
	batch := new(leveldb.Batch)
	batch.Put(key, val)
	batch.Put([]byte(prefixDailyPeer+e.PeerID+"/"+e.PointHash), nil)
	if err := l.db.Write(batch, nil); err != nil {
		return DailyPointEntry{}, fmt.Errorf("write daily point: %w", err)
	}
	return e, nil
}

func (l *LevelDB) DailyPoints(pointHash string) []DailyPointEntry {
	var out []DailyPointEntry
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixDaily+pointHash+"/")), nil)
	defer iter.Release()
	for iter.Next() {
		var e DailyPointEntry
		if json.Unmarshal(iter.Value(), &e) == nil {
			out = append(out, e)
		}
	}
	// Iterator errors fail open: queries return what was readable.
	return out
}

func (l *LevelDB) AllDailyPoints() []DailyPointEntry {
	var out []DailyPointEntry
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixDaily)), nil)
	defer iter.Release()
	for iter.Next() {
		var e DailyPointEntry
		if json.Unmarshal(iter.Value(), &e) == nil {
			out = append(out, e)
		}
	}
	return out
}

func (l *LevelDB) DeleteDailyPoint(pointHash, peerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixDaily + pointHash + "/" + peerID))
	batch.Delete([]byte(prefixDailyPeer + peerID + "/" + pointHash))
	return l.db.Write(batch, nil)
}

func (l *LevelDB) DeletePeerDailyPoints(peerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixDailyPeer+peerID+"/")), nil)
	for iter.Next() {
		pointHash := strings.TrimPrefix(string(iter.Key()), prefixDailyPeer+peerID+"/")
		batch.Delete([]byte(prefixDaily + pointHash + "/" + peerID))
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	return l.db.Write(batch, nil)
}

func (l *LevelDB) DeleteExpiredDailyPoints(before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	n := 0
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixDaily)), nil)
	for iter.Next() {
		var e DailyPointEntry
		if json.Unmarshal(iter.Value(), &e) != nil {
			continue
		}
		if e.ExpiresAt.Before(before) {
			batch.Delete(append([]byte(nil), iter.Key()...))
			batch.Delete([]byte(prefixDailyPeer + e.PeerID + "/" + e.PointHash))
			n++
		}
	}
	iter.Release()
	if err := l.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("sweep daily points: %w", err)
	}
	return n, nil
}

// ─── Hourly tokens ───────────────────────────────────────────────────────────

func (l *LevelDB) UpsertHourlyToken(e HourlyTokenEntry) (HourlyTokenEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := []byte(prefixHourly + e.TokenHash + "/" + e.PeerID)
	if raw, err := l.db.Get(key, nil); err == nil {
		var old HourlyTokenEntry
		if json.Unmarshal(raw, &old) == nil {
			e = mergeHourlyToken(old, e)
		}
	}
	val, err := json.Marshal(e)
	if err != nil {
		return HourlyTokenEntry{}, err
	}
	batch := new(leveldb.Batch)
	batch.Put(key, val)
	batch.Put([]byte(prefixHourlyPeer+e.PeerID+"/"+e.TokenHash), nil)
	if err := l.db.Write(batch, nil); err != nil {
		return HourlyTokenEntry{}, fmt.Errorf("write hourly token: %w", err)
	}
	return e, nil
}

func (l *LevelDB) HourlyTokens(tokenHash string) []HourlyTokenEntry {
	var out []HourlyTokenEntry
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixHourly+tokenHash+"/")), nil)
	defer iter.Release()
	for iter.Next() {
		var e HourlyTokenEntry
		if json.Unmarshal(iter.Value(), &e) == nil {
			out = append(out, e)
		}
	}
	return out
}

func (l *LevelDB) AllHourlyTokens() []HourlyTokenEntry {
	var out []HourlyTokenEntry
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixHourly)), nil)
	defer iter.Release()
	for iter.Next() {
		var e HourlyTokenEntry
		if json.Unmarshal(iter.Value(), &e) == nil {
			out = append(out, e)
		}
	}
	return out
}

func (l *LevelDB) DeleteHourlyToken(tokenHash, peerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixHourly + tokenHash + "/" + peerID))
	batch.Delete([]byte(prefixHourlyPeer + peerID + "/" + tokenHash))
	return l.db.Write(batch, nil)
}

func (l *LevelDB) DeletePeerHourlyTokens(peerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixHourlyPeer+peerID+"/")), nil)
	for iter.Next() {
		tokenHash := strings.TrimPrefix(string(iter.Key()), prefixHourlyPeer+peerID+"/")
		batch.Delete([]byte(prefixHourly + tokenHash + "/" + peerID))
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	return l.db.Write(batch, nil)
}

func (l *LevelDB) DeleteExpiredHourlyTokens(before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	n := 0
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixHourly)), nil)
	for iter.Next() {
		var e HourlyTokenEntry
		if json.Unmarshal(iter.Value(), &e) != nil {
			continue
		}
		if e.ExpiresAt.Before(before) {
			batch.Delete(append([]byte(nil), iter.Key()...))
			batch.Delete([]byte(prefixHourlyPeer + e.PeerID + "/" + e.TokenHash))
			n++
		}
	}
	iter.Release()
	if err := l.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("sweep hourly tokens: %w", err)
	}
	return n, nil
}

// ─── Relay registry ──────────────────────────────────────────────────────────

func (l *LevelDB) UpsertRelay(e RelayEntry) (RelayEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := []byte(prefixRelay + e.PeerID)
	if raw, err := l.db.Get(key, nil); err == nil {
		var old RelayEntry
		if json.Unmarshal(raw, &old) == nil {
			e = mergeRelay(old, e)
		}
	}
	val, err := json.Marshal(e)
	if err != nil {
		return RelayEntry{}, err
	}
	if err := l.db.Put(key, val, nil); err != nil {
		return RelayEntry{}, fmt.Errorf("write relay: %w", err)
	}
	return e, nil
}

func (l *LevelDB) Relays() []RelayEntry {
	var out []RelayEntry
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixRelay)), nil)
	defer iter.Release()
	for iter.Next() {
		var e RelayEntry
		if json.Unmarshal(iter.Value(), &e) == nil {
			out = append(out, e)
		}
	}
	return out
}

func (l *LevelDB) DeleteRelay(peerID string) error {
	return l.db.Delete([]byte(prefixRelay+peerID), nil)
}

// ─── Membership snapshot ─────────────────────────────────────────────────────

func (l *LevelDB) SaveMembers(members []MemberRecord) error {
	val, err := json.Marshal(members)
	if err != nil {
		return err
	}
	if err := l.db.Put([]byte(keyMembers), val, nil); err != nil {
		return fmt.Errorf("write membership snapshot: %w", err)
	}
	return nil
}

func (l *LevelDB) LoadMembers() []MemberRecord {
	raw, err := l.db.Get([]byte(keyMembers), nil)
	if err != nil {
		return nil
	}
	var members []MemberRecord
	if json.Unmarshal(raw, &members) != nil {
		return nil
	}
	return members
}

package shield

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"path/filepath"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// levelStore keeps envelopes in a LevelDB database. "e:<key>" holds the
// envelope bytes, "t:<key>" the write time in unix nanoseconds; both are
// written in one batch.
type levelStore struct {
	db     *leveldb.DB
	expiry time.Duration
	now    clock
}

func newLevelStore(root string, expiry time.Duration) (*levelStore, error) {
	db, err := leveldb.OpenFile(filepath.Join(root, "leveldb"), nil)
	if err != nil {
		return nil, err
	}
	return &levelStore{db: db, expiry: expiry, now: time.Now}, nil
}

func envKey(key string) []byte  { return []byte("e:" + key) }
func timeKey(key string) []byte { return []byte("t:" + key) }

func (s *levelStore) writtenAt(key string) (time.Time, bool, error) {
	b, err := s.db.Get(timeKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if len(b) != 8 {
		return time.Time{}, false, errBadEnvelope
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))), true, nil
}

func (s *levelStore) Lookup(key string) (Envelope, bool, error) {
	at, ok, err := s.writtenAt(key)
	if err != nil || !ok {
		return Envelope{}, false, err
	}
	if isExpired(at, s.now(), s.expiry) {
		return Envelope{}, false, nil
	}
	v, err := s.db.Get(envKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, err
	}
	ct, status, off, err := decodeEnvelopeHeader(bytes.NewReader(v))
	if err != nil {
		return Envelope{}, false, err
	}
	return Envelope{
		ContentType: ct,
		Status:      status,
		Body:        levelBody{s: s, key: key, written: at, offset: off, size: int64(len(v)) - off},
	}, true, nil
}

func (s *levelStore) Put(key, contentType string, status int, body io.Reader) (Envelope, error) {
	hdr, err := encodeEnvelopeHeader(contentType, status)
	if err != nil {
		return Envelope{}, err
	}
	buf := bytes.NewBuffer(hdr)
	n, err := io.Copy(buf, body)
	if err != nil {
		return Envelope{}, err
	}
	at := s.now()
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixNano()))

	batch := new(leveldb.Batch)
	batch.Put(envKey(key), buf.Bytes())
	batch.Put(timeKey(key), ts[:])
	if err := s.db.Write(batch, nil); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ContentType: contentType,
		Status:      status,
		Body:        levelBody{s: s, key: key, written: time.Unix(0, at.UnixNano()), offset: int64(len(hdr)), size: n},
	}, nil
}

func (s *levelStore) Prune() (int, error) {
	now := s.now()
	it := s.db.NewIterator(util.BytesPrefix([]byte("t:")), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	pruned := 0
	for it.Next() {
		v := it.Value()
		key := string(bytes.TrimPrefix(it.Key(), []byte("t:")))
		if len(v) == 8 && !isExpired(time.Unix(0, int64(binary.BigEndian.Uint64(v))), now, s.expiry) {
			continue
		}
		batch.Delete(envKey(key))
		batch.Delete(timeKey(key))
		pruned++
	}
	if err := it.Error(); err != nil {
		return 0, err
	}
	if pruned == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return pruned, nil
}

func (s *levelStore) Close() error { return s.db.Close() }

// levelBody re-reads the envelope on every Open; written pins the version.
type levelBody struct {
	s       *levelStore
	key     string
	written time.Time
	offset  int64
	size    int64
}

func (b levelBody) Open() (io.ReadCloser, error) {
	if !b.Available() {
		return nil, leveldb.ErrNotFound
	}
	v, err := b.s.db.Get(envKey(b.key), nil)
	if err != nil {
		return nil, err
	}
	if int64(len(v)) < b.offset {
		return nil, errBadEnvelope
	}
	return io.NopCloser(bytes.NewReader(v[b.offset:])), nil
}

func (b levelBody) Size() int64 { return b.size }

func (b levelBody) Available() bool {
	at, ok, err := b.s.writtenAt(b.key)
	if err != nil || !ok || !at.Equal(b.written) {
		return false
	}
	return !isExpired(at, b.s.now(), b.s.expiry)
}

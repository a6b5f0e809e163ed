package shield

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// fileStore keeps one envelope file per key at <root>/<key[:2]>/<key>. A
// file's mtime is its write time.
type fileStore struct {
	root    string
	expiry  time.Duration
	now     clock
	remove  func(string) error
	warnLog *rateLimitedLogger
}

func newFileStore(root string, expiry time.Duration, warn *rateLimitedLogger) (*fileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if warn == nil {
		warn = newRateLimitedLogger(time.Minute)
	}
	return &fileStore{root: root, expiry: expiry, now: time.Now, remove: os.Remove, warnLog: warn}, nil
}

func (s *fileStore) path(key string) string {
	return filepath.Join(s.root, key[:2], key)
}

func (s *fileStore) Lookup(key string) (Envelope, bool, error) {
	p := s.path(key)
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Envelope{}, false, nil
		}
		return Envelope{}, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Envelope{}, false, err
	}
	if isExpired(st.ModTime(), s.now(), s.expiry) {
		return Envelope{}, false, nil
	}
	ct, status, off, err := decodeEnvelopeHeader(f)
	if err != nil {
		return Envelope{}, false, fmt.Errorf("%s: %w", p, err)
	}
	return Envelope{
		ContentType: ct,
		Status:      status,
		Body: fileBody{
			path:    p,
			offset:  off,
			size:    st.Size() - off,
			modTime: st.ModTime(),
			expiry:  s.expiry,
		},
	}, true, nil
}

// Put streams body into a .tmp sibling and renames it over the destination.
// The destination may already exist when an expired entry is re-fetched.
func (s *fileStore) Put(key, contentType string, status int, body io.Reader) (Envelope, error) {
	hdr, err := encodeEnvelopeHeader(contentType, status)
	if err != nil {
		return Envelope{}, err
	}
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Envelope{}, err
	}
	tmp := p + ".tmp"
	defer os.Remove(tmp)

	f, err := os.Create(tmp)
	if err != nil {
		return Envelope{}, err
	}
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return Envelope{}, err
	}
	n, err := io.Copy(f, body)
	if err != nil {
		f.Close()
		return Envelope{}, err
	}
	if err := f.Close(); err != nil {
		return Envelope{}, err
	}
	if err := os.Rename(tmp, p); err != nil {
		return Envelope{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ContentType: contentType,
		Status:      status,
		Body: fileBody{
			path:    p,
			offset:  int64(len(hdr)),
			size:    n,
			modTime: st.ModTime(),
			expiry:  s.expiry,
		},
	}, nil
}

// Prune deletes every expired file and every directory left empty, except
// the root. Individual delete failures are logged and skipped.
func (s *fileStore) Prune() (int, error) {
	now := s.now()
	var dirs []string
	pruned := 0
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == s.root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if p != s.root {
				dirs = append(dirs, p)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || !isExpired(info.ModTime(), now, s.expiry) {
			return nil
		}
		if err := s.remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.warnLog.Printf("prune: failed to delete %s: %v", p, err)
			return nil
		}
		pruned++
		return nil
	})
	if err != nil {
		return pruned, err
	}

	// deepest first so parents empty out after their children
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(d); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.warnLog.Printf("prune: failed to delete %s: %v", d, err)
		}
	}
	return pruned, nil
}

func (s *fileStore) Close() error { return nil }

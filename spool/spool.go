package spool

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/finbase/batchflow/util"
)

const blobSuffix = ".blob"

//FileRef reference to a payload staged on disk. Travels inside a message in
//place of the payload itself.
type FileRef struct {
	Path     string
	Size     int64
	Checksum string
}

//Store stages oversized payloads as temporary files. Every blob carries an
//md5 digest in its reference and is verified on read, a staged payload is
//removed once the receiving side has dereferenced it.
type Store struct {
	dir string
}

//NewStore open a staging store under dir, creating it if needed. An empty dir
//selects a per-process directory under the system temp root.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "batchflow-spool")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create spool dir %s", dir)
	}
	return &Store{dir: dir}, nil
}

//Dir the directory blobs are staged under.
func (s *Store) Dir() string {
	return s.dir
}

//Write stage a payload under the given id and return its reference.
func (s *Store) Write(id string, payload []byte) (*FileRef, error) {
	path := filepath.Join(s.dir, id+blobSuffix)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "stage %s", path)
	}
	_, werr := f.Write(payload)
	cerr := f.Close()
	if werr != nil {
		os.Remove(path)
		return nil, errors.Wrapf(werr, "stage %s", path)
	}
	if cerr != nil {
		os.Remove(path)
		return nil, errors.Wrapf(cerr, "stage %s", path)
	}
	return &FileRef{
		Path:     path,
		Size:     int64(len(payload)),
		Checksum: util.MD5Bytes(payload),
	}, nil
}

//Read load a staged payload and verify its size and digest against the
//reference. The blob stays on disk, callers remove it after use.
func (s *Store) Read(ref *FileRef) ([]byte, error) {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "read staged %s", ref.Path)
	}
	if int64(len(data)) != ref.Size {
		return nil, errors.Errorf("staged %s size mismatch, want:%d got:%d", ref.Path, ref.Size, len(data))
	}
	if sum := util.MD5Bytes(data); sum != ref.Checksum {
		return nil, errors.Errorf("staged %s checksum mismatch, want:%s got:%s", ref.Path, ref.Checksum, sum)
	}
	return data, nil
}

//Remove delete a staged payload. Missing files are not an error, a crashed
//receiver may race the janitor.
func (s *Store) Remove(ref *FileRef) error {
	err := os.Remove(ref.Path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove staged %s", ref.Path)
	}
	return nil
}

//Sweep remove orphaned blobs older than maxAge and report how many were
//deleted. Run periodically, a sender that crashed between stage and send
//leaves blobs nothing will ever dereference.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, errors.Wrapf(err, "sweep spool dir %s", s.dir)
	}
	deadline := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), blobSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(deadline) {
			if os.Remove(filepath.Join(s.dir, entry.Name())) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

package feed

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

//Source drains an ordered list of record files and hands their records to
//the engine as items. Files are opened lazily one at a time; with a bound
//prototype each record becomes a typed struct pointer, otherwise the raw
//record map is the item.
type Source struct {
	files   []RecordFile
	binding *Binding
	idx     int
	cur     *Reader
	records int64
	mu      sync.Mutex
}

func NewSource(files ...RecordFile) *Source {
	return &Source{files: files}
}

//Bind make pulled items typed *T instances instead of record maps
func (s *Source) Bind(prototype interface{}) error {
	b, err := NewBinding(prototype)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.binding = b
	s.mu.Unlock()
	return nil
}

//Pull returns up to max items, empty when every file is exhausted. A read or
//bind failure returns the items gathered so far along with the error.
func (s *Source) Pull(ctx context.Context, max int) ([]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interface{}, 0, max)
	for len(out) < max {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}
		if s.cur == nil {
			if s.idx >= len(s.files) {
				break
			}
			r, err := OpenReader(s.files[s.idx])
			if err != nil {
				return out, err
			}
			s.cur = r
		}
		rec, err := s.cur.Read()
		if err == io.EOF {
			s.cur.Close()
			s.cur = nil
			s.idx++
			continue
		}
		if err != nil {
			return out, err
		}
		item, err := s.item(rec, s.files[s.idx].Header)
		if err != nil {
			return out, errors.Wrapf(err, "%v line %v", s.files[s.idx], s.cur.Lines())
		}
		out = append(out, item)
		s.records++
	}
	return out, nil
}

func (s *Source) item(rec map[string]interface{}, headered bool) (interface{}, error) {
	if s.binding == nil {
		return rec, nil
	}
	pv := reflect.New(s.binding.typ)
	if headered {
		if err := s.binding.Bind(rec, pv.Interface()); err != nil {
			return nil, err
		}
		return pv.Interface(), nil
	}
	fields := make([]string, len(rec))
	for i := range fields {
		if v, ok := rec[fmt.Sprintf("col%d", i)]; ok && v != nil {
			fields[i] = fmt.Sprintf("%v", v)
		}
	}
	if err := s.binding.BindRow(fields, pv.Interface()); err != nil {
		return nil, err
	}
	return pv.Interface(), nil
}

//Records items pulled so far across all files
func (s *Source) Records() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records
}

//Close stops the source, further pulls return no items
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx = len(s.files)
	if s.cur != nil {
		err := s.cur.Close()
		s.cur = nil
		return err
	}
	return nil
}

//Copy move one record file between storages, verifying the source checksum
//first and flushing the destination sidecar after. Used to publish produced
//files to a remote drop point.
func Copy(src, dst RecordFile) error {
	if src.Store == nil || dst.Store == nil {
		return errors.New("both record files need storage")
	}
	if src.Checksum != "" {
		ok, err := Verify(src)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("checksum verification failed for %v", src)
		}
	}
	r, err := src.Store.Open(src.Name)
	if err != nil {
		return errors.Wrapf(err, "open %v", src)
	}
	w, err := dst.Store.Create(dst.Name)
	if err != nil {
		r.Close()
		return errors.Wrapf(err, "create %v", dst)
	}
	if _, err = io.Copy(w, r); err != nil {
		r.Close()
		w.Close()
		return errors.Wrapf(err, "copy %v to %v", src, dst)
	}
	if err = r.Close(); err != nil {
		w.Close()
		return errors.Wrapf(err, "close %v", src)
	}
	if err = w.Close(); err != nil {
		return errors.Wrapf(err, "close %v", dst)
	}
	if dst.Checksum != "" {
		return Flush(dst)
	}
	return nil
}

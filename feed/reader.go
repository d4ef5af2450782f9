package feed

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const (
	CSV = "csv"
	TSV = "tsv"
)

//RecordFile describes one delimited record file
type RecordFile struct {
	Store  FileStorage
	Name   string
	Type   string
	Header bool
	//Checksum sidecar verification before the first read, empty skips it
	Checksum string
}

func (f RecordFile) String() string {
	return fmt.Sprintf("%T://%s", f.Store, f.Name)
}

//Reader streams records out of one file. Each record is a map keyed by the
//header fields, or col0..colN when the file has no header.
type Reader struct {
	file   RecordFile
	rc     io.ReadCloser
	csv    *csv.Reader
	fields []string
	lines  int64
}

//OpenReader verifies the checksum when the file declares one, then opens the
//file and consumes the header line.
func OpenReader(file RecordFile) (*Reader, error) {
	if file.Store == nil {
		return nil, errors.New("record file has no storage")
	}
	if file.Checksum != "" {
		ok, err := Verify(file)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("checksum verification failed for %v", file)
		}
	}
	rc, err := file.Store.Open(file.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "open %v", file)
	}
	cr := csv.NewReader(bufio.NewReader(rc))
	if file.Type == TSV {
		cr.Comma = '\t'
	}
	cr.FieldsPerRecord = -1
	r := &Reader{file: file, rc: rc, csv: cr}
	if file.Header {
		header, err := cr.Read()
		if err == io.EOF {
			return r, nil
		}
		if err != nil {
			rc.Close()
			return nil, errors.Wrapf(err, "read header of %v", file)
		}
		r.fields = header
	}
	return r, nil
}

//Read the next record, io.EOF when the file is exhausted
func (r *Reader) Read() (map[string]interface{}, error) {
	rec, err := r.csv.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %v line %v", r.file, r.lines+1)
	}
	r.lines++
	out := make(map[string]interface{}, len(rec))
	for i, v := range rec {
		if i < len(r.fields) {
			out[r.fields[i]] = v
		} else {
			out[fmt.Sprintf("col%d", i)] = v
		}
	}
	return out, nil
}

//Lines records read so far, header excluded
func (r *Reader) Lines() int64 {
	return r.lines
}

func (r *Reader) Close() error {
	return r.rc.Close()
}

package feed

import (
	"encoding/csv"
	"fmt"
	"io"
	"sync"

	"github.com/finbase/batchflow/util"
	"github.com/pkg/errors"
)

//DeadLetter a sink for items that permanently failed processing. Items land
//in one delimited file, rendered through a binding when the sink has one and
//as single-column JSON otherwise. Close flushes the checksum sidecar.
type DeadLetter struct {
	file    RecordFile
	binding *Binding
	wc      io.WriteCloser
	csv     *csv.Writer
	wrote   int64
	closed  bool
	mu      sync.Mutex
}

//OpenDeadLetter create the dead-letter file. A non-nil prototype binds rows
//to its columns and, when the file declares a header, writes the header line.
func OpenDeadLetter(file RecordFile, prototype interface{}) (*DeadLetter, error) {
	if file.Store == nil {
		return nil, errors.New("dead-letter file has no storage")
	}
	var binding *Binding
	if prototype != nil {
		var err error
		binding, err = NewBinding(prototype)
		if err != nil {
			return nil, err
		}
	}
	wc, err := file.Store.Create(file.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "create %v", file)
	}
	cw := csv.NewWriter(wc)
	if file.Type == TSV {
		cw.Comma = '\t'
	}
	d := &DeadLetter{file: file, binding: binding, wc: wc, csv: cw}
	if file.Header && binding != nil {
		if err = cw.Write(binding.Headers()); err != nil {
			wc.Close()
			return nil, errors.Wrapf(err, "write header of %v", file)
		}
	}
	return d, nil
}

//Append write items to the dead-letter file
func (d *DeadLetter) Append(items ...interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.Errorf("dead-letter %v already closed", d.file)
	}
	for _, item := range items {
		row, err := d.row(item)
		if err != nil {
			return err
		}
		if err = d.csv.Write(row); err != nil {
			return errors.Wrapf(err, "write %v", d.file)
		}
		d.wrote++
	}
	d.csv.Flush()
	return errors.Wrapf(d.csv.Error(), "flush %v", d.file)
}

func (d *DeadLetter) row(item interface{}) ([]string, error) {
	switch v := item.(type) {
	case string:
		return []string{v}, nil
	case map[string]interface{}:
		if d.binding == nil {
			text, err := util.JsonString(v)
			return []string{text}, err
		}
		row := make([]string, 0, len(d.binding.columns))
		for _, name := range d.binding.Headers() {
			cell := ""
			if raw, ok := v[name]; ok && raw != nil {
				cell = fmt.Sprintf("%v", raw)
			}
			row = append(row, cell)
		}
		return row, nil
	default:
		if d.binding != nil {
			return d.binding.Row(item)
		}
		text, err := util.JsonString(item)
		return []string{text}, err
	}
}

//Count items written so far
func (d *DeadLetter) Count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrote
}

//Close flush pending rows, close the file and write the checksum sidecar
func (d *DeadLetter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.csv.Flush()
	err := d.csv.Error()
	if cerr := d.wc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "close %v", d.file)
	}
	if d.file.Checksum != "" {
		return Flush(d.file)
	}
	return nil
}

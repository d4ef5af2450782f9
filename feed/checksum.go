package feed

import (
	"io"
	"strings"

	"github.com/finbase/batchflow/util"
	"github.com/pkg/errors"
)

const (
	//OKFlag an empty .ok marker says the data file is complete
	OKFlag = "OK"
	//MD5 a .md5 sidecar holds the hex digest of the data file
	MD5 = "MD5"
)

//Verify checks the file against its declared sidecar. Empty checksum type
//accepts the file as is.
func Verify(file RecordFile) (bool, error) {
	switch file.Checksum {
	case "":
		return true, nil
	case OKFlag:
		return verifyOKFlag(file)
	case MD5:
		return verifyMD5(file)
	default:
		return false, errors.Errorf("unsupported checksum type:%v", file.Checksum)
	}
}

//Flush writes the sidecar for a file just produced
func Flush(file RecordFile) error {
	switch file.Checksum {
	case "":
		return nil
	case OKFlag:
		w, err := file.Store.Create(file.Name + ".ok")
		if err != nil {
			return err
		}
		return w.Close()
	case MD5:
		digest, err := digestOf(file)
		if err != nil {
			return err
		}
		w, err := file.Store.Create(file.Name + ".md5")
		if err != nil {
			return err
		}
		if _, err = io.WriteString(w, digest+"\n"); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	default:
		return errors.Errorf("unsupported checksum type:%v", file.Checksum)
	}
}

func verifyOKFlag(file RecordFile) (bool, error) {
	fs := file.Store
	ok, err := fs.Exists(file.Name)
	if err != nil || !ok {
		return false, err
	}
	ok, err = fs.Exists(file.Name + ".ok")
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	//some producers replace the extension instead of appending
	if dotIdx := strings.LastIndex(file.Name, "."); dotIdx > 0 {
		return fs.Exists(file.Name[0:dotIdx] + ".ok")
	}
	return false, nil
}

func verifyMD5(file RecordFile) (bool, error) {
	fs := file.Store
	sidecar, err := fs.Open(file.Name + ".md5")
	if err != nil {
		return false, errors.Wrapf(err, "open checksum sidecar of %v", file)
	}
	raw, err := io.ReadAll(sidecar)
	sidecar.Close()
	if err != nil {
		return false, err
	}
	want := strings.Fields(string(raw))
	if len(want) == 0 {
		return false, errors.Errorf("empty checksum sidecar for %v", file)
	}
	got, err := digestOf(file)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(want[0], got), nil
}

func digestOf(file RecordFile) (string, error) {
	r, err := file.Store.Open(file.Name)
	if err != nil {
		return "", errors.Wrapf(err, "open %v", file)
	}
	defer r.Close()
	return util.MD5Reader(r)
}

//Package feed reads delimited record files from local disk or FTP and turns
//them into items for the engine, with sidecar checksum verification and a
//dead-letter sink for items that permanently fail.
package feed

import (
	"fmt"
	"io"
	"net/textproto"
	"os"
	"time"

	"github.com/jlaffaye/ftp"
)

const (
	LocalFileStorage = "LocalFile"
	FTPFileStorage   = "FTP"
)

//FileStorage where record files live
type FileStorage interface {
	Exists(fileName string) (ok bool, err error)
	Open(fileName string) (reader io.ReadCloser, err error)
	Create(fileName string) (writer io.WriteCloser, err error)
}

type LocalFileSystem struct {
}

func (fs *LocalFileSystem) Exists(fileName string) (bool, error) {
	_, err := os.Stat(fileName)
	if err != nil && os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (fs *LocalFileSystem) Open(fileName string) (io.ReadCloser, error) {
	return os.Open(fileName)
}

func (fs *LocalFileSystem) Create(fileName string) (io.WriteCloser, error) {
	return os.Create(fileName)
}

type FTPFileSystem struct {
	Host        string
	Port        int
	User        string
	Password    string
	ConnTimeout time.Duration
}

func (fs *FTPFileSystem) connect() (*ftp.ServerConn, error) {
	c, err := ftp.DialTimeout(fmt.Sprintf("%s:%d", fs.Host, fs.Port), fs.ConnTimeout)
	if err != nil {
		return nil, err
	}
	err = c.Login(fs.User, fs.Password)
	if err != nil {
		c.Quit()
		return nil, err
	}
	return c, nil
}

func (fs *FTPFileSystem) Exists(fileName string) (bool, error) {
	c, err := fs.connect()
	if err != nil {
		return false, err
	}
	defer c.Quit()

	_, err = c.FileSize(fileName)
	if err == nil {
		return true, nil
	}
	if e, ok := err.(*textproto.Error); ok && e.Code == ftp.StatusFileUnavailable {
		return false, nil
	}
	return false, err
}

//Open the connection stays up until the returned reader is closed
func (fs *FTPFileSystem) Open(fileName string) (io.ReadCloser, error) {
	c, err := fs.connect()
	if err != nil {
		return nil, err
	}
	resp, err := c.Retr(fileName)
	if err != nil {
		c.Quit()
		return nil, err
	}
	return &ftpReader{resp: resp, conn: c}, nil
}

//Create the upload completes when the returned writer is closed
func (fs *FTPFileSystem) Create(fileName string) (io.WriteCloser, error) {
	c, err := fs.connect()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- c.Stor(fileName, pr)
		pr.Close()
	}()
	return &ftpWriter{pw: pw, done: done, conn: c}, nil
}

type ftpReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpReader) Close() error {
	err := r.resp.Close()
	if qerr := r.conn.Quit(); err == nil {
		err = qerr
	}
	return err
}

type ftpWriter struct {
	pw   *io.PipeWriter
	done chan error
	conn *ftp.ServerConn
}

func (w *ftpWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *ftpWriter) Close() error {
	w.pw.Close()
	err := <-w.done
	if qerr := w.conn.Quit(); err == nil {
		err = qerr
	}
	return err
}

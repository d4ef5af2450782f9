package util

import (
	"crypto/md5"
	"fmt"
	"io"
)

// MD5 calculate md5 for a string
func MD5(str string) string {
	b := md5.Sum([]byte(str))
	return fmt.Sprintf("%x", b)
}

// MD5Bytes calculate md5 for a byte slice
func MD5Bytes(data []byte) string {
	b := md5.Sum(data)
	return fmt.Sprintf("%x", b)
}

// MD5Reader calculate md5 for everything readable from r
func MD5Reader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

package example2

import (
	"time"

	"github.com/finbase/batchflow/feed"
)

var local = &feed.LocalFileSystem{}

var ftp = &feed.FTPFileSystem{
	Host:        "localhost",
	Port:        21,
	User:        "batchflow",
	Password:    "batchflow123",
	ConnTimeout: time.Second,
}

var tradePath = feed.FilePath{NamePattern: "res/{date,yyyyMMdd}/trade.data"}
var deadPath = feed.FilePath{NamePattern: "res/{date,yyyyMMdd}/trade.rejected.csv"}
var uploadPath = feed.FilePath{NamePattern: "trade/{date,yyyyMMdd}/trade.rejected.csv"}

//tradeFeed the incoming trade file for one business date, TSV without header,
//guarded by an OK flag from the producer
func tradeFeed(date time.Time) (feed.RecordFile, error) {
	name, err := tradePath.Format(map[string]interface{}{"date": date})
	if err != nil {
		return feed.RecordFile{}, err
	}
	return feed.RecordFile{
		Store:    local,
		Name:     name,
		Type:     feed.TSV,
		Checksum: feed.OKFlag,
	}, nil
}

//deadFile where rejected trades land, published with an MD5 sidecar
func deadFile(date time.Time) (feed.RecordFile, error) {
	name, err := deadPath.Format(map[string]interface{}{"date": date})
	if err != nil {
		return feed.RecordFile{}, err
	}
	return feed.RecordFile{
		Store:    local,
		Name:     name,
		Type:     feed.CSV,
		Header:   true,
		Checksum: feed.MD5,
	}, nil
}

//publishDeadLetters copy the rejected file and its checksum to the FTP drop
func publishDeadLetters(date time.Time) error {
	src, err := deadFile(date)
	if err != nil {
		return err
	}
	name, err := uploadPath.Format(map[string]interface{}{"date": date})
	if err != nil {
		return err
	}
	dst := feed.RecordFile{Store: ftp, Name: name, Type: feed.CSV, Checksum: feed.MD5}
	return feed.Copy(src, dst)
}

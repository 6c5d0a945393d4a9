package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// UploadBody is a request body that can be opened more than once.
type UploadBody interface {
	Open() (io.ReadCloser, error)
	Len() int64
}

type bytesBody []byte

func (b bytesBody) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (b bytesBody) Len() int64 { return int64(len(b)) }

func Bytes(data []byte) UploadBody {
	return bytesBody(data)
}

type fileBody struct {
	path string
	size int64
}

func (f fileBody) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

func (f fileBody) Len() int64 { return f.size }

// File returns a body streaming the file at path.
func File(path string) (UploadBody, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return fileBody{path: path, size: info.Size()}, nil
}

// progressReader reports the share of total read so far. Each percentage is
// reported at most once.
type progressReader struct {
	rc    io.ReadCloser
	total int64
	read  int64
	last  int
	fn    func(int)
}

func newProgressReader(rc io.ReadCloser, total int64, fn func(int)) *progressReader {
	p := &progressReader{rc: rc, total: total, last: -1, fn: fn}
	if total > 0 {
		p.report(0)
	}
	return p
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.rc.Read(buf)
	p.read += int64(n)
	if p.total > 0 {
		p.report(int(p.read * 100 / p.total))
	}
	return n, err
}

func (p *progressReader) Close() error {
	return p.rc.Close()
}

func (p *progressReader) report(percent int) {
	if percent > 100 {
		percent = 100
	}
	if percent == p.last {
		return
	}
	p.last = percent
	p.fn(percent)
}

package aggregate

import (
	"bufio"
	"bytes"
	"io"
	"os"
)

// LineCounter reports how many lines a file currently has on disk.
type LineCounter interface {
	CountLines(path string) (int64, error)
}

// LineCounterFunc adapts a function to LineCounter.
type LineCounterFunc func(path string) (int64, error)

func (f LineCounterFunc) CountLines(path string) (int64, error) { return f(path) }

// FileLineCounter counts newline-terminated lines by reading the file.
type FileLineCounter struct{}

func (FileLineCounter) CountLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	buf := make([]byte, 32*1024)
	var (
		n    int64
		last byte
	)
	for {
		c, err := r.Read(buf)
		if c > 0 {
			n += int64(bytes.Count(buf[:c], []byte{'\n'}))
			last = buf[c-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if last != 0 && last != '\n' {
		n++
	}
	return n, nil
}

package server

import (
	"bufio"

	"github.com/migadu/mop3/consts"
)

// ReadLine reads one line including its terminator. A line longer than max
// octets yields consts.ErrLineTooLong; at most max+bufsize octets are held.
func ReadLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > max {
			return nil, consts.ErrLineTooLong
		}
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, err
	}
}

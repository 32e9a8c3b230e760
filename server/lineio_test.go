package server

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/migadu/mop3/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		max     int
		want    string
		wantErr error
	}{
		{name: "crlf", input: "NOOP\r\nQUIT\r\n", max: 100, want: "NOOP\r\n"},
		{name: "bare lf", input: "NOOP\nQUIT\n", max: 100, want: "NOOP\n"},
		{name: "exactly max", input: "ABCD\r\n", max: 6, want: "ABCD\r\n"},
		{name: "too long", input: "ABCDE\r\n", max: 6, wantErr: consts.ErrLineTooLong},
		{name: "eof without terminator", input: "tail", max: 100, want: "tail", wantErr: io.EOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := ReadLine(bufio.NewReader(strings.NewReader(tt.input)), tt.max)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if tt.want != "" {
				assert.Equal(t, tt.want, string(line))
			}
		})
	}
}

func TestReadLineLongerThanBuffer(t *testing.T) {
	// bufio's minimum buffer is 16 bytes, so this line spans several reads.
	long := strings.Repeat("x", 100) + "\r\n"
	r := bufio.NewReaderSize(strings.NewReader(long+"next\r\n"), 16)

	line, err := ReadLine(r, 200)
	require.NoError(t, err)
	assert.Equal(t, long, string(line))

	line, err = ReadLine(r, 200)
	require.NoError(t, err)
	assert.Equal(t, "next\r\n", string(line))

	_, err = ReadLine(bufio.NewReaderSize(strings.NewReader(long), 16), 50)
	assert.ErrorIs(t, err, consts.ErrLineTooLong)
}

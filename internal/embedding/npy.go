package embedding

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidNPY is returned when a stream is not a 1-D little-endian float32 .npy.
var ErrInvalidNPY = errors.New("embedding: invalid npy data")

var npyMagic = []byte("\x93NUMPY")

// WriteNPY encodes values as a NumPy v1.0 array of shape (len(values),)
// and dtype '<f4'.
func WriteNPY(w io.Writer, values []float32) error {
	dict := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d,), }", len(values))

	// magic(6) + version(2) + header length(2) + dict, padded with spaces
	// and a trailing newline to a multiple of 64 bytes.
	const preamble = 10
	total := preamble + len(dict) + 1
	if rem := total % 64; rem != 0 {
		total += 64 - rem
	}
	header := dict + strings.Repeat(" ", total-preamble-len(dict)-1) + "\n"

	bw := bufio.NewWriter(w)
	_, _ = bw.Write(npyMagic)
	_, _ = bw.Write([]byte{1, 0})
	var hlen [2]byte
	binary.LittleEndian.PutUint16(hlen[:], uint16(len(header)))
	_, _ = bw.Write(hlen[:])
	_, _ = bw.WriteString(header)

	var buf [4]byte
	for _, v := range values {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		_, _ = bw.Write(buf[:])
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("embedding: write npy: %w", err)
	}
	return nil
}

var (
	npyDescrRe   = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	npyFortranRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	npyShapeRe   = regexp.MustCompile(`'shape':\s*\((\d+),?\)`)
)

// ReadNPY decodes a 1-D '<f4' array written by WriteNPY or numpy.save.
func ReadNPY(r io.Reader) ([]float32, error) {
	var pre [8]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNPY, err)
	}
	if !bytes.Equal(pre[:6], npyMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidNPY)
	}

	var headerLen int
	switch pre[6] {
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidNPY, err)
		}
		headerLen = int(binary.LittleEndian.Uint16(b[:]))
	case 2, 3:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidNPY, err)
		}
		headerLen = int(binary.LittleEndian.Uint32(b[:]))
	default:
		return nil, fmt.Errorf("%w: unsupported version %d.%d", ErrInvalidNPY, pre[6], pre[7])
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNPY, err)
	}

	if m := npyDescrRe.FindSubmatch(header); m == nil || string(m[1]) != "<f4" {
		return nil, fmt.Errorf("%w: dtype must be '<f4'", ErrInvalidNPY)
	}
	if m := npyFortranRe.FindSubmatch(header); m == nil || string(m[1]) != "False" {
		return nil, fmt.Errorf("%w: fortran order not supported", ErrInvalidNPY)
	}
	m := npyShapeRe.FindSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("%w: shape must be 1-D", ErrInvalidNPY)
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return nil, fmt.Errorf("%w: shape: %v", ErrInvalidNPY, err)
	}

	data := make([]byte, 4*n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: truncated data: %v", ErrInvalidNPY, err)
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return values, nil
}

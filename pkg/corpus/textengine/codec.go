package textengine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"

	"github.com/Sumatoshi-tech/concache/pkg/safeconv"
)

// Cache file layout (little endian):
//
//	magic    [4]byte "CONC"
//	version  uint8
//	finished uint8
//	fullsize uint32
//	count    uint32
//	payload  LZ4 block of delta-encoded uint32 hit positions
const (
	fileMagic   = "CONC"
	fileVersion = 1
	headerSize  = 4 + 1 + 1 + 4 + 4
)

// uint32ByteSize is the number of bytes in a uint32.
const uint32ByteSize = 4

var (
	errBadMagic   = errors.New("not a concordance file")
	errBadVersion = errors.New("unsupported concordance file version")
	errCorrupt    = errors.New("corrupt concordance payload")
)

type fileHeader struct {
	Finished bool
	FullSize int
	Count    int
}

// compressUint32s compresses hit positions with LZ4 after delta encoding a copy.
func compressUint32s(data []uint32) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	deltas := append([]uint32(nil), data...)
	deltaEncode(deltas)

	raw := new(bytes.Buffer)

	err := binary.Write(raw, binary.LittleEndian, deltas)
	if err != nil {
		return nil, fmt.Errorf("encode hits: %w", err)
	}

	compressed := make([]byte, lz4.CompressBlockBound(raw.Len()))

	written, err := lz4.CompressBlock(raw.Bytes(), compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("compress hits: %w", err)
	}

	// Incompressible input is stored raw; the reader tells both apart by length.
	if written == 0 || written >= raw.Len() {
		return raw.Bytes(), nil
	}

	return compressed[:written], nil
}

// decompressUint32s restores count hit positions from a payload.
func decompressUint32s(payload []byte, count int) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}

	rawSize := count * uint32ByteSize

	raw := payload
	if len(payload) != rawSize {
		raw = make([]byte, rawSize)

		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errCorrupt, err)
		}

		if n != rawSize {
			return nil, fmt.Errorf("%w: got %d bytes, want %d", errCorrupt, n, rawSize)
		}
	}

	out := make([]uint32, count)

	err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}

	deltaDecode(out)

	return out, nil
}

// deltaEncode replaces each element with the difference from its predecessor.
// Unsorted input wraps around and is restored exactly by deltaDecode.
func deltaEncode(data []uint32) {
	for i := len(data) - 1; i > 0; i-- {
		data[i] -= data[i-1]
	}
}

func deltaDecode(data []uint32) {
	for i := 1; i < len(data); i++ {
		data[i] += data[i-1]
	}
}

func writeConcFile(path string, hdr fileHeader, hits []uint32) error {
	payload, err := compressUint32s(hits)
	if err != nil {
		return err
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(payload)))
	buf.WriteString(fileMagic)
	buf.WriteByte(fileVersion)

	var finished byte
	if hdr.Finished {
		finished = 1
	}

	buf.WriteByte(finished)

	var word [uint32ByteSize]byte

	binary.LittleEndian.PutUint32(word[:], safeconv.MustIntToUint32(hdr.FullSize))
	buf.Write(word[:])
	binary.LittleEndian.PutUint32(word[:], safeconv.MustIntToUint32(len(hits)))
	buf.Write(word[:])
	buf.Write(payload)

	err = os.WriteFile(path, buf.Bytes(), filePerm)
	if err != nil {
		return fmt.Errorf("write concordance: %w", err)
	}

	return nil
}

func parseHeader(raw []byte) (fileHeader, error) {
	if len(raw) < headerSize {
		return fileHeader{}, io.ErrUnexpectedEOF
	}

	if string(raw[:4]) != fileMagic {
		return fileHeader{}, errBadMagic
	}

	if raw[4] != fileVersion {
		return fileHeader{}, fmt.Errorf("%w: %d", errBadVersion, raw[4])
	}

	return fileHeader{
		Finished: raw[5] == 1,
		FullSize: int(binary.LittleEndian.Uint32(raw[6:10])),
		Count:    int(binary.LittleEndian.Uint32(raw[10:14])),
	}, nil
}

func readHeader(path string) (fileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileHeader{}, err
	}
	defer f.Close()

	raw := make([]byte, headerSize)

	_, err = io.ReadFull(f, raw)
	if err != nil {
		return fileHeader{}, err
	}

	return parseHeader(raw)
}

func readConcFile(path string) (fileHeader, []uint32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileHeader{}, nil, err
	}

	hdr, err := parseHeader(raw)
	if err != nil {
		return fileHeader{}, nil, err
	}

	hits, err := decompressUint32s(raw[headerSize:], hdr.Count)
	if err != nil {
		return fileHeader{}, nil, err
	}

	return hdr, hits, nil
}

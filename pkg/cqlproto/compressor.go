package cqlproto

import (
	"encoding/binary"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Compressor compresses and decompresses frame bodies. The name is the
// value sent in the STARTUP COMPRESSION option.
type Compressor interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// SnappyCompressor implements snappy block compression.
type SnappyCompressor struct{}

func (SnappyCompressor) Name() string { return "snappy" }

func (SnappyCompressor) Encode(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCompressor) Decode(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

// LZ4Compressor implements lz4 block compression. The wire format
// prefixes the block with the uncompressed length, big endian.
type LZ4Compressor struct{}

func (LZ4Compressor) Name() string { return "lz4" }

func (LZ4Compressor) Encode(data []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(data))+4)
	var c lz4.Compressor
	n, err := c.CompressBlock(data, buf[4:])
	if err != nil {
		return nil, errors.Wrap(err, "cqlproto: lz4 compress")
	}
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	return buf[:n+4], nil
}

func (LZ4Compressor) Decode(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errors.New("cqlproto: lz4 block missing length prefix")
	}
	uncompressed := binary.BigEndian.Uint32(data)
	if uncompressed == 0 {
		return nil, nil
	}
	buf := make([]byte, uncompressed)
	n, err := lz4.UncompressBlock(data[4:], buf)
	if err != nil {
		return nil, errors.Wrap(err, "cqlproto: lz4 decompress")
	}
	return buf[:n], nil
}

var compressors = map[string]Compressor{
	SnappyCompressor{}.Name(): SnappyCompressor{},
	LZ4Compressor{}.Name():    LZ4Compressor{},
}

// LookupCompressor returns the compressor registered under name. The
// empty name selects no compression.
func LookupCompressor(name string) (Compressor, error) {
	if name == "" {
		return nil, nil
	}
	c, ok := compressors[name]
	if !ok {
		return nil, errors.Errorf("cqlproto: unknown compressor %q", name)
	}
	return c, nil
}

package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Stored states are framed as:
//
//	"VMWS" | version (1 byte) | header length (uint32 BE) | CBOR header | payload
//
// The payload is the raw blob after compression and optional encryption.
const (
	envelopeMagic   = "VMWS"
	envelopeVersion = 1
	prefixLen       = len(envelopeMagic) + 1 + 4
	maxHeaderLen    = 64 << 10

	// maxBlobSize bounds the decoded size a header may claim.
	maxBlobSize = 64 << 30

	// lz4MaxRatio is the largest expansion an LZ4 block can encode.
	lz4MaxRatio = 255
)

// header is the CBOR-encoded envelope header.
type header struct {
	ID              string      `cbor:"1,keyasint"`
	CreatedUnixNano int64       `cbor:"2,keyasint"`
	Size            uint64      `cbor:"3,keyasint"`
	StoredSize      uint64      `cbor:"4,keyasint"`
	Compression     Compression `cbor:"5,keyasint"`
	Encrypted       bool        `cbor:"6,keyasint"`
	Digest          []byte      `cbor:"7,keyasint"`
}

var errCorrupt = errors.New("corrupt envelope")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// codec turns blobs into envelopes and back.
type codec struct {
	compression Compression
	passphrase  string
	workFactor  int
	now         func() time.Time
}

func digest(blob []byte) []byte {
	sum := blake3.Sum256(blob)
	return sum[:]
}

func (c *codec) encode(id string, blob []byte) ([]byte, *header, error) {
	payload, used, err := compress(blob, c.compression)
	if err != nil {
		return nil, nil, err
	}
	encrypted := c.passphrase != ""
	if encrypted {
		if payload, err = encrypt(payload, c.passphrase, c.workFactor); err != nil {
			return nil, nil, err
		}
	}

	h := &header{
		ID:              id,
		CreatedUnixNano: c.now().UnixNano(),
		Size:            uint64(len(blob)),
		StoredSize:      uint64(len(payload)),
		Compression:     used,
		Encrypted:       encrypted,
		Digest:          digest(blob),
	}
	hdr, err := encMode.Marshal(h)
	if err != nil {
		return nil, nil, fmt.Errorf("encode header: %w", err)
	}

	out := make([]byte, 0, prefixLen+len(hdr)+len(payload))
	out = append(out, envelopeMagic...)
	out = append(out, envelopeVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(hdr)))
	out = append(out, hdr...)
	out = append(out, payload...)
	return out, h, nil
}

// readHeader parses the envelope prefix and header from r.
func readHeader(r io.Reader) (*header, error) {
	var prefix [prefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("%w: short prefix: %v", errCorrupt, err)
	}
	if string(prefix[:len(envelopeMagic)]) != envelopeMagic {
		return nil, fmt.Errorf("%w: bad magic", errCorrupt)
	}
	if v := prefix[len(envelopeMagic)]; v != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errCorrupt, v)
	}
	n := binary.BigEndian.Uint32(prefix[len(envelopeMagic)+1:])
	if n > maxHeaderLen {
		return nil, fmt.Errorf("%w: header length %d", errCorrupt, n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", errCorrupt, err)
	}
	var h header
	if err := decMode.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", errCorrupt, err)
	}
	return &h, nil
}

func (c *codec) decode(data []byte) ([]byte, *header, error) {
	r := bytes.NewReader(data)
	h, err := readHeader(r)
	if err != nil {
		return nil, nil, err
	}
	payload := data[len(data)-r.Len():]
	if uint64(len(payload)) != h.StoredSize {
		return nil, nil, fmt.Errorf("%w: payload is %d bytes, header says %d", errCorrupt, len(payload), h.StoredSize)
	}
	if err := checkSize(h); err != nil {
		return nil, nil, err
	}

	if h.Encrypted {
		if c.passphrase == "" {
			return nil, nil, errors.New("state is encrypted and no passphrase is configured")
		}
		if payload, err = decrypt(payload, c.passphrase); err != nil {
			return nil, nil, err
		}
	}
	blob, err := decompress(payload, h.Compression, int(h.Size))
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(digest(blob), h.Digest) {
		return nil, nil, fmt.Errorf("%w: digest mismatch", errCorrupt)
	}
	return blob, h, nil
}

// checkSize rejects decoded sizes the payload cannot produce before any
// buffer is sized from them.
func checkSize(h *header) error {
	if h.Size > maxBlobSize || h.Size > math.MaxInt {
		return fmt.Errorf("%w: size %d exceeds limit", errCorrupt, h.Size)
	}
	if !h.Encrypted && h.Compression == CompressionLZ4 && h.Size > h.StoredSize*lz4MaxRatio+lz4MaxRatio {
		return fmt.Errorf("%w: size %d too large for %d-byte lz4 payload", errCorrupt, h.Size, h.StoredSize)
	}
	return nil
}

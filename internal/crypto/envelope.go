package crypto

import (
	"encoding/base64"
	"encoding/binary"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

// EnvelopeVersion is the only envelope format version this build
// produces or accepts.
const EnvelopeVersion = 1

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
	dekSize      = 32
)

// envelope is the parsed binary layout:
//
//	[1B version]
//	[4B big-endian key-id length][key-id UTF-8]
//	[4B big-endian DEK-block length][12B DEK IV | wrapped DEK ∥ tag]
//	[12B data IV]
//	[ciphertext ∥ tag]
type envelope struct {
	keyID    string
	dekIV    []byte
	dekCT    []byte // encrypted DEK including GCM tag
	dataIV   []byte
	dataCT   []byte // ciphertext including GCM tag
}

func (e *envelope) encode() string {
	keyID := []byte(e.keyID)
	dekBlock := make([]byte, 0, len(e.dekIV)+len(e.dekCT))
	dekBlock = append(dekBlock, e.dekIV...)
	dekBlock = append(dekBlock, e.dekCT...)

	buf := make([]byte, 0, 1+4+len(keyID)+4+len(dekBlock)+len(e.dataIV)+len(e.dataCT))
	buf = append(buf, EnvelopeVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(keyID)))
	buf = append(buf, keyID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(dekBlock)))
	buf = append(buf, dekBlock...)
	buf = append(buf, e.dataIV...)
	buf = append(buf, e.dataCT...)

	return base64.StdEncoding.EncodeToString(buf)
}

func decodeEnvelope(encoded string) (*envelope, error) {
	if encoded == "" {
		return nil, vaulterrors.InvalidInput("envelope must not be empty")
	}
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, vaulterrors.IntegrityFailure("envelope is not valid base64")
	}
	if len(buf) < 1 {
		return nil, vaulterrors.IntegrityFailure("envelope is truncated")
	}
	if buf[0] != EnvelopeVersion {
		return nil, vaulterrors.VersionMismatch("unsupported envelope version")
	}
	rest := buf[1:]

	keyID, rest, err := readLengthPrefixed(rest)
	if err != nil {
		return nil, err
	}
	dekBlock, rest, err := readLengthPrefixed(rest)
	if err != nil {
		return nil, err
	}
	if len(dekBlock) < gcmNonceSize+gcmTagSize {
		return nil, vaulterrors.IntegrityFailure("envelope DEK block is truncated")
	}
	// What remains is the data IV plus at least a GCM tag.
	if len(rest) < gcmNonceSize+gcmTagSize {
		return nil, vaulterrors.IntegrityFailure("envelope data block is truncated")
	}

	return &envelope{
		keyID:  string(keyID),
		dekIV:  dekBlock[:gcmNonceSize],
		dekCT:  dekBlock[gcmNonceSize:],
		dataIV: rest[:gcmNonceSize],
		dataCT: rest[gcmNonceSize:],
	}, nil
}

func readLengthPrefixed(buf []byte) (field, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, vaulterrors.IntegrityFailure("envelope header is truncated")
	}
	n := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	if uint64(n) > uint64(len(buf)) {
		return nil, nil, vaulterrors.IntegrityFailure("envelope declared length exceeds remaining bytes")
	}
	return buf[:n], buf[n:], nil
}

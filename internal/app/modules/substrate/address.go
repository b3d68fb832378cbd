package substrate

import (
	"bytes"
	"fmt"
	"strings"

	"balance_engine/internal/domain/entity"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

var ss58Prefix = []byte("SS58PRE")

// DecodeAddress returns the raw account id behind an address. SS58 addresses
// and 0x hex of a 32 byte AccountId32 or 20 byte AccountId20 are accepted.
func DecodeAddress(address string) ([]byte, error) {
	address = strings.TrimSpace(address)
	if strings.HasPrefix(address, "0x") {
		raw, err := codec.HexDecodeString(address)
		if err != nil {
			return nil, fmt.Errorf("%w: hex address %s: %v", entity.ErrInvalidRequest, address, err)
		}
		if len(raw) != 32 && len(raw) != 20 {
			return nil, fmt.Errorf("%w: hex address %s has %d bytes", entity.ErrInvalidRequest, address, len(raw))
		}
		return raw, nil
	}
	return decodeSS58(address)
}

// decodeSS58 strips the network prefix and verifies the checksum.
// [prefix(1|2)][public key(32)][checksum(2)]
func decodeSS58(address string) ([]byte, error) {
	decoded, err := base58.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("%w: base58 decode %s: %v", entity.ErrInvalidRequest, address, err)
	}

	var prefixLen int
	switch len(decoded) {
	case 35:
		prefixLen = 1
	case 36:
		prefixLen = 2
	default:
		return nil, fmt.Errorf("%w: address %s has invalid length %d", entity.ErrInvalidRequest, address, len(decoded))
	}

	body := decoded[:prefixLen+32]
	sum := blake2b.Sum512(append(append([]byte{}, ss58Prefix...), body...))
	if !bytes.Equal(sum[:2], decoded[prefixLen+32:]) {
		return nil, fmt.Errorf("%w: address %s has invalid checksum", entity.ErrInvalidRequest, address)
	}

	accountID := make([]byte, 32)
	copy(accountID, decoded[prefixLen:prefixLen+32])
	return accountID, nil
}

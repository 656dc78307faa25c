package mesh

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// DefaultKeyBase64 is the well-known shared key used by the default
// channel; "AQ==" in device settings expands to this value.
const DefaultKeyBase64 = "1PG7OiApB1nwvP+rz05pAQ=="

// CryptoEngine performs the symmetric channel cipher: AES in CTR mode with
// a nonce derived from the packet id and sender, so the same engine both
// encrypts and decrypts.
type CryptoEngine struct {
	block cipher.Block
}

func NewCryptoEngine(keyBase64 string) (*CryptoEngine, error) {
	if keyBase64 == "" {
		keyBase64 = DefaultKeyBase64
	}
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("channel key is not valid base64: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("channel key: %w", err)
	}
	return &CryptoEngine{block: block}, nil
}

// nonce is packet id then sender, each as a little-endian u64.
func nonce(fromNode, packetID uint32) []byte {
	n := make([]byte, 16)
	binary.LittleEndian.PutUint64(n[0:8], uint64(packetID))
	binary.LittleEndian.PutUint64(n[8:16], uint64(fromNode))
	return n
}

func (e *CryptoEngine) Decrypt(fromNode, packetID uint32, data []byte) []byte {
	return e.apply(fromNode, packetID, data)
}

func (e *CryptoEngine) Encrypt(fromNode, packetID uint32, data []byte) []byte {
	return e.apply(fromNode, packetID, data)
}

func (e *CryptoEngine) apply(fromNode, packetID uint32, data []byte) []byte {
	out := make([]byte, len(data))
	cipher.NewCTR(e.block, nonce(fromNode, packetID)).XORKeyStream(out, data)
	return out
}

package decryptor

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
)

// DecryptAES128 decrypts an HLS segment with AES-128-CBC and strips the
// PKCS7 padding. A short or missing IV falls back to the zero IV.
func DecryptAES128(data, key, iv []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("invalid key length: %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	if len(iv) != aes.BlockSize {
		iv = make([]byte, aes.BlockSize)
	}

	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext not multiple of block size")
	}

	mode := cipher.NewCBCDecrypter(block, iv)
	decrypted := make([]byte, len(data))
	mode.CryptBlocks(decrypted, data)

	return pkcs7Unpad(decrypted), nil
}

// ParseIV parses a hex-encoded IV string from an #EXT-X-KEY IV attribute.
// Accepts an optional 0x prefix; short values are left-padded with zeros.
func ParseIV(ivStr string) ([]byte, error) {
	if ivStr == "" {
		return nil, nil
	}

	if len(ivStr) >= 2 && (ivStr[:2] == "0x" || ivStr[:2] == "0X") {
		ivStr = ivStr[2:]
	}

	iv, err := hex.DecodeString(ivStr)
	if err != nil {
		return nil, fmt.Errorf("parse IV: %w", err)
	}

	if len(iv) < 16 {
		padded := make([]byte, 16)
		copy(padded[16-len(iv):], iv)
		iv = padded
	}
	return iv[:16], nil
}

// SegmentIV derives the default IV from a segment's sequence number, per the
// HLS spec: the sequence number as a big-endian 128-bit value.
func SegmentIV(sequenceNumber int) []byte {
	iv := make([]byte, 16)
	for i := 15; i >= 0 && sequenceNumber > 0; i-- {
		iv[i] = byte(sequenceNumber & 0xff)
		sequenceNumber >>= 8
	}
	return iv
}

// pkcs7Unpad removes PKCS7 padding. Invalid padding returns the input
// unchanged rather than failing the segment.
func pkcs7Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return data
	}
	for i := 0; i < padLen; i++ {
		if data[len(data)-1-i] != byte(padLen) {
			return data
		}
	}
	return data[:len(data)-padLen]
}

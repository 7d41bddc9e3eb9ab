// Package decryptor decrypts protected media segments: CENC (AES-CTR) for
// fMP4 renditions and AES-128-CBC for classic HLS TS renditions.
package decryptor

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// CENC decrypts common-encryption (cenc scheme) fMP4 segments with a single
// content key. Safe for concurrent use; it holds no per-segment state.
type CENC struct {
	kid []byte
	key []byte
}

// NewCENC creates a decryptor for the given key id and 16-byte content key.
func NewCENC(kid, key []byte) (*CENC, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("content key must be 16 bytes, got %d", len(key))
	}
	return &CENC{kid: kid, key: key}, nil
}

// Decrypt decrypts a segment. The input must be the rendition's init segment
// followed by the media segment; the init carries the tenc box describing
// how samples are protected. Unprotected input is returned unchanged.
func (d *CENC) Decrypt(combined []byte) ([]byte, error) {
	segStart := findSegmentStart(combined)
	if segStart < 0 {
		return nil, fmt.Errorf("no media segment found after init data")
	}

	initData := combined[:segStart]
	segData := combined[segStart:]

	initSeg, err := mp4.DecodeFile(bytes.NewReader(initData))
	if err != nil {
		return nil, fmt.Errorf("parse init segment: %w", err)
	}
	if initSeg.Init == nil {
		return nil, fmt.Errorf("no init segment in combined data")
	}

	tenc, err := extractTrackEncryption(initSeg.Init)
	if err != nil {
		// No tenc box: the rendition is not actually protected.
		return combined, nil
	}

	if len(d.kid) > 0 && !bytes.Equal(tenc.defaultKID, d.kid) {
		return nil, fmt.Errorf("key id mismatch: init segment declares %x", tenc.defaultKID)
	}

	decrypted, err := d.decryptFragment(segData, tenc)
	if err != nil {
		return nil, fmt.Errorf("decrypt fragment: %w", err)
	}

	out := make([]byte, len(initData)+len(decrypted))
	copy(out, initData)
	copy(out[len(initData):], decrypted)
	return out, nil
}

// decryptFragment walks the fragment's moof/mdat pair and decrypts each
// sample in place on a copy of the input.
func (d *CENC) decryptFragment(segData []byte, tenc *trackEncryption) ([]byte, error) {
	result := make([]byte, len(segData))
	copy(result, segData)

	var moofData, mdatData []byte
	var mdatOffset int
	offset := 0

	for offset+8 <= len(result) {
		size := boxSize(result, offset)
		if size < 8 || offset+size > len(result) {
			break
		}
		switch string(result[offset+4 : offset+8]) {
		case "moof":
			moofData = result[offset : offset+size]
		case "mdat":
			mdatOffset = offset
			mdatData = result[offset : offset+size]
		}
		offset += size
	}

	if moofData == nil || mdatData == nil {
		return result, nil
	}

	senc, trun, err := parseMoofForDecryption(moofData, tenc.perSampleIVSize)
	if err != nil {
		return nil, fmt.Errorf("parse moof: %w", err)
	}

	if (senc == nil || len(senc.ivs) == 0) && len(tenc.constantIV) == 0 {
		return result, nil
	}

	mdatHeaderSize := 8
	if len(mdatData) >= 8 && binary.BigEndian.Uint32(mdatData[0:4]) == 1 {
		mdatHeaderSize = 16 // extended size
	}

	sampleOffset := 0
	for i, sample := range trun.samples {
		if sampleOffset+int(sample.size) > len(mdatData)-mdatHeaderSize {
			break
		}

		var iv []byte
		if senc != nil && i < len(senc.ivs) {
			iv = senc.ivs[i]
		}
		if len(iv) == 0 {
			iv = tenc.constantIV
		}
		if len(iv) == 0 {
			sampleOffset += int(sample.size)
			continue
		}
		if len(iv) == 8 {
			padded := make([]byte, 16)
			copy(padded, iv)
			iv = padded
		}

		var subsamples []subsampleEntry
		if senc != nil && i < len(senc.subsamples) {
			subsamples = senc.subsamples[i]
		}

		start := mdatOffset + mdatHeaderSize + sampleOffset
		sampleData := result[start : start+int(sample.size)]
		if err := d.decryptSample(sampleData, iv, subsamples); err != nil {
			return nil, fmt.Errorf("decrypt sample %d: %w", i, err)
		}

		sampleOffset += int(sample.size)
	}

	return result, nil
}

// decryptSample decrypts a single sample in place using AES-CTR, honoring
// subsample clear/protected ranges.
func (d *CENC) decryptSample(sample []byte, iv []byte, subsamples []subsampleEntry) error {
	if len(sample) == 0 || len(iv) == 0 {
		return nil
	}

	block, err := aes.NewCipher(d.key)
	if err != nil {
		return err
	}

	ivCopy := make([]byte, 16)
	copy(ivCopy, iv)

	if len(subsamples) == 0 {
		stream := cipher.NewCTR(block, ivCopy)
		stream.XORKeyStream(sample, sample)
		return nil
	}

	offset := 0
	for _, sub := range subsamples {
		offset += int(sub.clearBytes)
		if offset+int(sub.protectedBytes) > len(sample) {
			break
		}

		stream := cipher.NewCTR(block, ivCopy)
		stream.XORKeyStream(sample[offset:offset+int(sub.protectedBytes)], sample[offset:offset+int(sub.protectedBytes)])

		blocks := (int(sub.protectedBytes) + 15) / 16
		incrementIV(ivCopy, blocks)

		offset += int(sub.protectedBytes)
	}

	return nil
}

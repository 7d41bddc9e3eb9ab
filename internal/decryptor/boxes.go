package decryptor

import (
	"encoding/binary"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// trackEncryption holds the protection parameters from the init segment's
// tenc box.
type trackEncryption struct {
	isProtected     byte
	perSampleIVSize byte
	defaultKID      []byte
	constantIV      []byte
}

// extractTrackEncryption locates the tenc box in an init segment.
func extractTrackEncryption(init *mp4.InitSegment) (*trackEncryption, error) {
	if init.Moov == nil {
		return nil, fmt.Errorf("no moov box")
	}

	for _, trak := range init.Moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil {
			continue
		}
		stsd := trak.Mdia.Minf.Stbl.Stsd
		if stsd == nil {
			continue
		}

		for _, child := range stsd.Children {
			var sinf *mp4.SinfBox
			switch entry := child.(type) {
			case *mp4.VisualSampleEntryBox:
				sinf = entry.Sinf
			case *mp4.AudioSampleEntryBox:
				sinf = entry.Sinf
			}

			if sinf != nil && sinf.Schi != nil && sinf.Schi.Tenc != nil {
				tenc := sinf.Schi.Tenc
				return &trackEncryption{
					isProtected:     tenc.DefaultIsProtected,
					perSampleIVSize: tenc.DefaultPerSampleIVSize,
					defaultKID:      tenc.DefaultKID,
					constantIV:      tenc.DefaultConstantIV,
				}, nil
			}
		}
	}

	return nil, fmt.Errorf("no tenc box found")
}

type sencInfo struct {
	ivs        [][]byte
	subsamples [][]subsampleEntry
}

type subsampleEntry struct {
	clearBytes     uint16
	protectedBytes uint32
}

type trunInfo struct {
	samples []sampleEntry
}

type sampleEntry struct {
	size uint32
}

// parseMoofForDecryption extracts senc and trun info from a moof box.
func parseMoofForDecryption(moofData []byte, defaultIVSize byte) (*sencInfo, *trunInfo, error) {
	var senc *sencInfo
	trun := &trunInfo{}

	offset := 8 // skip moof header

	for offset+8 <= len(moofData) {
		size := int(binary.BigEndian.Uint32(moofData[offset:]))
		if size < 8 || offset+size > len(moofData) {
			break
		}

		if string(moofData[offset+4:offset+8]) == "traf" {
			trafEnd := offset + size
			trafOffset := offset + 8

			for trafOffset+8 <= trafEnd {
				trafBoxSize := int(binary.BigEndian.Uint32(moofData[trafOffset:]))
				if trafBoxSize < 8 || trafOffset+trafBoxSize > trafEnd {
					break
				}

				switch string(moofData[trafOffset+4 : trafOffset+8]) {
				case "trun":
					trun = parseTrun(moofData[trafOffset : trafOffset+trafBoxSize])
				case "senc":
					senc = parseSenc(moofData[trafOffset:trafOffset+trafBoxSize], defaultIVSize)
				}

				trafOffset += trafBoxSize
			}
		}

		offset += size
	}

	return senc, trun, nil
}

// parseTrun extracts per-sample sizes from a trun box.
func parseTrun(data []byte) *trunInfo {
	if len(data) < 16 {
		return &trunInfo{}
	}

	// trun: 8 header + 1 version + 3 flags + 4 sample_count
	flags := binary.BigEndian.Uint32(data[8:12]) & 0x00FFFFFF
	sampleCount := binary.BigEndian.Uint32(data[12:16])

	offset := 16
	if flags&0x001 != 0 { // data offset present
		offset += 4
	}
	if flags&0x004 != 0 { // first sample flags present
		offset += 4
	}

	samples := make([]sampleEntry, 0, sampleCount)

	for i := uint32(0); i < sampleCount && offset < len(data); i++ {
		var sample sampleEntry

		if flags&0x100 != 0 { // sample duration
			offset += 4
		}
		if flags&0x200 != 0 { // sample size
			if offset+4 <= len(data) {
				sample.size = binary.BigEndian.Uint32(data[offset:])
			}
			offset += 4
		}
		if flags&0x400 != 0 { // sample flags
			offset += 4
		}
		if flags&0x800 != 0 { // composition time offset
			offset += 4
		}

		samples = append(samples, sample)
	}

	return &trunInfo{samples: samples}
}

// parseSenc extracts IVs and subsample ranges from a senc box.
func parseSenc(data []byte, defaultIVSize byte) *sencInfo {
	if len(data) < 16 {
		return nil
	}

	flags := binary.BigEndian.Uint32(data[8:12]) & 0x00FFFFFF
	sampleCount := binary.BigEndian.Uint32(data[12:16])

	hasSubsamples := flags&0x2 != 0
	ivSize := int(defaultIVSize)
	if ivSize == 0 {
		ivSize = 8
	}

	offset := 16
	info := &sencInfo{
		ivs:        make([][]byte, 0, sampleCount),
		subsamples: make([][]subsampleEntry, 0, sampleCount),
	}

	for i := uint32(0); i < sampleCount && offset < len(data); i++ {
		if offset+ivSize > len(data) {
			break
		}
		iv := make([]byte, ivSize)
		copy(iv, data[offset:offset+ivSize])
		info.ivs = append(info.ivs, iv)
		offset += ivSize

		var subs []subsampleEntry
		if hasSubsamples && offset+2 <= len(data) {
			subCount := binary.BigEndian.Uint16(data[offset:])
			offset += 2

			for j := uint16(0); j < subCount && offset+6 <= len(data); j++ {
				subs = append(subs, subsampleEntry{
					clearBytes:     binary.BigEndian.Uint16(data[offset:]),
					protectedBytes: binary.BigEndian.Uint32(data[offset+2:]),
				})
				offset += 6
			}
		}
		info.subsamples = append(info.subsamples, subs)
	}

	return info
}

// incrementIV advances the CTR counter by the given block count.
func incrementIV(iv []byte, blocks int) {
	for i := 0; i < blocks; i++ {
		for j := len(iv) - 1; j >= 0; j-- {
			iv[j]++
			if iv[j] != 0 {
				break
			}
		}
	}
}

// findSegmentStart finds where the media segment begins in combined
// init+segment data.
func findSegmentStart(data []byte) int {
	offset := 0
	moovFound := false

	for offset+8 <= len(data) {
		size := boxSize(data, offset)
		if size < 8 {
			return -1
		}

		boxType := string(data[offset+4 : offset+8])
		if boxType == "moov" {
			moovFound = true
		}
		if moovFound {
			switch boxType {
			case "styp", "moof", "sidx", "emsg":
				return offset
			}
		}

		offset += size
	}
	return -1
}

// boxSize returns the size of the MP4 box at offset.
func boxSize(data []byte, offset int) int {
	if offset+8 > len(data) {
		return -1
	}

	size := int(binary.BigEndian.Uint32(data[offset:]))
	if size == 1 && offset+16 <= len(data) {
		// Extended size; the lower 32 bits are enough in practice.
		size = int(binary.BigEndian.Uint32(data[offset+12:]))
	}
	return size
}

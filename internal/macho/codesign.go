package macho

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
)

// codeDirectoryVersion and flags follow the minimal ad-hoc form the
// kernel accepts for an unsigned, locally-built arm64 executable: one
// CodeDirectory blob inside a SuperBlob, CS_ADHOC set, no entitlements
// or requirements blobs.
const codeDirectoryVersion = 0x20400

type blobIndex struct {
	Type   uint32
	Offset uint32
}

// generateCodeSignature builds the ad-hoc SuperBlob covering signedData
// (the file contents up to, but not including, the signature itself):
// a CodeDirectory with SHA-256 page hashes over every pageSize-aligned
// chunk, wrapped in the CS_SuperBlob container format codesign expects.
func generateCodeSignature(signedData []byte, identifier string) []byte {
	idBytes := append([]byte(identifier), 0)

	nPages := (len(signedData) + pageSize - 1) / pageSize
	if nPages == 0 {
		nPages = 1
	}

	type cdHeader struct {
		Magic         uint32
		Length        uint32
		Version       uint32
		Flags         uint32
		HashOffset    uint32
		IdentOffset   uint32
		NSpecialSlots uint32
		NCodeSlots    uint32
		CodeLimit     uint32
		HashSize      uint8
		HashType      uint8
		Platform      uint8
		PageSize      uint8
		Spare2        uint32
	}

	headerSize := binary.Size(cdHeader{})
	identOffset := uint32(headerSize)
	hashOffset := identOffset + uint32(len(idBytes))

	cd := cdHeader{
		Magic:         csMagicCodeDirectory,
		Version:       codeDirectoryVersion,
		Flags:         csAdhoc,
		HashOffset:    hashOffset,
		IdentOffset:   identOffset,
		NCodeSlots:    uint32(nPages),
		CodeLimit:     uint32(len(signedData)),
		HashSize:      csHashSizeSHA256,
		HashType:      csHashTypeSHA256,
		PageSize:      12, // log2(pageSize)
	}

	var cdBuf bytes.Buffer
	binary.Write(&cdBuf, binary.BigEndian, cd)
	cdBuf.Write(idBytes)

	for i := 0; i < nPages; i++ {
		start := i * pageSize
		end := start + pageSize
		if end > len(signedData) {
			end = len(signedData)
		}
		sum := sha256.Sum256(signedData[start:end])
		cdBuf.Write(sum[:])
	}

	cdBytes := cdBuf.Bytes()
	binary.BigEndian.PutUint32(cdBytes[4:8], uint32(len(cdBytes)))

	indices := []blobIndex{{Type: 0 /* CSSLOT_CODEDIRECTORY */, Offset: 0}}
	superBlobHeaderSize := 12 + len(indices)*8

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, uint32(csMagicEmbeddedSig))
	binary.Write(&out, binary.BigEndian, uint32(superBlobHeaderSize+len(cdBytes)))
	binary.Write(&out, binary.BigEndian, uint32(len(indices)))
	for _, idx := range indices {
		binary.Write(&out, binary.BigEndian, idx.Type)
		binary.Write(&out, binary.BigEndian, uint32(superBlobHeaderSize)+idx.Offset)
	}
	out.Write(cdBytes)

	return out.Bytes()
}

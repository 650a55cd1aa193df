package evidence

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/aead/serpent"
	"github.com/containers/luksy"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"
)

var luksMagic = []byte("LUKS\xba\xbe")

// errKeySlot marks a key slot that did not open with the given password.
var errKeySlot = errors.New("key slot did not unlock")

// luksBackend decrypts the payload of a LUKS1 or LUKS2 volume.
//
// Sectors are decrypted independently with XTS, using the sector number
// (in units of the volume's sector size) as the tweak.
type luksBackend struct {
	file          *os.File
	cipher        *xts.Cipher
	sectorSize    int
	payloadOffset int64
	size          int64
	version       int
	cipherSpec    string
	keySlot       string
}

// openLUKS unlocks a LUKS volume with the configured password.
func openLUKS(paths []string, o *imageOptions) (Backend, error) {
	f, fileSize, err := probeFile(TypeLUKS, paths, int64(len(luksMagic)))
	if err != nil {
		return nil, err
	}
	ok, err := hasMagic(f, 0, luksMagic)
	if err != nil || !ok {
		f.Close()
		if err != nil {
			return nil, err
		}
		return nil, wrongType(TypeLUKS, "no LUKS signature")
	}
	if o.password == "" {
		f.Close()
		return nil, fmt.Errorf("%w: LUKS volume needs a password", ErrCredentials)
	}

	b, err := unlockLUKS(f, fileSize, o.password)
	if err != nil {
		f.Close()
		return nil, err
	}
	o.logger.WithField("cipher", b.cipherSpec).WithField("keyslot", b.keySlot).Debug("LUKS volume unlocked")
	return b, nil
}

func unlockLUKS(f *os.File, fileSize int64, password string) (*luksBackend, error) {
	v1hdr, v2hdr, _, v2json, err := luksy.ReadHeaders(f, luksy.ReadHeaderOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: LUKS headers: %v", ErrUnsupportedFormat, err)
	}

	var b *luksBackend
	switch {
	case v1hdr != nil:
		b, err = unlockLUKS1(v1hdr, f, password)
	case v2hdr != nil && v2json != nil:
		b, err = unlockLUKS2(v2json, f, fileSize, password)
	default:
		return nil, fmt.Errorf("%w: no valid LUKS header", ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, err
	}
	b.file = f

	if b.size == 0 {
		b.size = fileSize - b.payloadOffset
	}
	b.size -= b.size % int64(b.sectorSize)
	if b.size <= 0 {
		return nil, fmt.Errorf("%w: LUKS payload at %d is past the end of the file", ErrUnsupportedFormat, b.payloadOffset)
	}
	return b, nil
}

// unlockLUKS1 tries every active key slot of a LUKS1 header.
func unlockLUKS1(hdr *luksy.V1Header, r io.ReaderAt, password string) (*luksBackend, error) {
	spec := hdr.CipherName() + "-" + hdr.CipherMode()
	newBlock, err := blockCipherFor(spec)
	if err != nil {
		return nil, err
	}
	hashFunc := getHashFunc(hdr.HashSpec())
	if hashFunc == nil {
		return nil, fmt.Errorf("%w: LUKS hash %s", ErrUnsupportedFormat, hdr.HashSpec())
	}
	keyBytes := int(hdr.KeyBytes())

	for slot := 0; slot < 8; slot++ {
		ks, err := hdr.KeySlot(slot)
		if err != nil {
			continue
		}
		active, err := ks.Active()
		if err != nil || !active {
			continue
		}
		mk, err := tryUnlockKeySlot(hdr, &ks, r, password, keyBytes, hashFunc, newBlock)
		if errors.Is(err, errKeySlot) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c, err := xts.NewCipher(newBlock, mk)
		if err != nil {
			return nil, fmt.Errorf("%w: XTS cipher: %v", ErrUnsupportedFormat, err)
		}
		return &luksBackend{
			cipher:        c,
			sectorSize:    DefaultSectorSize,
			payloadOffset: int64(hdr.PayloadOffset()) * DefaultSectorSize,
			version:       1,
			cipherSpec:    spec,
			keySlot:       strconv.Itoa(slot),
		}, nil
	}
	return nil, fmt.Errorf("%w: no LUKS key slot opens with this password", ErrCredentials)
}

// tryUnlockKeySlot recovers the master key from a LUKS1 key slot.
func tryUnlockKeySlot(hdr *luksy.V1Header, ks *luksy.V1KeySlot, r io.ReaderAt, password string,
	keyBytes int, hashFunc func() hash.Hash, newBlock func([]byte) (cipher.Block, error)) ([]byte, error) {
	stripes := int(ks.Stripes())
	keyMaterialOffset := int64(ks.KeyMaterialOffset()) * DefaultSectorSize // Offset is in sectors

	afKey := pbkdf2.Key([]byte(password), ks.KeySlotSalt(), int(ks.Iterations()), keyBytes, hashFunc)

	keyMaterialSize := keyBytes * stripes
	sectors := (keyMaterialSize + DefaultSectorSize - 1) / DefaultSectorSize
	encrypted := make([]byte, sectors*DefaultSectorSize)
	if err := readFull(r, encrypted, keyMaterialOffset); err != nil {
		return nil, fmt.Errorf("evidence: read LUKS key material: %w", err)
	}

	splitKey, err := decryptKeyMaterial(encrypted[:keyMaterialSize], afKey, newBlock)
	if err != nil {
		return nil, err
	}
	masterKey := afMerge(splitKey, keyBytes, stripes, hashFunc)

	mkDigest := hdr.MKDigest()
	computed := pbkdf2.Key(masterKey, hdr.MKDigestSalt(), int(hdr.MKDigestIter()), len(mkDigest), hashFunc)
	if subtle.ConstantTimeCompare(mkDigest, computed) != 1 {
		return nil, errKeySlot
	}
	return masterKey, nil
}

// unlockLUKS2 tries every luks2 key slot of a LUKS2 header.
func unlockLUKS2(json *luksy.V2JSON, r io.ReaderAt, fileSize int64, password string) (*luksBackend, error) {
	var segment *luksy.V2JSONSegment
	for _, seg := range json.Segments {
		if seg.Type == "crypt" {
			segment = &seg
			break
		}
	}
	if segment == nil || segment.V2JSONSegmentCrypt == nil {
		return nil, fmt.Errorf("%w: no crypt segment in LUKS2 metadata", ErrUnsupportedFormat)
	}
	newBlock, err := blockCipherFor(segment.Encryption)
	if err != nil {
		return nil, err
	}
	sectorSize := segment.SectorSize
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	if err := validateSectorSize(sectorSize); err != nil {
		return nil, fmt.Errorf("%w: LUKS2 sector size %d", ErrUnsupportedFormat, sectorSize)
	}
	offset, err := strconv.ParseInt(fmt.Sprint(segment.Offset), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: LUKS2 segment offset %v", ErrUnsupportedFormat, segment.Offset)
	}
	var size int64
	if s := fmt.Sprint(segment.Size); s != "dynamic" {
		if size, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: LUKS2 segment size %v", ErrUnsupportedFormat, segment.Size)
		}
		if offset+size > fileSize {
			size = fileSize - offset
		}
	}

	for slotID, slot := range json.Keyslots {
		if slot.Type != "luks2" || slot.V2JSONKeyslotLUKS2 == nil {
			continue
		}
		mk, err := tryUnlockKeySlotV2(json, slotID, &slot, r, password, newBlock)
		if errors.Is(err, errKeySlot) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c, err := xts.NewCipher(newBlock, mk)
		if err != nil {
			return nil, fmt.Errorf("%w: XTS cipher: %v", ErrUnsupportedFormat, err)
		}
		return &luksBackend{
			cipher:        c,
			sectorSize:    sectorSize,
			payloadOffset: offset,
			size:          size,
			version:       2,
			cipherSpec:    segment.Encryption,
			keySlot:       slotID,
		}, nil
	}
	return nil, fmt.Errorf("%w: no LUKS2 key slot opens with this password", ErrCredentials)
}

// tryUnlockKeySlotV2 recovers the master key from a LUKS2 key slot.
func tryUnlockKeySlotV2(json *luksy.V2JSON, slotID string, slot *luksy.V2JSONKeyslot, r io.ReaderAt,
	password string, newBlock func([]byte) (cipher.Block, error)) ([]byte, error) {
	luks2 := slot.V2JSONKeyslotLUKS2
	kdf := luks2.Kdf
	af := luks2.AF

	keySize := slot.KeySize
	if keySize == 0 {
		return nil, fmt.Errorf("%w: key slot %s has no key size", ErrUnsupportedFormat, slotID)
	}
	if af.Type != "luks1" || af.V2JSONAFLUKS1 == nil {
		return nil, fmt.Errorf("%w: AF type %s", ErrUnsupportedFormat, af.Type)
	}
	stripes := af.Stripes
	hashFunc := getHashFunc(af.Hash)
	if hashFunc == nil {
		return nil, fmt.Errorf("%w: AF hash %s", ErrUnsupportedFormat, af.Hash)
	}

	var afKey []byte
	switch kdf.Type {
	case "pbkdf2":
		if kdf.V2JSONKdfPbkdf2 == nil {
			return nil, fmt.Errorf("%w: pbkdf2 KDF missing parameters", ErrUnsupportedFormat)
		}
		kdfHash := getHashFunc(kdf.Hash)
		if kdfHash == nil {
			return nil, fmt.Errorf("%w: PBKDF2 hash %s", ErrUnsupportedFormat, kdf.Hash)
		}
		afKey = pbkdf2.Key([]byte(password), kdf.Salt, kdf.Iterations, keySize, kdfHash)
	case "argon2i":
		if kdf.V2JSONKdfArgon2i == nil {
			return nil, fmt.Errorf("%w: argon2i KDF missing parameters", ErrUnsupportedFormat)
		}
		afKey = argon2.Key([]byte(password), kdf.Salt,
			uint32(kdf.Time), uint32(kdf.Memory), uint8(kdf.CPUs), uint32(keySize))
	case "argon2id":
		if kdf.V2JSONKdfArgon2i == nil {
			return nil, fmt.Errorf("%w: argon2id KDF missing parameters", ErrUnsupportedFormat)
		}
		afKey = argon2.IDKey([]byte(password), kdf.Salt,
			uint32(kdf.Time), uint32(kdf.Memory), uint8(kdf.CPUs), uint32(keySize))
	default:
		return nil, fmt.Errorf("%w: KDF %s", ErrUnsupportedFormat, kdf.Type)
	}

	area := slot.Area
	if area.Type != "raw" {
		return nil, fmt.Errorf("%w: key slot area %s", ErrUnsupportedFormat, area.Type)
	}
	encrypted := make([]byte, keySize*stripes)
	if err := readFull(r, encrypted, area.Offset); err != nil {
		return nil, fmt.Errorf("evidence: read LUKS2 key material: %w", err)
	}
	splitKey, err := decryptKeyMaterial(encrypted, afKey, newBlock)
	if err != nil {
		return nil, err
	}
	masterKey := afMerge(splitKey, keySize, stripes, hashFunc)

	for _, digest := range json.Digests {
		if digest.Type != "pbkdf2" || digest.V2JSONDigestPbkdf2 == nil {
			continue
		}
		for _, ks := range digest.Keyslots {
			if ks != slotID {
				continue
			}
			digestHash := getHashFunc(digest.Hash)
			if digestHash == nil {
				continue
			}
			computed := pbkdf2.Key(masterKey, digest.Salt, digest.Iterations, len(digest.Digest), digestHash)
			if subtle.ConstantTimeCompare(digest.Digest, computed) == 1 {
				return masterKey, nil
			}
		}
	}
	return nil, errKeySlot
}

// blockCipherFor maps a LUKS cipher spec such as "aes-xts-plain64" to a
// block cipher constructor. Only XTS with plain or plain64 IVs is
// supported.
func blockCipherFor(spec string) (func([]byte) (cipher.Block, error), error) {
	name, mode, _ := strings.Cut(spec, "-")
	if mode != "xts-plain64" && mode != "xts-plain" {
		return nil, fmt.Errorf("%w: LUKS cipher mode %q", ErrUnsupportedFormat, mode)
	}
	switch name {
	case "aes":
		return aes.NewCipher, nil
	case "serpent":
		return serpent.NewCipher, nil
	}
	return nil, fmt.Errorf("%w: LUKS cipher %q", ErrUnsupportedFormat, name)
}

// decryptKeyMaterial decrypts AF-split key material, which is stored as
// consecutive 512-byte sectors numbered from 0.
func decryptKeyMaterial(encrypted, afKey []byte, newBlock func([]byte) (cipher.Block, error)) ([]byte, error) {
	c, err := xts.NewCipher(newBlock, afKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key material cipher: %v", ErrUnsupportedFormat, err)
	}
	plaintext := make([]byte, len(encrypted))
	for i := 0; i < len(encrypted); i += DefaultSectorSize {
		end := min(i+DefaultSectorSize, len(encrypted))
		c.Decrypt(plaintext[i:end], encrypted[i:end], uint64(i/DefaultSectorSize))
	}
	return plaintext, nil
}

// afMerge undoes the anti-forensic split: every stripe but the last is
// XORed in and diffused, then the last stripe is XORed in.
func afMerge(splitKey []byte, keyLen, stripes int, hashFunc func() hash.Hash) []byte {
	d := make([]byte, keyLen)
	for i := 0; i < stripes-1; i++ {
		start := i * keyLen
		if start+keyLen > len(splitKey) {
			break
		}
		for j := 0; j < keyLen; j++ {
			d[j] ^= splitKey[start+j]
		}
		d = afDiffuse(d, hashFunc)
	}
	last := (stripes - 1) * keyLen
	if last+keyLen <= len(splitKey) {
		for j := 0; j < keyLen; j++ {
			d[j] ^= splitKey[last+j]
		}
	}
	return d
}

// afDiffuse hashes data in digest-sized blocks, each prefixed with its
// big-endian block index.
func afDiffuse(data []byte, hashFunc func() hash.Hash) []byte {
	h := hashFunc()
	hashSize := h.Size()
	result := make([]byte, len(data))
	for i := 0; i < len(data); i += hashSize {
		h.Reset()
		var index [4]byte
		binary.BigEndian.PutUint32(index[:], uint32(i/hashSize))
		h.Write(index[:])
		h.Write(data[i:min(i+hashSize, len(data))])
		copy(result[i:], h.Sum(nil))
	}
	return result
}

// getHashFunc returns the hash.Hash constructor for the given hash spec.
func getHashFunc(hashSpec string) func() hash.Hash {
	switch hashSpec {
	case "sha1":
		return sha1.New
	case "sha256":
		return sha256.New
	case "sha512":
		return sha512.New
	}
	return nil
}

// ReadAt decrypts the sectors covering [off, off+len(p)).
func (b *luksBackend) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > b.size {
		return 0, fmt.Errorf("%w: LUKS read at %d", ErrOffsetOutOfRange, off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	ss := int64(b.sectorSize)
	start := off - off%ss
	end := (off + int64(len(p)) + ss - 1) / ss * ss

	buf := p
	if start != off || end != off+int64(len(p)) {
		buf = make([]byte, end-start)
	}
	if err := readFull(b.file, buf, b.payloadOffset+start); err != nil {
		return 0, fmt.Errorf("evidence: read LUKS payload: %w", err)
	}
	first := uint64(start / ss)
	for i := int64(0); i < int64(len(buf)); i += ss {
		b.cipher.Decrypt(buf[i:i+ss], buf[i:i+ss], first+uint64(i/ss))
	}
	if &buf[0] != &p[0] {
		copy(p, buf[off-start:])
	}
	return len(p), nil
}

// AlignedReads reports that the payload decrypts in whole sectors.
func (b *luksBackend) AlignedReads() bool {
	return true
}

func (b *luksBackend) Size() int64 {
	return b.size
}

func (b *luksBackend) SectorSize() int {
	return b.sectorSize
}

func (b *luksBackend) Describe(w io.Writer) error {
	_, err := fmt.Fprintf(w, "LUKS version: %d\nCipher: %s\nKey slot: %s\nPayload offset: %d\nSector size: %d\n",
		b.version, b.cipherSpec, b.keySlot, b.payloadOffset, b.sectorSize)
	return err
}

func (b *luksBackend) Close() error {
	return b.file.Close()
}

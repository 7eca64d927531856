package avion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	meshMagic   = 0x80
	meshTrailer = 0xff
	macSize     = 8

	// Mesh packets are written in two GATT writes, the first one is at most lowWriteSize long.
	lowWriteSize = 20
)

// Brightness command opcodes of the Avion lighting protocol.
const (
	opWrite      = 0x73
	verbDimming  = 0x0a
	payloadBytes = 13
)

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// NetworkKey derives the 128 bit mesh key from the passphrase paired in the Avion app.
func NetworkKey(passphrase string) []byte {
	sum := sha256.Sum256(append([]byte(passphrase), 0x00, 'M', 'C', 'P'))
	return reverse(sum[:])[:16]
}

func seqBytes(seq uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, seq)
	return b[:3]
}

// MakePacket encrypts and signs a mesh payload.
//
// Layout: seq(3, little endian) | 0x80 | AES-OFB(payload) | HMAC(8) | 0xff
func MakePacket(key []byte, seq uint32, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid network key: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	copy(iv, seqBytes(seq))
	iv[4] = meshMagic

	enc := make([]byte, len(payload))
	cipher.NewOFB(block, iv).XORKeyStream(enc, payload)

	mac := hmac.New(sha256.New, key)
	mac.Write(make([]byte, 8))
	mac.Write(seqBytes(seq))
	mac.Write([]byte{meshMagic})
	mac.Write(enc)
	sig := reverse(mac.Sum(nil))[:macSize]

	packet := make([]byte, 0, 4+len(enc)+macSize+1)
	packet = append(packet, seqBytes(seq)...)
	packet = append(packet, meshMagic)
	packet = append(packet, enc...)
	packet = append(packet, sig...)
	packet = append(packet, meshTrailer)
	return packet, nil
}

// brightnessPayload addresses a dimming command to one channel of the mesh.
func brightnessPayload(value uint8, channel int) []byte {
	p := make([]byte, payloadBytes)
	binary.LittleEndian.PutUint16(p[0:2], uint16(channel))
	p[2] = opWrite
	p[4] = verbDimming
	p[8] = value
	return p
}

func splitPacket(packet []byte) (low, high []byte) {
	if len(packet) <= lowWriteSize {
		return packet, nil
	}
	return packet[:lowWriteSize], packet[lowWriteSize:]
}

// Package nip44 implements version 2 of the NIP-44 payload encryption scheme,
// which remote signers use to exchange requests over public relays.
package nip44

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	version     = 2
	minPlain    = 1
	maxPlain    = 65535
	minDecoded  = 99
	maxDecoded  = 65603
	minEncoded  = 132
	maxEncoded  = 87472
	saltString  = "nip44-v2"
	nonceLen    = 32
	macLen      = 32
	keysLen     = 76
	chachaKeyEn = 32
	chachaNonce = 12
)

// Key is a conversation key shared by two parties.
type Key [32]byte

// ConversationKey derives the key shared by priv's owner and the holder of pubHex.
// It is symmetric: ConversationKey(a, B) == ConversationKey(b, A).
func ConversationKey(priv *btcec.PrivateKey, pubHex string) (Key, error) {
	var key Key

	pkBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return key, errors.Wrap(err, "decoding pubkey")
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return key, errors.Wrap(err, "parsing pubkey")
	}

	shared := btcec.GenerateSharedSecret(priv, pub)
	copy(key[:], hkdf.Extract(sha256.New, shared, []byte(saltString)))
	return key, nil
}

// Encrypt encrypts plaintext with a fresh random nonce.
func Encrypt(plaintext string, key Key) (string, error) {
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", errors.Wrap(err, "generating nonce")
	}
	return encrypt(plaintext, key, nonce)
}

func encrypt(plaintext string, key Key, nonce [nonceLen]byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(key, nonce)
	if err != nil {
		return "", err
	}

	padded, err := pad(plaintext)
	if err != nil {
		return "", err
	}

	c, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", errors.Wrap(err, "creating cipher")
	}
	ciphertext := make([]byte, len(padded))
	c.XORKeyStream(ciphertext, padded)

	mac := computeMAC(hmacKey, nonce[:], ciphertext)

	out := make([]byte, 0, 1+nonceLen+len(ciphertext)+macLen)
	out = append(out, version)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	out = append(out, mac...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func Decrypt(payload string, key Key) (string, error) {
	if len(payload) == 0 || payload[0] == '#' {
		return "", errors.New("unsupported encryption version")
	}
	if len(payload) < minEncoded || len(payload) > maxEncoded {
		return "", errors.Errorf("invalid payload length %d", len(payload))
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", errors.Wrap(err, "decoding payload")
	}
	if len(data) < minDecoded || len(data) > maxDecoded {
		return "", errors.Errorf("invalid decoded length %d", len(data))
	}
	if data[0] != version {
		return "", errors.Errorf("unknown version %d", data[0])
	}

	var nonce [nonceLen]byte
	copy(nonce[:], data[1:1+nonceLen])
	ciphertext := data[1+nonceLen : len(data)-macLen]
	mac := data[len(data)-macLen:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(key, nonce)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(mac, computeMAC(hmacKey, nonce[:], ciphertext)) {
		return "", errors.New("invalid MAC")
	}

	c, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", errors.Wrap(err, "creating cipher")
	}
	padded := make([]byte, len(ciphertext))
	c.XORKeyStream(padded, ciphertext)

	return unpad(padded)
}

func messageKeys(key Key, nonce [nonceLen]byte) (chachaKey, nonceBytes, hmacKey []byte, err error) {
	r := hkdf.Expand(sha256.New, key[:], nonce[:])
	keys := make([]byte, keysLen)
	if _, err = io.ReadFull(r, keys); err != nil {
		return nil, nil, nil, errors.Wrap(err, "expanding message keys")
	}
	return keys[:chachaKeyEn], keys[chachaKeyEn : chachaKeyEn+chachaNonce], keys[chachaKeyEn+chachaNonce:], nil
}

func computeMAC(hmacKey, aad, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, hmacKey)
	h.Write(aad)
	h.Write(ciphertext)
	return h.Sum(nil)
}

func paddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(n-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((n-1)/chunk + 1)
}

func pad(plaintext string) ([]byte, error) {
	n := len(plaintext)
	if n < minPlain || n > maxPlain {
		return nil, errors.Errorf("invalid plaintext length %d", n)
	}
	out := make([]byte, 2+paddedLen(n))
	binary.BigEndian.PutUint16(out, uint16(n))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) (string, error) {
	if len(padded) < 2 {
		return "", errors.New("invalid padding")
	}
	n := int(binary.BigEndian.Uint16(padded))
	if n < minPlain || 2+n > len(padded) || len(padded) != 2+paddedLen(n) {
		return "", errors.New("invalid padding")
	}
	return string(padded[2 : 2+n]), nil
}

package cryptoops

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// SealedPayload is an authenticated public-key encrypted blob. All three
// fields are base64 so the struct survives JSON round-trips unchanged.
type SealedPayload struct {
	Cipher    string `json:"cipher"`
	Nonce     string `json:"nonce"`
	SenderPub string `json:"senderPub"`
}

// GenerateBoxKeyPair returns a fresh Curve25519 key pair for sealing.
func GenerateBoxKeyPair() (publicKey, secretKey []byte, err error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSealingFailed, err)
	}
	return pub[:], sec[:], nil
}

// SealPayload encrypts plaintext to recipientPub (32 bytes) under an
// ephemeral sender key. The sender public key travels with the blob so the
// recipient can open it without prior key exchange.
func SealPayload(recipientPub []byte, plaintext []byte) (*SealedPayload, error) {
	if len(recipientPub) != 32 {
		return nil, fmt.Errorf("%w: recipient key must be 32 bytes", ErrSealingFailed)
	}
	senderPub, senderSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealingFailed, err)
	}
	defer Zeroize(senderSec[:])

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealingFailed, err)
	}
	var peer [32]byte
	copy(peer[:], recipientPub)

	cipher := box.Seal(nil, plaintext, &nonce, &peer, senderSec)
	return &SealedPayload{
		Cipher:    base64.StdEncoding.EncodeToString(cipher),
		Nonce:     base64.StdEncoding.EncodeToString(nonce[:]),
		SenderPub: base64.StdEncoding.EncodeToString(senderPub[:]),
	}, nil
}

// OpenPayload decrypts a sealed payload with the recipient's 32-byte secret
// key. The caller owns the returned plaintext and is responsible for wiping
// it when it holds key material.
func OpenPayload(recipientSec []byte, sealed *SealedPayload) ([]byte, error) {
	if sealed == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrBadEncoding)
	}
	if len(recipientSec) != 32 {
		return nil, fmt.Errorf("%w: recipient key must be 32 bytes", ErrSealingFailed)
	}
	cipher, err := base64.StdEncoding.DecodeString(sealed.Cipher)
	if err != nil {
		return nil, ErrBadEncoding
	}
	rawNonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil || len(rawNonce) != 24 {
		return nil, ErrBadEncoding
	}
	rawSender, err := base64.StdEncoding.DecodeString(sealed.SenderPub)
	if err != nil || len(rawSender) != 32 {
		return nil, ErrBadEncoding
	}

	var nonce [24]byte
	copy(nonce[:], rawNonce)
	var sender, sec [32]byte
	copy(sender[:], rawSender)
	copy(sec[:], recipientSec)
	defer Zeroize(sec[:])

	plain, ok := box.Open(nil, cipher, &nonce, &sender, &sec)
	if !ok {
		return nil, ErrSealingFailed
	}
	return plain, nil
}

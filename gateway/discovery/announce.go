package discovery

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"github.com/hypertuna/gateway/gateway/core/cryptoops"
)

const ProtocolVersion = 1

var (
	ErrInvalidAnnouncement = errors.New("discovery: invalid announcement")
	ErrBadSignature        = errors.New("discovery: announcement signature invalid")
)

// TopicDigest is the well-known 32-byte discovery topic.
var TopicDigest = sha256.Sum256([]byte("hypertuna/gateway/discovery/v1"))

// Announcement is the signed, TTL-bounded gateway descriptor published on
// the discovery topic and served to probe connections.
type Announcement struct {
	GatewayID           string
	Timestamp           time.Time
	TTL                 time.Duration
	PublicURL           string
	WSURL               string
	SecretURL           string
	SecretHash          [32]byte
	OpenAccess          bool
	SharedSecretVersion uint32
	DisplayName         string
	Region              string
	ProtocolVersion     uint8
	SignatureKey        ed25519.PublicKey
	Signature           []byte
}

func putString(dst []byte, s string) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	dst = append(dst, l[:]...)
	return append(dst, s...)
}

func takeString(src []byte) (string, []byte, error) {
	if len(src) < 2 {
		return "", nil, ErrInvalidAnnouncement
	}
	n := int(binary.BigEndian.Uint16(src[:2]))
	src = src[2:]
	if len(src) < n {
		return "", nil, ErrInvalidAnnouncement
	}
	return string(src[:n]), src[n:], nil
}

// encodeUnsigned lays out every field except the trailing signature. The
// signature is computed over exactly these bytes.
func (a *Announcement) encodeUnsigned() []byte {
	out := make([]byte, 0, 256)
	out = append(out, a.ProtocolVersion)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(a.Timestamp.UnixMilli()))
	out = append(out, ts[:]...)

	var ttl [4]byte
	binary.BigEndian.PutUint32(ttl[:], uint32(a.TTL/time.Second))
	out = append(out, ttl[:]...)

	if a.OpenAccess {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}

	var ssv [4]byte
	binary.BigEndian.PutUint32(ssv[:], a.SharedSecretVersion)
	out = append(out, ssv[:]...)

	out = putString(out, a.GatewayID)
	out = putString(out, a.PublicURL)
	out = putString(out, a.WSURL)
	out = putString(out, a.SecretURL)
	out = putString(out, a.DisplayName)
	out = putString(out, a.Region)
	out = append(out, a.SecretHash[:]...)
	out = append(out, a.SignatureKey...)
	return out
}

// Sign attaches a detached signature over the canonical layout.
func (a *Announcement) Sign(cred *cryptoops.Credential) {
	a.SignatureKey = cred.PublicKey()
	a.Signature = cred.Sign(a.encodeUnsigned())
}

// Encode renders the signed wire form: the unsigned layout followed by the
// 64-byte signature.
func (a *Announcement) Encode() ([]byte, error) {
	if len(a.Signature) != ed25519.SignatureSize {
		return nil, ErrBadSignature
	}
	unsigned := a.encodeUnsigned()
	return append(unsigned, a.Signature...), nil
}

// Decode parses the wire form without verifying the signature; call Verify
// separately.
func Decode(data []byte) (*Announcement, error) {
	if len(data) < 1+8+4+1+4+ed25519.SignatureSize {
		return nil, ErrInvalidAnnouncement
	}

	a := &Announcement{}
	a.ProtocolVersion = data[0]
	if a.ProtocolVersion != ProtocolVersion {
		return nil, ErrInvalidAnnouncement
	}
	rest := data[1:]

	a.Timestamp = time.UnixMilli(int64(binary.BigEndian.Uint64(rest[:8])))
	rest = rest[8:]
	a.TTL = time.Duration(binary.BigEndian.Uint32(rest[:4])) * time.Second
	rest = rest[4:]
	a.OpenAccess = rest[0] == 1
	rest = rest[1:]
	a.SharedSecretVersion = binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]

	var err error
	for _, field := range []*string{&a.GatewayID, &a.PublicURL, &a.WSURL, &a.SecretURL, &a.DisplayName, &a.Region} {
		*field, rest, err = takeString(rest)
		if err != nil {
			return nil, err
		}
	}

	if len(rest) != 32+ed25519.PublicKeySize+ed25519.SignatureSize {
		return nil, ErrInvalidAnnouncement
	}
	copy(a.SecretHash[:], rest[:32])
	rest = rest[32:]
	a.SignatureKey = ed25519.PublicKey(append([]byte(nil), rest[:ed25519.PublicKeySize]...))
	rest = rest[ed25519.PublicKeySize:]
	a.Signature = append([]byte(nil), rest...)
	return a, nil
}

// Verify checks the detached signature under the embedded signature key.
func (a *Announcement) Verify() error {
	if !cryptoops.VerifyWithKey(a.SignatureKey, a.encodeUnsigned(), a.Signature) {
		return ErrBadSignature
	}
	return nil
}

// SecretFingerprint hashes the shared secret so clients can confirm they
// hold the right one without ever seeing it. Zero when no secret is set.
func SecretFingerprint(sharedSecret string) [32]byte {
	if sharedSecret == "" {
		return [32]byte{}
	}
	return sha256.Sum256([]byte(sharedSecret))
}

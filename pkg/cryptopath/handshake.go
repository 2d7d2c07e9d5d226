package cryptopath

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - SHA1 required by the Tor TAP and Fast handshakes.
	"fmt"

	torerr "github.com/opd-ai/go-tor/pkg/errors"
	"golang.org/x/crypto/curve25519"
)

// dhPubLen is the size of the Diffie-Hellman public value carried in a TAP
// handshake. Per the Open Question decision in DESIGN.md, the classical
// mod-p TAP group is replaced with a Curve25519 scalar multiplication, the
// same DH primitive the teacher's ntor code already used.
const dhPubLen = 32

// rsaHybridCapacity is the number of plaintext bytes that fit directly in
// one RSA-1024-OAEP-SHA1 block: modulus_bytes(128) - 2*hashLen(20) - 2.
const rsaHybridCapacity = 86

// CreatePayload is the body of a CREATE cell: a TAP onionskin addressed to
// the hop's RSA onion key.
type CreatePayload struct {
	Onionskin []byte
}

// CreatedPayload is the body of a CREATED cell: the hop's DH public value
// followed by its KH.
type CreatedPayload struct {
	ServerPublic [dhPubLen]byte
	KH           KH
}

// pendingTAP is the client-side state kept between sending a CREATE and
// receiving the matching CREATED.
type pendingTAP struct {
	clientPrivate [32]byte
	clientPublic  [32]byte
}

// TAPClientCreate generates a fresh DH key pair and RSA-encrypts the
// client's public value under the hop's onion key, producing the CREATE
// payload to send and the state needed to process the CREATED response.
//
// Implements spec.md §4.4's TAP-style handshake: "Client generates a DH key
// pair, RSA-encrypts the client public value under the hop's onion public
// key (split into a hybrid scheme if the value exceeds the RSA block
// size)."
func TAPClientCreate(onionKey *rsa.PublicKey) (*CreatePayload, *pendingTAP, error) {
	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, nil, torerr.InternalErr("generate client DH key", err)
	}
	var public [32]byte
	curve25519.ScalarBaseMult(&public, &private)

	onionskin, err := rsaHybridEncrypt(onionKey, public[:])
	if err != nil {
		return nil, nil, torerr.InternalErr("encrypt onionskin", err)
	}

	return &CreatePayload{Onionskin: onionskin}, &pendingTAP{clientPrivate: private, clientPublic: public}, nil
}

// TAPServerHandshake is the relay side of TAP: it decrypts the onionskin to
// recover the client's DH public value, generates its own DH key pair,
// derives the shared secret and key schedule, and returns the CREATED
// payload to send back.
func TAPServerHandshake(onionKey *rsa.PrivateKey, payload *CreatePayload) (*CreatedPayload, *HopKeys, error) {
	clientPublicBytes, err := rsaHybridDecrypt(onionKey, payload.Onionskin)
	if err != nil {
		return nil, nil, torerr.ProtocolErr("decrypt onionskin", err)
	}
	if len(clientPublicBytes) != dhPubLen {
		return nil, nil, torerr.ProtocolErr(fmt.Sprintf("decrypted client public value length = %d, want %d", len(clientPublicBytes), dhPubLen), nil)
	}
	var clientPublic [32]byte
	copy(clientPublic[:], clientPublicBytes)

	var serverPrivate [32]byte
	if _, err := rand.Read(serverPrivate[:]); err != nil {
		return nil, nil, torerr.InternalErr("generate server DH key", err)
	}
	var serverPublic [32]byte
	curve25519.ScalarBaseMult(&serverPublic, &serverPrivate)

	var shared [32]byte
	curve25519.ScalarMult(&shared, &serverPrivate, &clientPublic)

	hk, err := DeriveHopKeys(shared[:])
	if err != nil {
		return nil, nil, err
	}

	return &CreatedPayload{ServerPublic: serverPublic, KH: hk.KH}, hk, nil
}

// TAPClientFinish completes the client side of TAP given the CREATED
// response: it recomputes the shared secret from the server's DH public
// value and the client's retained private value, derives the key schedule,
// and verifies KH. A KH mismatch means the hop does not hold the private
// key it claims to, and the caller must abort the circuit build with
// TORPROTOCOL per spec.md §4.5.
func TAPClientFinish(pending *pendingTAP, created *CreatedPayload) (*HopKeys, error) {
	var shared [32]byte
	curve25519.ScalarMult(&shared, &pending.clientPrivate, &created.ServerPublic)

	hk, err := DeriveHopKeys(shared[:])
	if err != nil {
		return nil, err
	}
	if !hk.CheckKH(created.KH[:]) {
		return nil, torerr.ProtocolErr("KH mismatch: hop failed to prove possession of its onion key", nil)
	}
	return hk, nil
}

// CreateFastPayload is the body of a CREATE_FAST cell: 20 client-chosen
// random bytes.
type CreateFastPayload struct {
	X [digestSeedLen]byte
}

// CreatedFastPayload is the body of a CREATED_FAST cell: 20 server-chosen
// random bytes followed by KH.
type CreatedFastPayload struct {
	Y  [digestSeedLen]byte
	KH KH
}

// FastClientCreate generates the client's share of a CREATE_FAST handshake.
// Per spec.md §4.4, this variant is only valid for the first hop of a
// circuit over a link whose peer identity the client already trusts via
// TLS.
func FastClientCreate() (*CreateFastPayload, error) {
	var x [digestSeedLen]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, torerr.InternalErr("generate X", err)
	}
	return &CreateFastPayload{X: x}, nil
}

// FastServerHandshake is the relay side of CREATE_FAST: it generates its
// own random share Y, computes KH = H(X‖Y), and derives the key schedule
// from KDF(X‖Y).
func FastServerHandshake(create *CreateFastPayload) (*CreatedFastPayload, *HopKeys, error) {
	var y [digestSeedLen]byte
	if _, err := rand.Read(y[:]); err != nil {
		return nil, nil, torerr.InternalErr("generate Y", err)
	}

	kh := fastKH(create.X[:], y[:])
	hk, err := hopKeysFromFastSeed(create.X[:], y[:])
	if err != nil {
		return nil, nil, err
	}
	hk.KH = kh

	return &CreatedFastPayload{Y: y, KH: kh}, hk, nil
}

// FastClientFinish completes CREATE_FAST given the CREATED_FAST response,
// recomputing KH from X‖Y and verifying it against the server's claimed
// value before deriving the key schedule.
func FastClientFinish(create *CreateFastPayload, created *CreatedFastPayload) (*HopKeys, error) {
	hk, err := hopKeysFromFastSeed(create.X[:], created.Y[:])
	if err != nil {
		return nil, err
	}
	hk.KH = fastKH(create.X[:], created.Y[:])
	if !hk.CheckKH(created.KH[:]) {
		return nil, torerr.ProtocolErr("KH mismatch: CREATE_FAST response did not match X", nil)
	}
	return hk, nil
}

func fastKH(x, y []byte) KH {
	h := sha1.Sum(append(append([]byte{}, x...), y...)) // #nosec G401
	var kh KH
	copy(kh[:], h[:khLen])
	return kh
}

func hopKeysFromFastSeed(x, y []byte) (*HopKeys, error) {
	seed := append(append([]byte{}, x...), y...)
	return DeriveHopKeys(seed)
}

// rsaHybridEncrypt RSA-OAEP-SHA1-encrypts data directly when it fits in one
// block; otherwise it falls back to a hybrid scheme (random AES-128 key
// RSA-encrypted, data AES-CTR encrypted) per spec.md §4.4's "split into a
// hybrid scheme if the value exceeds the RSA block size."
func rsaHybridEncrypt(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	if len(data) <= rsaHybridCapacity {
		// #nosec G401 -- SHA1-OAEP mandated by the Tor TAP handshake.
		return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, data, nil)
	}

	aesKey := make([]byte, 16)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, torerr.InternalErr("generate hybrid AES key", err)
	}
	// #nosec G401 -- SHA1-OAEP mandated by the Tor TAP handshake.
	encryptedKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return nil, torerr.InternalErr("encrypt hybrid key", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, torerr.InternalErr("hybrid AES cipher", err)
	}
	ciphertext := make([]byte, len(data))
	cipher.NewCTR(block, make([]byte, aes.BlockSize)).XORKeyStream(ciphertext, data)

	out := make([]byte, 0, 2+len(encryptedKey)+len(ciphertext))
	out = append(out, byte(len(encryptedKey)>>8), byte(len(encryptedKey)))
	out = append(out, encryptedKey...)
	out = append(out, ciphertext...)
	return out, nil
}

func rsaHybridDecrypt(priv *rsa.PrivateKey, onionskin []byte) ([]byte, error) {
	keySize := priv.PublicKey.Size()
	if len(onionskin) == keySize {
		// #nosec G401 -- SHA1-OAEP mandated by the Tor TAP handshake.
		return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, onionskin, nil)
	}

	if len(onionskin) < 2 {
		return nil, torerr.ProtocolErr(fmt.Sprintf("onionskin too short: %d bytes", len(onionskin)), nil)
	}
	keyLen := int(onionskin[0])<<8 | int(onionskin[1])
	if len(onionskin) < 2+keyLen {
		return nil, torerr.ProtocolErr(fmt.Sprintf("onionskin truncated: want %d encrypted-key bytes, have %d", keyLen, len(onionskin)-2), nil)
	}
	encryptedKey := onionskin[2 : 2+keyLen]
	ciphertext := onionskin[2+keyLen:]

	// #nosec G401 -- SHA1-OAEP mandated by the Tor TAP handshake.
	aesKey, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, encryptedKey, nil)
	if err != nil {
		return nil, torerr.ProtocolErr("decrypt hybrid key", err)
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, torerr.InternalErr("hybrid AES cipher", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, make([]byte, aes.BlockSize)).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

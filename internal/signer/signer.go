// Package signer produces compact ES256 JWS tokens over raw JSON
// bodies. The payload is the exact wire bytes, so platform-side
// verification works on the delivered body without re-serialization.
package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"ucplink/internal/keys"
)

type jwsHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// Signer signs webhook bodies with the business keypair. A nil or
// empty key store makes signing a silent no-op: a missing signature
// must never block order-status propagation.
type Signer struct {
	Keys *keys.Store
}

// SignJSONBody returns a compact JWS over jsonBody, or "" when no key
// is available or the signature cannot be produced.
func (s Signer) SignJSONBody(ctx context.Context, jsonBody []byte) string {
	if s.Keys == nil {
		return ""
	}
	key, err := s.Keys.Active(ctx)
	if err != nil || key == nil {
		return ""
	}
	return signWith(key.Kid, key.Private, jsonBody)
}

func signWith(kid string, priv *ecdsa.PrivateKey, jsonBody []byte) string {
	header, err := json.Marshal(jwsHeader{Alg: "ES256", Kid: kid, Typ: "JWS"})
	if err != nil {
		return ""
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(jsonBody)

	digest := sha256.Sum256([]byte(signingInput))
	der, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return ""
	}
	raw, err := derToRaw(der, 32)
	if err != nil {
		return ""
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(raw)
}

// derToRaw converts an ASN.1 DER ECDSA signature
// SEQUENCE { INTEGER r, INTEGER s } into JOSE raw form r||s with each
// component exactly partLen bytes.
func derToRaw(der []byte, partLen int) ([]byte, error) {
	if len(der) < 8 {
		return nil, fmt.Errorf("der signature too short")
	}
	pos := 0
	if der[pos] != 0x30 {
		return nil, fmt.Errorf("der signature missing sequence tag")
	}
	pos++
	if _, err := readDERLength(der, &pos); err != nil {
		return nil, err
	}

	r, err := readDERInteger(der, &pos)
	if err != nil {
		return nil, fmt.Errorf("read r: %w", err)
	}
	s, err := readDERInteger(der, &pos)
	if err != nil {
		return nil, fmt.Errorf("read s: %w", err)
	}

	r = stripLeadingZeros(r)
	s = stripLeadingZeros(s)
	if len(r) > partLen || len(s) > partLen {
		return nil, fmt.Errorf("signature component exceeds %d bytes", partLen)
	}
	raw := make([]byte, 2*partLen)
	copy(raw[partLen-len(r):partLen], r)
	copy(raw[2*partLen-len(s):], s)
	return raw, nil
}

func readDERInteger(der []byte, pos *int) ([]byte, error) {
	if *pos >= len(der) || der[*pos] != 0x02 {
		return nil, fmt.Errorf("missing integer tag")
	}
	*pos++
	n, err := readDERLength(der, pos)
	if err != nil {
		return nil, err
	}
	if *pos+n > len(der) {
		return nil, fmt.Errorf("integer truncated")
	}
	v := der[*pos : *pos+n]
	*pos += n
	return v, nil
}

// readDERLength handles short form and 1-4 byte long form lengths.
func readDERLength(der []byte, pos *int) (int, error) {
	if *pos >= len(der) {
		return 0, fmt.Errorf("length truncated")
	}
	b := der[*pos]
	*pos++
	if b&0x80 == 0 {
		return int(b), nil
	}
	numBytes := int(b & 0x7F)
	if numBytes < 1 || numBytes > 4 {
		return 0, fmt.Errorf("unsupported length of length %d", numBytes)
	}
	if *pos+numBytes > len(der) {
		return 0, fmt.Errorf("length truncated")
	}
	n := 0
	for i := 0; i < numBytes; i++ {
		n = n<<8 | int(der[*pos])
		*pos++
	}
	return n, nil
}

func stripLeadingZeros(b []byte) []byte {
	for len(b) > 0 && b[0] == 0x00 {
		b = b[1:]
	}
	return b
}

package signer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
)

func verifyCompact(t *testing.T, token string, pub *ecdsa.PublicKey) bool {
	t.Helper()
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected 3 jws parts, got %d", len(parts))
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("raw signature must be 64 bytes, got %d", len(sig))
	}
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest[:], r, s)
}

func TestSignRoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"order":{"id":"41","status":"shipped"}}`)
	token := signWith("business_2026_abcd1234", priv, body)
	if token == "" {
		t.Fatal("expected signature")
	}
	if !verifyCompact(t, token, &priv.PublicKey) {
		t.Fatal("signature did not verify")
	}

	parts := strings.Split(token, ".")
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatal(err)
	}
	var header map[string]string
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		t.Fatal(err)
	}
	if header["alg"] != "ES256" || header["typ"] != "JWS" || header["kid"] != "business_2026_abcd1234" {
		t.Fatalf("unexpected header %v", header)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != string(body) {
		t.Fatalf("payload is not the raw body: %q", payload)
	}
}

func TestSignTamperedBodyFailsVerification(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"order":{"id":"41"}}`)
	token := signWith("kid1", priv, body)
	parts := strings.Split(token, ".")

	tampered := make([]byte, len(body))
	copy(tampered, body)
	tampered[2] ^= 0x01 // single flipped bit
	forged := parts[0] + "." + base64.RawURLEncoding.EncodeToString(tampered) + "." + parts[2]
	if verifyCompact(t, forged, &priv.PublicKey) {
		t.Fatal("tampered body must not verify")
	}
}

// derInt encodes b as a DER INTEGER, adding the 0x00 pad byte when the
// high bit is set.
func derInt(b []byte) []byte {
	if len(b) > 0 && b[0]&0x80 != 0 {
		b = append([]byte{0x00}, b...)
	}
	return append([]byte{0x02, byte(len(b))}, b...)
}

func derSeq(content []byte) []byte {
	return append([]byte{0x30, byte(len(content))}, content...)
}

func TestDerToRawHighBitComponent(t *testing.T) {
	r := make([]byte, 32)
	s := make([]byte, 32)
	r[0] = 0x80 // forces DER zero padding
	for i := range s {
		s[i] = byte(i + 1)
	}
	der := derSeq(append(derInt(r), derInt(s)...))

	raw, err := derToRaw(der, 32)
	if err != nil {
		t.Fatalf("derToRaw: %v", err)
	}
	if len(raw) != 64 {
		t.Fatalf("raw length %d", len(raw))
	}
	if raw[0] != 0x80 {
		t.Fatalf("padding byte not stripped: % x", raw[:4])
	}
	if raw[32] != 0x01 || raw[63] != 0x20 {
		t.Fatalf("s misplaced: % x", raw[32:])
	}
}

func TestDerToRawShortComponentLeftPadded(t *testing.T) {
	der := derSeq(append(derInt([]byte{0x05}), derInt([]byte{0x07, 0x09})...))
	raw, err := derToRaw(der, 32)
	if err != nil {
		t.Fatal(err)
	}
	if raw[31] != 0x05 || raw[62] != 0x07 || raw[63] != 0x09 {
		t.Fatalf("left padding wrong: % x", raw)
	}
	for _, idx := range []int{0, 30, 32, 61} {
		if raw[idx] != 0x00 {
			t.Fatalf("expected zero pad at %d", idx)
		}
	}
}

func TestDerToRawLongFormLength(t *testing.T) {
	r := make([]byte, 32)
	s := make([]byte, 32)
	r[0], s[0] = 0x01, 0x02
	content := append(derInt(r), derInt(s)...)
	// Long-form sequence length: 0x81 + one length byte.
	der := append([]byte{0x30, 0x81, byte(len(content))}, content...)
	raw, err := derToRaw(der, 32)
	if err != nil {
		t.Fatalf("long form length: %v", err)
	}
	if raw[0] != 0x01 || raw[32] != 0x02 {
		t.Fatalf("components misread: % x", raw[:2])
	}
}

func TestDerToRawOversizedComponent(t *testing.T) {
	r := make([]byte, 33)
	r[0] = 0x01 // not strippable padding
	s := []byte{0x02}
	der := derSeq(append(derInt(r), derInt(s)...))
	if _, err := derToRaw(der, 32); err == nil {
		t.Fatal("expected error for 33-byte component")
	}
}

func TestDerToRawMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x30, 0x02, 0x02, 0x00},
		{0x31, 0x06, 0x02, 0x01, 0x01, 0x02, 0x01, 0x01},       // wrong tag
		{0x30, 0x06, 0x03, 0x01, 0x01, 0x02, 0x01, 0x01},       // not an integer
		{0x30, 0x85, 0x01, 0x01, 0x01, 0x01, 0x01, 0x02, 0x01}, // 5-byte length
	}
	for i, der := range cases {
		if _, err := derToRaw(der, 32); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

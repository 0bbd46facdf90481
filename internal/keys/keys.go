// Package keys manages the business signing keypair: one EC P-256 key,
// generated lazily and persisted so a kid always maps to the same key.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ucplink/internal/domain"
	"ucplink/internal/repo"
)

// Store hands out the active signing key, generating and persisting
// one on first use. The private key is opaque to callers outside the
// signer.
type Store struct {
	Repo repo.Repo
	Now  func() time.Time

	mu     sync.Mutex
	cached *Key
}

// Key is the in-memory form of the active keypair.
type Key struct {
	Kid       string
	Private   *ecdsa.PrivateKey
	PublicJWK domain.JWK
}

// Active returns the persisted keypair, creating it when absent.
func (s *Store) Active(ctx context.Context) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached, nil
	}
	stored, err := s.Repo.ActiveSigningKey(ctx)
	if err == nil {
		key, err := decodeKey(stored)
		if err != nil {
			return nil, err
		}
		s.cached = key
		return key, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	key, stored, err := s.generate()
	if err != nil {
		return nil, err
	}
	if err := s.Repo.InsertSigningKey(ctx, stored); err != nil {
		// Another process may have won the race; re-read.
		if again, readErr := s.Repo.ActiveSigningKey(ctx); readErr == nil {
			key, err := decodeKey(again)
			if err != nil {
				return nil, err
			}
			s.cached = key
			return key, nil
		}
		return nil, err
	}
	s.cached = key
	return key, nil
}

// PublicJWKs returns the published signing key set.
func (s *Store) PublicJWKs(ctx context.Context) ([]domain.JWK, error) {
	key, err := s.Active(ctx)
	if err != nil {
		return nil, err
	}
	return []domain.JWK{key.PublicJWK}, nil
}

func (s *Store) generate() (*Key, repo.SigningKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, repo.SigningKey{}, fmt.Errorf("generate signing key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, repo.SigningKey{}, fmt.Errorf("marshal signing key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	kid := fmt.Sprintf("business_%d_%s", now().UTC().Year(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	jwk := publicJWK(kid, priv)

	key := &Key{Kid: kid, Private: priv, PublicJWK: jwk}
	stored := repo.SigningKey{
		Kid:           kid,
		PrivateKeyPEM: string(pemBytes),
		PublicJWK:     jwk,
		CreatedAt:     now().UTC().Format(time.RFC3339),
	}
	return key, stored, nil
}

func decodeKey(stored repo.SigningKey) (*Key, error) {
	block, _ := pem.Decode([]byte(stored.PrivateKeyPEM))
	if block == nil {
		return nil, errors.New("signing key pem is corrupt")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("signing key is not an EC key")
	}
	return &Key{Kid: stored.Kid, Private: priv, PublicJWK: stored.PublicJWK}, nil
}

func publicJWK(kid string, priv *ecdsa.PrivateKey) domain.JWK {
	// Fixed-width coordinates: P-256 field elements are 32 bytes.
	x := priv.PublicKey.X.FillBytes(make([]byte, 32))
	y := priv.PublicKey.Y.FillBytes(make([]byte, 32))
	return domain.JWK{
		Kid: kid,
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(x),
		Y:   base64.RawURLEncoding.EncodeToString(y),
		Use: "sig",
		Alg: "ES256",
	}
}

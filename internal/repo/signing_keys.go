package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ucplink/internal/domain"
)

// SigningKey is a stored EC keypair. The PEM never leaves the keys
// package; the JWK half is published in the business profile.
type SigningKey struct {
	Kid           string
	PrivateKeyPEM string
	PublicJWK     domain.JWK
	CreatedAt     string
}

// ActiveSigningKey returns the single active keypair, ErrNotFound when
// none has been generated yet.
func (r Repo) ActiveSigningKey(ctx context.Context) (SigningKey, error) {
	var k SigningKey
	var jwkJSON string
	err := r.DB.QueryRowContext(ctx,
		`SELECT kid,private_key_pem,public_jwk_json,created_at FROM signing_keys WHERE active=1 ORDER BY created_at LIMIT 1`).
		Scan(&k.Kid, &k.PrivateKeyPEM, &jwkJSON, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	if err := json.Unmarshal([]byte(jwkJSON), &k.PublicJWK); err != nil {
		return k, fmt.Errorf("decode signing key jwk: %w", err)
	}
	return k, nil
}

func (r Repo) InsertSigningKey(ctx context.Context, k SigningKey) error {
	jwkJSON, err := json.Marshal(k.PublicJWK)
	if err != nil {
		return err
	}
	if k.CreatedAt == "" {
		k.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO signing_keys(kid,private_key_pem,public_jwk_json,created_at,active) VALUES (?,?,?,?,1)`,
		k.Kid, k.PrivateKeyPEM, string(jwkJSON), k.CreatedAt)
	return err
}

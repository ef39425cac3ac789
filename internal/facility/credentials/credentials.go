// Package credentials decrypts the per-facility DHPO login and password.
// Ciphertexts are AES-GCM sealed with the facility code as additional data,
// so a blob copied to another facility row fails to open.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
)

const (
	defaultTagBits = 128
	algorithm      = "AES-GCM"
)

// Credentials are the plaintext login and password of one facility. They
// are resolved per facility task and never stored.
type Credentials struct {
	Login    string
	Password string
}

// Meta is the enc_meta JSON stored next to the ciphertexts.
type Meta struct {
	KekVersion string `json:"kek_version,omitempty"`
	Alg        string `json:"alg,omitempty"`
	IV         string `json:"iv,omitempty"`
	IVLogin    string `json:"ivLogin,omitempty"`
	IVPwd      string `json:"ivPwd,omitempty"`
	TagBits    int    `json:"tagBits,omitempty"`
}

// Provider opens facility credentials with one key. A Provider without a
// key treats the stored values as plaintext.
type Provider struct {
	aead    func(tagBytes int) (cipher.AEAD, error)
	version string
}

// NewProvider parses a base64 AES key of 16, 24 or 32 bytes. An empty key
// yields a plaintext provider.
func NewProvider(keyB64, version string) (*Provider, error) {
	if keyB64 == "" {
		return &Provider{version: version}, nil
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding credential key: %w", apperrors.ErrCredentials)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential key must be 16, 24 or 32 bytes, got %d: %w", len(key), apperrors.ErrCredentials)
	}
	return &Provider{
		version: version,
		aead: func(tagBytes int) (cipher.AEAD, error) {
			return cipher.NewGCMWithTagSize(block, tagBytes)
		},
	}, nil
}

// Encrypted reports whether the provider has a key.
func (p *Provider) Encrypted() bool {
	return p.aead != nil
}

// Decrypt opens the login and password of f.
func (p *Provider) Decrypt(f facility.Facility) (Credentials, error) {
	if len(f.LoginCT) == 0 || len(f.PwdCT) == 0 {
		return Credentials{}, fmt.Errorf("facility %s has no stored credentials: %w", f.Code, apperrors.ErrCredentials)
	}
	if !p.Encrypted() {
		return Credentials{Login: string(f.LoginCT), Password: string(f.PwdCT)}, nil
	}

	var meta Meta
	if len(f.EncMeta) > 0 {
		if err := json.Unmarshal(f.EncMeta, &meta); err != nil {
			return Credentials{}, fmt.Errorf("facility %s enc_meta: %v: %w", f.Code, err, apperrors.ErrCredentials)
		}
	}
	login, err := p.open(f.Code, f.LoginCT, firstNonEmpty(meta.IVLogin, meta.IV), meta.TagBits)
	if err != nil {
		return Credentials{}, fmt.Errorf("facility %s login: %w", f.Code, err)
	}
	pwd, err := p.open(f.Code, f.PwdCT, firstNonEmpty(meta.IVPwd, meta.IV), meta.TagBits)
	if err != nil {
		return Credentials{}, fmt.Errorf("facility %s password: %w", f.Code, err)
	}
	return Credentials{Login: string(login), Password: string(pwd)}, nil
}

func (p *Provider) open(code string, ct []byte, ivB64 string, tagBits int) ([]byte, error) {
	if ivB64 == "" {
		return nil, fmt.Errorf("missing iv in enc_meta: %w", apperrors.ErrCredentials)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, fmt.Errorf("decoding iv: %w", apperrors.ErrCredentials)
	}
	if tagBits == 0 {
		tagBits = defaultTagBits
	}
	aead, err := p.aead(tagBits / 8)
	if err != nil {
		return nil, fmt.Errorf("tag size %d: %v: %w", tagBits, err, apperrors.ErrCredentials)
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("iv length %d: %w", len(iv), apperrors.ErrCredentials)
	}
	pt, err := aead.Open(nil, iv, ct, []byte(code))
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", apperrors.ErrCredentials)
	}
	return pt, nil
}

// Sealed is what Encrypt produces for storage in facility_dhpo_config.
type Sealed struct {
	LoginCT []byte
	PwdCT   []byte
	Meta    json.RawMessage
}

// Encrypt seals login and password for the facility code, each with its own
// random iv. It is used by tooling that provisions facility rows.
func (p *Provider) Encrypt(code, login, password string) (Sealed, error) {
	if !p.Encrypted() {
		return Sealed{LoginCT: []byte(login), PwdCT: []byte(password), Meta: json.RawMessage(`{}`)}, nil
	}
	aead, err := p.aead(defaultTagBits / 8)
	if err != nil {
		return Sealed{}, err
	}
	ivLogin := make([]byte, aead.NonceSize())
	ivPwd := make([]byte, aead.NonceSize())
	if _, err := rand.Read(ivLogin); err != nil {
		return Sealed{}, fmt.Errorf("generating iv: %w", err)
	}
	if _, err := rand.Read(ivPwd); err != nil {
		return Sealed{}, fmt.Errorf("generating iv: %w", err)
	}
	meta, err := json.Marshal(Meta{
		KekVersion: p.version,
		Alg:        algorithm,
		IVLogin:    base64.StdEncoding.EncodeToString(ivLogin),
		IVPwd:      base64.StdEncoding.EncodeToString(ivPwd),
		TagBits:    defaultTagBits,
	})
	if err != nil {
		return Sealed{}, fmt.Errorf("encoding enc_meta: %w", err)
	}
	return Sealed{
		LoginCT: aead.Seal(nil, ivLogin, []byte(login), []byte(code)),
		PwdCT:   aead.Seal(nil, ivPwd, []byte(password), []byte(code)),
		Meta:    meta,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package jwks manages RSA signing keys and publishes their public halves as a JWK set.
package jwks

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrNoSigningKey = errors.New("no signing key available")

type KeyManager struct {
	mu         sync.RWMutex
	keys       map[string]*RSAKey
	currentKID string
}

type RSAKey struct {
	ID         string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	CreatedAt  time.Time
	Use        string
	Algorithm  string
}

type JWK struct {
	KeyType   string `json:"kty"`
	Use       string `json:"use"`
	KeyID     string `json:"kid"`
	Algorithm string `json:"alg"`
	N         string `json:"n"`
	E         string `json:"e"`
}

type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// NewKeyManager starts with a freshly generated key. Tokens do not survive a restart.
func NewKeyManager() (*KeyManager, error) {
	km := &KeyManager{keys: make(map[string]*RSAKey)}
	if err := km.RotateKeys(); err != nil {
		return nil, err
	}
	return km, nil
}

// LoadKeyManager reads a PEM encoded PKCS#1 or PKCS#8 RSA private key.
func LoadKeyManager(path string) (*KeyManager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, err
	}
	km := &KeyManager{keys: make(map[string]*RSAKey)}
	km.add(key, thumbprint(&key.PublicKey))
	return km, nil
}

func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("signing key is not an RSA key")
	}
	return key, nil
}

// RotateKeys generates a new current key. Older keys stay published for verification.
func (km *KeyManager) RotateKeys() error {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	km.add(privateKey, uuid.NewString())
	return nil
}

func (km *KeyManager) add(privateKey *rsa.PrivateKey, kid string) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.keys[kid] = &RSAKey{
		ID:         kid,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		CreatedAt:  time.Now(),
		Use:        "sig",
		Algorithm:  "RS256",
	}
	km.currentKID = kid
}

func (km *KeyManager) GetCurrentKey() *RSAKey {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.keys[km.currentKID]
}

func (km *KeyManager) GetKey(keyID string) *RSAKey {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.keys[keyID]
}

func (km *KeyManager) GetJWKSet() *JWKSet {
	km.mu.RLock()
	defer km.mu.RUnlock()
	set := &JWKSet{Keys: make([]JWK, 0, len(km.keys))}
	for _, key := range km.keys {
		set.Keys = append(set.Keys, JWK{
			KeyType:   "RSA",
			Use:       key.Use,
			KeyID:     key.ID,
			Algorithm: key.Algorithm,
			N:         base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:         base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		})
	}
	return set
}

func (km *KeyManager) SerializeJWKSet() ([]byte, error) {
	return json.Marshal(km.GetJWKSet())
}

// SignToken signs with the current key and stamps its kid.
func (km *KeyManager) SignToken(token *jwt.Token) (string, error) {
	current := km.GetCurrentKey()
	if current == nil {
		return "", ErrNoSigningKey
	}
	token.Header["kid"] = current.ID
	return token.SignedString(current.PrivateKey)
}

// Keyfunc resolves the verification key from the token's kid header.
func (km *KeyManager) Keyfunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	keyID, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token missing kid header")
	}
	key := km.GetKey(keyID)
	if key == nil {
		return nil, fmt.Errorf("key not found: %s", keyID)
	}
	return key.PublicKey, nil
}

func (km *KeyManager) GetPublicKeyPEM() (string, error) {
	current := km.GetCurrentKey()
	if current == nil {
		return "", ErrNoSigningKey
	}
	der, err := x509.MarshalPKIXPublicKey(current.PublicKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// thumbprint gives a loaded key a stable kid across restarts.
func thumbprint(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, der).String()
}

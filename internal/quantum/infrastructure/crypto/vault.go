package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Vault 私钥静态加密器，AES-256-GCM，nonce 前置于密文
type Vault struct {
	aead cipher.AEAD
}

// NewVault 从 hex 编码的 32 字节主密钥创建 Vault
func NewVault(masterKeyHex string) (*Vault, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master key hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Seal 加密明文
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open 解密密文
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < v.aead.NonceSize() {
		return nil, fmt.Errorf("sealed data too short")
	}
	nonce := sealed[:v.aead.NonceSize()]
	return v.aead.Open(nil, nonce, sealed[v.aead.NonceSize():], nil)
}

// subtleCompare 常数时间比较
func subtleCompare(a, b []byte) int {
	return subtle.ConstantTimeCompare(a, b)
}

// Package crypto 封装 ML-KEM-1024 密钥封装与 ML-DSA-87 签名，
// 以及私钥落库前的 AES-256-GCM 加密
package crypto

import (
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"

	"github.com/wyfcoding/quantumbridge/internal/quantum/domain"
)

// Engine 后量子密码引擎
type Engine struct {
	kemScheme  kem.Scheme
	signScheme sign.Scheme
	vault      *Vault
}

// NewEngine 创建密码引擎，vault 用于私钥静态加密
func NewEngine(vault *Vault) *Engine {
	return &Engine{
		kemScheme:  mlkem1024.Scheme(),
		signScheme: mldsa87.Scheme(),
		vault:      vault,
	}
}

// GenerateKeyPair 按算法生成密钥对，返回公钥明文与加密后的私钥
func (e *Engine) GenerateKeyPair(algorithm string) (publicKey, encryptedPrivateKey []byte, err error) {
	switch algorithm {
	case domain.AlgorithmMLKEM1024:
		return e.generateKEMKeyPair()
	case domain.AlgorithmMLDSA87:
		return e.generateSigningKeyPair()
	default:
		return nil, nil, domain.ErrUnsupportedAlgorithm
	}
}

func (e *Engine) generateKEMKeyPair() ([]byte, []byte, error) {
	pk, sk, err := e.kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("mlkem keygen failed: %w", err)
	}
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	sealed, err := e.vault.Seal(skBytes)
	if err != nil {
		return nil, nil, err
	}
	return pkBytes, sealed, nil
}

func (e *Engine) generateSigningKeyPair() ([]byte, []byte, error) {
	pk, sk, err := e.signScheme.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("mldsa keygen failed: %w", err)
	}
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	sealed, err := e.vault.Seal(skBytes)
	if err != nil {
		return nil, nil, err
	}
	return pkBytes, sealed, nil
}

// Encapsulate 用 ML-KEM-1024 公钥封装共享密钥
func (e *Engine) Encapsulate(publicKey []byte) (ciphertext, sharedSecret []byte, err error) {
	if len(publicKey) != domain.MLKEMPublicKeySize {
		return nil, nil, domain.ErrInvalidKeySize
	}
	pk, err := e.kemScheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid mlkem public key: %w", err)
	}
	ct, ss, err := e.kemScheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("mlkem encapsulate failed: %w", err)
	}
	return ct, ss, nil
}

// Decapsulate 用加密存储的私钥解封共享密钥
func (e *Engine) Decapsulate(encryptedPrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != domain.MLKEMCiphertextSize {
		return nil, domain.ErrInvalidKeySize
	}
	skBytes, err := e.vault.Open(encryptedPrivateKey)
	if err != nil {
		return nil, err
	}
	sk, err := e.kemScheme.UnmarshalBinaryPrivateKey(skBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid mlkem private key: %w", err)
	}
	ss, err := e.kemScheme.Decapsulate(sk, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("mlkem decapsulate failed: %w", err)
	}
	return ss, nil
}

// Sign 用 ML-DSA-87 私钥签名消息
func (e *Engine) Sign(encryptedPrivateKey, message []byte) ([]byte, error) {
	skBytes, err := e.vault.Open(encryptedPrivateKey)
	if err != nil {
		return nil, err
	}
	sk, err := e.signScheme.UnmarshalBinaryPrivateKey(skBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid mldsa private key: %w", err)
	}
	return e.signScheme.Sign(sk, message, nil), nil
}

// Verify 校验 ML-DSA-87 签名
func (e *Engine) Verify(publicKey, message, signature []byte) (bool, error) {
	if len(publicKey) != domain.MLDSAPublicKeySize {
		return false, domain.ErrInvalidKeySize
	}
	pk, err := e.signScheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false, fmt.Errorf("invalid mldsa public key: %w", err)
	}
	return e.signScheme.Verify(pk, message, signature, nil), nil
}

// SelfTest 对密钥对做一次封装解封自检，用于签发后的校验
func (e *Engine) SelfTest(algorithm string, publicKey, encryptedPrivateKey []byte) error {
	switch algorithm {
	case domain.AlgorithmMLKEM1024:
		ct, ss, err := e.Encapsulate(publicKey)
		if err != nil {
			return err
		}
		got, err := e.Decapsulate(encryptedPrivateKey, ct)
		if err != nil {
			return err
		}
		if len(got) != len(ss) || subtleCompare(got, ss) != 1 {
			return fmt.Errorf("shared secret mismatch")
		}
		return nil
	case domain.AlgorithmMLDSA87:
		msg := []byte("key validation message")
		sig, err := e.Sign(encryptedPrivateKey, msg)
		if err != nil {
			return err
		}
		ok, err := e.Verify(publicKey, msg, sig)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("signature verification failed")
		}
		return nil
	default:
		return domain.ErrUnsupportedAlgorithm
	}
}

package payment

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"pos-payments-go/internal/models"
)

const PkiTypeX509Sha256 = "x509+sha256"

// Signer signs payment requests with an x509 certificate chain.
type Signer struct {
	certificates [][]byte
	key          *rsa.PrivateKey
}

// LoadSigner reads the PEM chain and key named in cfg. It returns nil when
// signing is not configured.
func LoadSigner(cfg models.PaymentConfig) (*Signer, error) {
	if cfg.CertChainFile == "" || cfg.PrivateKeyFile == "" {
		return nil, nil
	}
	chainPem, err := os.ReadFile(cfg.CertChainFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read certificate chain: %w", err)
	}
	keyPem, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	return NewSigner(chainPem, keyPem)
}

// NewSigner parses a PEM certificate chain, leaf first, and a PEM RSA key.
func NewSigner(chainPem, keyPem []byte) (*Signer, error) {
	var certificates [][]byte
	for {
		var block *pem.Block
		block, chainPem = pem.Decode(chainPem)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return nil, fmt.Errorf("invalid certificate: %w", err)
		}
		certificates = append(certificates, block.Bytes)
	}
	if len(certificates) == 0 {
		return nil, errors.New("certificate chain is empty")
	}

	block, _ := pem.Decode(keyPem)
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	key, err := parseRSAKey(block)
	if err != nil {
		return nil, err
	}
	return &Signer{certificates: certificates, key: key}, nil
}

func parseRSAKey(block *pem.Block) (*rsa.PrivateKey, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, not RSA", parsed)
		}
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key type %q", block.Type)
}

// Sign fills in the pki fields and the PKCS#1 v1.5 SHA-256 signature over
// the request serialized with an empty signature.
func (s *Signer) Sign(req *PaymentRequest) error {
	req.PkiType = PkiTypeX509Sha256
	req.PkiData = (&X509Certificates{Certificates: s.certificates}).Marshal()
	req.Signature = []byte{}

	digest := sha256.Sum256(req.Marshal())
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return fmt.Errorf("unable to sign payment request: %w", err)
	}
	req.Signature = signature
	return nil
}

// VerifySignature checks a signed request against its leaf certificate.
func VerifySignature(req *PaymentRequest) error {
	if req.PkiType != PkiTypeX509Sha256 {
		return fmt.Errorf("unsupported pki type %q", req.PkiType)
	}
	certs, err := UnmarshalX509Certificates(req.PkiData)
	if err != nil {
		return err
	}
	if len(certs.Certificates) == 0 {
		return errors.New("payment request carries no certificate")
	}
	leaf, err := x509.ParseCertificate(certs.Certificates[0])
	if err != nil {
		return fmt.Errorf("invalid leaf certificate: %w", err)
	}

	unsigned := *req
	unsigned.Signature = []byte{}
	return leaf.CheckSignature(x509.SHA256WithRSA, unsigned.Marshal(), req.Signature)
}

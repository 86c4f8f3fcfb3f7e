package logic

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fedipost/dal"
	"fedipost/shared"
	"sync"
)

const (
	kvPrivKeyName = "actor_privkey_pem"
	kvPubKeyName  = "actor_pubkey_pem"
)

type IKeyStore interface {
	GetPrivKey() (*rsa.PrivateKey, error)
	GetPubKeyPem() (string, error)
}

type keyStore struct {
	cfg    *shared.Config
	logger shared.ILogger
	repo   dal.IRepo
	mu     sync.Mutex
}

func NewKeyStore(cfg *shared.Config, logger shared.ILogger, repo dal.IRepo) IKeyStore {
	return &keyStore{cfg: cfg, logger: logger, repo: repo}
}

// ensureKeys returns the stored PEM pair, generating and persisting a new
// one on first use.
func (ks *keyStore) ensureKeys() (pubKeyPem, privKeyPem string, err error) {

	ks.mu.Lock()
	defer ks.mu.Unlock()

	var foundPriv, foundPub bool
	if privKeyPem, foundPriv, err = ks.repo.GetKV(kvPrivKeyName); err != nil {
		return
	}
	if pubKeyPem, foundPub, err = ks.repo.GetKV(kvPubKeyName); err != nil {
		return
	}
	if foundPriv && foundPub {
		return
	}

	ks.logger.Printf("No actor key pair in store; generating one")
	if pubKeyPem, privKeyPem, err = ks.makeKeyPair(); err != nil {
		return
	}
	if err = ks.repo.SetKV(kvPrivKeyName, privKeyPem); err != nil {
		return
	}
	if err = ks.repo.SetKV(kvPubKeyName, pubKeyPem); err != nil {
		return
	}
	return
}

func (ks *keyStore) GetPrivKey() (*rsa.PrivateKey, error) {

	_, privKeyStr, err := ks.ensureKeys()
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode([]byte(privKeyStr))
	if block == nil {
		return nil, errors.New("stored private key is not valid PEM")
	}
	privKeyBytes := block.Bytes
	if x509.IsEncryptedPEMBlock(block) {
		privKeyBytes, err = x509.DecryptPEMBlock(block, []byte(ks.cfg.Secrets.PrivKeyPass))
		if err != nil {
			return nil, err
		}
	}
	privKey, err := x509.ParsePKCS1PrivateKey(privKeyBytes)
	if err != nil {
		return nil, err
	}
	return privKey, nil
}

func (ks *keyStore) GetPubKeyPem() (string, error) {
	pubKeyPem, _, err := ks.ensureKeys()
	if err != nil {
		return "", err
	}
	return pubKeyPem, nil
}

func (ks *keyStore) makeKeyPair() (pubKey, privKey string, err error) {

	pubKey = ""
	privKey = ""
	err = nil

	// Generate RSA key
	var key *rsa.PrivateKey
	key, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return
	}
	// Extract public component.
	pub := key.Public()

	// Encode private key to PKCS#1, with password
	keyRaw := x509.MarshalPKCS1PrivateKey(key)
	encBlock, err := x509.EncryptPEMBlock(
		rand.Reader, "RSA PRIVATE KEY", keyRaw,
		[]byte(ks.cfg.Secrets.PrivKeyPass), x509.PEMCipherAES256)
	if err != nil {
		return
	}
	keyPEM := pem.EncodeToMemory(encBlock)

	// Public key goes out in the actor document; PKIX is what other servers
	// expect to parse.
	var pubRaw []byte
	if pubRaw, err = x509.MarshalPKIXPublicKey(pub.(*rsa.PublicKey)); err != nil {
		return
	}
	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubRaw,
		},
	)

	pubKey = string(pubPEM)
	privKey = string(keyPEM)

	return
}

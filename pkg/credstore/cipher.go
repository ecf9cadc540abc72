package credstore

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/zenazn/pkcs7pad"
)

type Cipher interface {
	Seal([]byte) []byte
	Open([]byte) ([]byte, error)
}

type AesCbc struct {
	cfg AesCbcConfig

	cipher cipher.Block
}

type AesCbcConfig struct {
	Key []byte
	IV  []byte
}

func NewAesCbc(cfg AesCbcConfig) (*AesCbc, error) {
	block, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, err
	}

	return &AesCbc{
		cfg:    cfg,
		cipher: block,
	}, nil
}

func (c *AesCbc) Seal(payload []byte) []byte {
	payload = pkcs7pad.Pad(payload, c.cipher.BlockSize())

	encrypter := cipher.NewCBCEncrypter(c.cipher, c.cfg.IV)
	sealed := make([]byte, len(payload))

	encrypter.CryptBlocks(sealed, payload)

	return sealed
}

func (c *AesCbc) Open(payload []byte) ([]byte, error) {
	decrypter := cipher.NewCBCDecrypter(c.cipher, c.cfg.IV)
	opened := make([]byte, len(payload))

	decrypter.CryptBlocks(opened, payload)

	return pkcs7pad.Unpad(opened)
}

// FileStore keeps the TURN relay credentials encrypted on disk so they never
// sit in shell history or plain config files. Save encrypts the username and
// credential with Cipher and writes the result to CredentialFile (see:
// Save()); Load decrypts the file back into the pair (see: Load()).
//
// The plaintext layout is "${len(user)}${user}${len(cred)}${cred}" (see:
// writeField() and readField()).

package credstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

type FileStore struct {
	cfg FileStoreConfig

	cipher Cipher
}

type FileStoreConfig struct {
	CredentialFile string
}

func NewFileStore(cfg FileStoreConfig, cipher Cipher) *FileStore {
	return &FileStore{
		cfg:    cfg,
		cipher: cipher,
	}
}

func (s *FileStore) Save(username, credential string) error {
	buf := &bytes.Buffer{}

	if err := s.writeField(buf, username); err != nil {
		return err
	}

	if err := s.writeField(buf, credential); err != nil {
		return err
	}

	sealed := s.cipher.Seal(buf.Bytes())

	return os.WriteFile(s.cfg.CredentialFile, sealed, 0o600)
}

func (s *FileStore) Load() (username, credential string, err error) {
	payload, err := os.ReadFile(s.cfg.CredentialFile)
	if err != nil {
		return "", "", err
	}

	opened, err := s.cipher.Open(payload)
	if err != nil {
		return "", "", err
	}

	buf := bytes.NewBuffer(opened)

	username, err = s.readField(buf)
	if err != nil {
		return "", "", err
	}

	credential, err = s.readField(buf)
	if err != nil {
		return "", "", err
	}

	return username, credential, nil
}

func (s *FileStore) writeField(w io.Writer, field string) error {
	b := []byte(field)
	length := uint8(len(b))

	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return err
	}

	return binary.Write(w, binary.BigEndian, b)
}

func (s *FileStore) readField(r io.Reader) (string, error) {
	var length uint8

	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}

	b := make([]byte, length)

	if err := binary.Read(r, binary.BigEndian, b); err != nil {
		return "", err
	}

	return string(b), nil
}

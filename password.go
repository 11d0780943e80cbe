package inbox

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const saltLength = 16

// newKey derives the 32 byte database key for password. The salt is created on first use and
// kept next to the database.
func newKey(password, root, saltName string) ([]byte, error) {
	salt, err := loadSalt(filepath.Join(root, saltName))
	if errors.Is(err, os.ErrNotExist) {
		salt, err = createSalt(filepath.Join(root, saltName))
	}
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func loadSalt(saltPath string) ([]byte, error) {
	f, err := os.Open(saltPath) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer f.Close()

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(f, salt); err != nil {
		return nil, fmt.Errorf("inbox: error reading salt: %w", err)
	}
	return salt, nil
}

func createSalt(saltPath string) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(salt); err != nil {
		if err := f.Close(); err != nil {
			fmt.Printf("error while closing %#v", err)
		}
		return nil, err
	}
	return salt, f.Close()
}

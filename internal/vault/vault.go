// Package vault keeps each session's VNC password sealed at rest. Passwords
// are encrypted with age to one or more X25519 recipients; the provisioner
// holds only public keys, so a compromised service cannot read back the
// passwords it generated. Decryption needs an operator-held identity file.
package vault

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// PasswordLength matches the 8 significant characters of the VNC
// authentication scheme; vncpasswd silently truncates anything longer.
const PasswordLength = 8

const passwordAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Vault stores sealed passwords as <dir>/<session>.age.
type Vault struct {
	dir        string
	recipients []age.Recipient
	logger     *log.Logger
}

// Config holds configuration for creating a Vault.
type Config struct {
	Dir        string
	Recipients []string // age1... public keys
	Logger     *log.Logger
}

// New creates a vault, ensuring its directory exists with owner-only access.
func New(cfg Config) (*Vault, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[vault] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("vault directory is required")
	}
	if len(cfg.Recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(cfg.Recipients))
	for _, key := range cfg.Recipients {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", key, err)
		}
		recipients = append(recipients, r)
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}

	return &Vault{dir: cfg.Dir, recipients: recipients, logger: cfg.Logger}, nil
}

// GeneratePassword returns a random password of PasswordLength characters
// drawn from an alphabet without look-alike glyphs.
func GeneratePassword() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(passwordAlphabet)))
	for i := 0; i < PasswordLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		b.WriteByte(passwordAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// Store seals password for session, replacing any previous entry.
func (v *Vault) Store(session, password string) error {
	if err := validateName(session); err != nil {
		return err
	}

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, v.recipients...)
	if err != nil {
		return fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := io.WriteString(w, password); err != nil {
		return fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize encryption: %w", err)
	}

	// Write atomically (write to temp file, then rename)
	path := v.path(session)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, sealed.Bytes(), 0600); err != nil {
		return fmt.Errorf("write sealed password: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename sealed password: %w", err)
	}

	v.logger.Printf("sealed password for %s", session)
	return nil
}

// Reveal decrypts session's password with identities.
func (v *Vault) Reveal(session string, identities ...age.Identity) (string, error) {
	if err := validateName(session); err != nil {
		return "", err
	}
	f, err := os.Open(v.path(session))
	if err != nil {
		return "", fmt.Errorf("open sealed password: %w", err)
	}
	defer f.Close()

	r, err := age.Decrypt(f, identities...)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read plaintext: %w", err)
	}
	return string(plain), nil
}

// Remove deletes session's entry. Removing a missing entry is not an error.
func (v *Vault) Remove(session string) error {
	if err := validateName(session); err != nil {
		return err
	}
	if err := os.Remove(v.path(session)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove sealed password: %w", err)
	}
	return nil
}

// Has reports whether session has a sealed password.
func (v *Vault) Has(session string) bool {
	_, err := os.Stat(v.path(session))
	return err == nil
}

// LoadIdentities reads age identities from an identity file.
func LoadIdentities(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return ids, nil
}

func (v *Vault) path(session string) string {
	return filepath.Join(v.dir, session+".age")
}

// validateName ensures a session name is safe to use as a file name.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}
	if strings.ContainsAny(name, "/\x00") || strings.Contains(name, "..") {
		return fmt.Errorf("session name %q is not a valid file name", name)
	}
	return nil
}

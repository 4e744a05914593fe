package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"

	clientcrypto "github.com/and161185/group-keeper/internal/crypto/clientcrypto"
)

var errNoIdentity = errors.New("no identity (run gk init)")

// saveIdentity writes the locked identity key. An existing file is never replaced.
func saveIdentity(path string, kr *clientcrypto.Keyring, passphrase string) error {
	if passphrase == "" {
		return errors.New("GK_PASSPHRASE is required")
	}
	locked, err := kr.Lock([]byte(passphrase))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("identity already exists at %s", path)
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(locked); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func loadIdentity(path, passphrase string) (*clientcrypto.Keyring, error) {
	locked, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errNoIdentity
	}
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		return nil, errors.New("GK_PASSPHRASE is required")
	}
	return clientcrypto.Unlock([]byte(passphrase), locked)
}

// tokenSubject reads the subject and expiry of a relay token without verifying it.
// The relay does the verification; the client only reports what it holds.
func tokenSubject(tok string) (string, time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return "", time.Time{}, err
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return claims.Subject, exp, nil
}

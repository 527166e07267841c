package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// VerifyPassword verifies a password against a hash
func VerifyPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// DeriveDeviceKey derives a per-device symmetric key from a base64 encoded group
// enrollment key: base64(HMAC-SHA256(groupKey, UTF-8 deviceID)).
func DeriveDeviceKey(groupKey, deviceID string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(groupKey)
	if err != nil {
		return "", fmt.Errorf("decode group enrollment key: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(deviceID))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SignHMAC signs message with a base64 encoded key and returns the base64 encoded
// HMAC-SHA256 signature
func SignHMAC(key, message string) (string, error) {
	k, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("decode signing key: %w", err)
	}

	mac := hmac.New(sha256.New, k)
	mac.Write([]byte(message))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

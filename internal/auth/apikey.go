/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/friendsincode/hestia/internal/models"
)

// API key constants
const (
	APIKeyPrefix      = "he_"
	APIKeyRandomBytes = 24 // 192 bits entropy
)

// ErrAPIKeyNotFound is returned when an API key doesn't exist.
var ErrAPIKeyNotFound = errors.New("api key not found")

// ErrAPIKeyInvalid is returned when an API key is expired or revoked.
var ErrAPIKeyInvalid = errors.New("api key expired or revoked")

// GenerateAPIKey creates a new API key. Returns the plaintext key (shown
// to the caller exactly once) and the model to store.
func GenerateAPIKey(name, createdBy string, roles []string, expiresIn time.Duration) (string, *models.APIKey, error) {
	randomBytes := make([]byte, APIKeyRandomBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", nil, err
	}

	randomHex := hex.EncodeToString(randomBytes)
	plaintextKey := APIKeyPrefix + randomHex

	hash := sha256.Sum256([]byte(plaintextKey))
	keyHash := hex.EncodeToString(hash[:])

	// "he_" + first 8 hex chars, for display
	keyPrefix := plaintextKey[:11]

	apiKey := &models.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		Roles:     strings.Join(roles, ","),
		CreatedBy: createdBy,
	}
	if expiresIn > 0 {
		expires := time.Now().Add(expiresIn)
		apiKey.ExpiresAt = &expires
	}

	return plaintextKey, apiKey, nil
}

// ValidateAPIKey validates an API key and returns claims if valid. Also
// updates the LastUsedAt timestamp.
func ValidateAPIKey(db *gorm.DB, plaintextKey string) (*Claims, error) {
	hash := sha256.Sum256([]byte(plaintextKey))
	keyHash := hex.EncodeToString(hash[:])

	var apiKey models.APIKey
	result := db.Where("key_hash = ?", keyHash).First(&apiKey)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrAPIKeyNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}

	if !apiKey.Valid(time.Now()) {
		return nil, ErrAPIKeyInvalid
	}

	// Update last used timestamp (fire and forget)
	now := time.Now()
	go db.Model(&apiKey).Update("last_used_at", now)

	var roles []string
	if apiKey.Roles != "" {
		roles = strings.Split(apiKey.Roles, ",")
	}

	return &Claims{
		Subject: "apikey:" + apiKey.ID,
		Roles:   roles,
	}, nil
}

// RevokeAPIKey revokes an API key.
func RevokeAPIKey(db *gorm.DB, keyID string) error {
	now := time.Now()
	result := db.Model(&models.APIKey{}).
		Where("id = ? AND revoked_at IS NULL", keyID).
		Update("revoked_at", now)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAPIKeyNotFound
	}

	return nil
}

// ListAPIKeys returns all API keys (without the hash exposed to callers).
func ListAPIKeys(db *gorm.DB) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := db.Order("created_at DESC").Find(&keys).Error
	return keys, err
}

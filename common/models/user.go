package models

import (
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
)

// UserRole represents the role of a platform user
type UserRole string

const (
	RoleUser  UserRole = "USER"
	RoleAdmin UserRole = "ADMIN"
)

// MaxUserContextBytes caps the serialized size of User.Context
const MaxUserContextBytes = 64 * 1024

// User represents a platform account.
// Maps to: users table. Email is unique case-insensitive.
type User struct {
	ID          uuid.UUID              `db:"id" json:"id"`
	Email       string                 `db:"email" json:"email"`
	Role        UserRole               `db:"role" json:"role"`
	DisplayName *string                `db:"display_name" json:"display_name,omitempty"`
	AvatarURL   *string                `db:"avatar_url" json:"avatar_url,omitempty"`
	Prefs       map[string]interface{} `db:"prefs" json:"prefs"`

	// Encrypted at rest with the configured secrets key
	GmailRefreshToken []byte `db:"gmail_refresh_token" json:"-"`

	Context   map[string]interface{} `db:"context" json:"context"`
	CreatedAt time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt time.Time              `db:"updated_at" json:"updated_at"`
}

// IsAdmin reports whether the user has the ADMIN role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// MergeContext deep-merges patch into the user's context following RFC 7386
// merge-patch semantics: nested mappings merge recursively, sequences are
// replaced wholesale, scalars overwrite, null removes a key. The merged form
// is rejected if its serialized size exceeds MaxUserContextBytes.
func (u *User) MergeContext(patch map[string]interface{}) error {
	current := u.Context
	if current == nil {
		current = map[string]interface{}{}
	}

	currentJSON, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshal current context: %w", err)
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal context patch: %w", err)
	}

	mergedJSON, err := jsonpatch.MergePatch(currentJSON, patchJSON)
	if err != nil {
		return fmt.Errorf("merge context: %w", err)
	}

	if len(mergedJSON) > MaxUserContextBytes {
		return fmt.Errorf("context exceeds %d bytes after merge", MaxUserContextBytes)
	}

	var merged map[string]interface{}
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return fmt.Errorf("unmarshal merged context: %w", err)
	}

	u.Context = merged
	return nil
}

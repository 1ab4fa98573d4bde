package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/adi-253/echowire/internal/models"
)

// keyResponse tolerates the spellings different backend versions use for a
// base64 public key.
type keyResponse struct {
	GroupPublicKey  string `json:"groupPublicKey"`
	PublicKey       string `json:"publicKey"`
	PublicKeySnake  string `json:"public_key"`
	PublicKeyBase64 string `json:"publicKeyBase64"`
}

func (r keyResponse) key() string {
	for _, k := range []string{r.GroupPublicKey, r.PublicKey, r.PublicKeySnake, r.PublicKeyBase64} {
		if k != "" {
			return k
		}
	}
	return ""
}

// UploadGroupPublicKey publishes a group's ephemeral public key.
func (c *Client) UploadGroupPublicKey(ctx context.Context, groupID int64, publicKey string) error {
	body := models.GroupPublicKey{GroupID: groupID, GroupPublicKey: publicKey}
	return c.doRequest(ctx, http.MethodPost, "/api/keys/group-public", body, nil)
}

// GetGroupPublicKey retrieves a group's published public key.
func (c *Client) GetGroupPublicKey(ctx context.Context, groupID int64) (string, error) {
	var resp keyResponse
	if err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/keys/group-public/%d", groupID), nil, &resp); err != nil {
		return "", err
	}
	if resp.key() == "" {
		return "", fmt.Errorf("group %d has no public key", groupID)
	}
	return resp.key(), nil
}

// GetUserPublicKey retrieves a user's long-term public key.
func (c *Client) GetUserPublicKey(ctx context.Context, userID int64) (string, error) {
	var resp keyResponse
	if err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/keys/user/%d", userID), nil, &resp); err != nil {
		return "", err
	}
	if resp.key() == "" {
		return "", fmt.Errorf("user %d has no public key", userID)
	}
	return resp.key(), nil
}

// RegisterUserKey stores the caller's long-term key record.
func (c *Client) RegisterUserKey(ctx context.Context, key models.UserKey) error {
	return c.doRequest(ctx, http.MethodPost, "/api/keys/user", key, nil)
}

// UploadGroupMemberKey stores the group key wrapped for one member.
func (c *Client) UploadGroupMemberKey(ctx context.Context, key models.GroupMemberKey) error {
	return c.doRequest(ctx, http.MethodPost, "/api/keys/group-member", key, nil)
}

// GetGroupMemberKey retrieves the wrapped group key for one member.
func (c *Client) GetGroupMemberKey(ctx context.Context, groupID, userID int64) (*models.GroupMemberKey, error) {
	var key models.GroupMemberKey
	if err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/keys/group-member/%d/%d", groupID, userID), nil, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

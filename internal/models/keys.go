package models

// UserKey is a user's long-term key record in key storage.
// Only PublicKey is read by the group-key protocol; the encrypted private key
// fields are opaque to this client.
type UserKey struct {
	UserID              int64  `json:"userId"`
	PublicKey           string `json:"publicKey"`
	EncryptedPrivateKey string `json:"encryptedPrivateKey,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	Salt                string `json:"salt,omitempty"`
}

// GroupPublicKey publishes a group's ephemeral public key (base64).
type GroupPublicKey struct {
	GroupID        int64  `json:"groupId"`
	GroupPublicKey string `json:"groupPublicKey"`
}

// GroupMemberKey is the group key wrapped for one member.
// Both fields are base64; the raw group key never appears here.
type GroupMemberKey struct {
	GroupID                  int64  `json:"groupId"`
	UserID                   int64  `json:"userId"`
	EncryptedGroupPrivateKey string `json:"encryptedGroupPrivateKey"`
	Nonce                    string `json:"nonce"`
}

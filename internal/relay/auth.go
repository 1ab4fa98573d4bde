package relay

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/adi-253/echowire/internal/models"
)

// Tokens maps accepted bearer tokens to the users they identify.
type Tokens map[string]models.UserProfile

// ParseTokens reads "token:userId[:name]" entries. The username defaults to
// the lowercased name, or "user<id>" when no name is given.
func ParseTokens(entries []string) (Tokens, error) {
	tokens := make(Tokens, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid token entry %q", entry)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid user id in token entry %q", entry)
		}

		profile := models.UserProfile{
			UserID:   id,
			Name:     fmt.Sprintf("User %d", id),
			Username: fmt.Sprintf("user%d", id),
		}
		if len(parts) == 3 && parts[2] != "" {
			profile.Name = parts[2]
			profile.Username = strings.ToLower(strings.ReplaceAll(parts[2], " ", ""))
		}
		tokens[parts[0]] = profile
	}
	return tokens, nil
}

// Lookup resolves a token, accepting an optional "Bearer " prefix.
func (t Tokens) Lookup(token string) (models.UserProfile, bool) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return models.UserProfile{}, false
	}
	p, ok := t[token]
	return p, ok
}

// Profiles returns every configured user.
func (t Tokens) Profiles() []models.UserProfile {
	out := make([]models.UserProfile, 0, len(t))
	for _, p := range t {
		out = append(out, p)
	}
	return out
}

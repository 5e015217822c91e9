// Package token encodes and decodes pairing tokens: the string payload a
// host renders as a QR code and a joiner scans to connect.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/pairlink/internal/models"
)

// ErrInvalidToken is returned when a token cannot be parsed or is missing
// required fields. Callers should offer a retry path.
var ErrInvalidToken = errors.New("invalid pairing token")

// DefaultServerURL is embedded in tokens when the host has no explicit
// channel address configured.
const DefaultServerURL = "redis://localhost:6379"

// Encode mints a fresh pairing token for the given local display name.
// The token embeds a new session id, the creator's name, the channel
// address and the issue time, and round-trips exactly through Decode.
func Encode(userName, serverURL string) (string, *models.Descriptor, error) {
	userName = strings.TrimSpace(userName)
	if userName == "" {
		return "", nil, ErrInvalidToken
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}

	desc := &models.Descriptor{
		SessionID: uuid.New().String(),
		UserName:  userName,
		ServerURL: serverURL,
		IssuedAt:  time.Now().UnixMilli(),
	}

	data, err := json.Marshal(desc)
	if err != nil {
		return "", nil, err
	}

	return base64.RawURLEncoding.EncodeToString(data), desc, nil
}

// Decode parses a pairing token. Malformed input yields ErrInvalidToken;
// a structurally valid but old token still decodes, and staleness is left
// to the caller via Descriptor.Stale.
func Decode(tok string) (*models.Descriptor, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return nil, ErrInvalidToken
	}

	data, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var desc models.Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, ErrInvalidToken
	}

	if desc.SessionID == "" || desc.UserName == "" || desc.IssuedAt <= 0 {
		return nil, ErrInvalidToken
	}
	if desc.ServerURL == "" {
		desc.ServerURL = DefaultServerURL
	}

	return &desc, nil
}

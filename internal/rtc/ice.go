package rtc

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ICEServer is one entry of the ICE configuration handed to peers.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// turnCredentialTTL bounds how long a TURN username/password pair stays
// valid. The relay derives the same password from the shared secret, so
// nothing is stored on either side.
const turnCredentialTTL = 12 * time.Hour

// ICEConfig mints the ICE-server list for a user: plain STUN entries plus a
// TURN entry with REST-style ephemeral credentials. The TURN username is
// `expiry:user_id` and the password is base64(HMAC-SHA1(secret, username)).
type ICEConfig struct {
	turnURL    string
	turnSecret string
	stunURLs   []string
}

// NewICEConfig creates an ICE configuration minter. Empty turnURL disables
// the TURN entry; the STUN list may be empty.
func NewICEConfig(turnURL, turnSecret string, stunURLs []string) *ICEConfig {
	return &ICEConfig{turnURL: turnURL, turnSecret: turnSecret, stunURLs: stunURLs}
}

// Servers returns the ICE-server list for the user.
func (c *ICEConfig) Servers(userID uuid.UUID) []ICEServer {
	var servers []ICEServer
	if len(c.stunURLs) > 0 {
		servers = append(servers, ICEServer{URLs: c.stunURLs})
	}
	if c.turnURL == "" || c.turnSecret == "" {
		return servers
	}

	expiry := time.Now().Add(turnCredentialTTL).Unix()
	username := fmt.Sprintf("%s:%s", strconv.FormatInt(expiry, 10), userID)

	mac := hmac.New(sha1.New, []byte(c.turnSecret))
	mac.Write([]byte(username))
	credential := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	servers = append(servers, ICEServer{
		URLs:       []string{c.turnURL},
		Username:   username,
		Credential: credential,
	})
	return servers
}

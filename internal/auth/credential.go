package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

// UnlimitedTeamID marks organizer credentials whose usage is never counted.
const UnlimitedTeamID = -1

var ErrMalformedCredential = errors.New("malformed credential")

// Credential identifies a team by id together with its access token.
// Two credentials refer to the same record iff their tokens are equal.
type Credential struct {
	TeamID int
	Token  string
}

// ParseCredential parses the wire form "team_id:token". The team id must
// be an integer and the line must contain exactly one colon.
func ParseCredential(line string) (Credential, error) {
	idPart, token, ok := strings.Cut(line, ":")
	if !ok || strings.Contains(token, ":") {
		return Credential{}, ErrMalformedCredential
	}
	id, err := strconv.Atoi(idPart)
	if err != nil {
		return Credential{}, ErrMalformedCredential
	}
	return Credential{TeamID: id, Token: token}, nil
}

// DeriveToken computes the token for a team id: the hex digest of
// HMAC-SHA1 over the decimal team id, keyed with the shared secret.
func DeriveToken(secret []byte, teamID int) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(strconv.Itoa(teamID)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c Credential) String() string {
	return strconv.Itoa(c.TeamID) + ":" + c.Token
}

package hilink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/opnmodem/hilinkd/pkg"
)

var csrfMetaRe = regexp.MustCompile(`<meta\s+name="csrf_token"\s+content="([^"]+)"`)

type tokenResponse struct {
	XMLName xml.Name `xml:"response"`
	Token   string   `xml:"token"`
}

type basicInfoResponse struct {
	XMLName      xml.Name `xml:"response"`
	DeviceName   string   `xml:"devicename"`
	Classify     string   `xml:"classify"`
	WebUIVersion string   `xml:"WebUIVersion"`
}

type hilinkLoginResponse struct {
	XMLName     xml.Name `xml:"response"`
	HilinkLogin string   `xml:"hilink_login"`
}

type stateLoginResponse struct {
	XMLName      xml.Name `xml:"response"`
	State        string   `xml:"State"`
	PasswordType string   `xml:"password_type"`
}

type challengeResponse struct {
	XMLName     xml.Name `xml:"response"`
	Salt        string   `xml:"salt"`
	ServerNonce string   `xml:"servernonce"`
	Iterations  int      `xml:"iterations"`
}

// initSession obtains the first verification token and identifies the WebUI
// variant. The probe runs once per session; the variant tag is cached until
// the session is recreated.
func (c *Client) initSession(ctx context.Context) error {
	// Prime the session cookie
	if _, err := c.request(ctx, http.MethodGet, epRoot, ""); err != nil && pkg.IsKind(err, pkg.KindNetwork) {
		return err
	}

	// WebUI 10/21 expose a token endpoint
	raw, err := c.request(ctx, http.MethodGet, epToken, "")
	if err == nil {
		var tr tokenResponse
		if xmlErr := xml.Unmarshal(raw, &tr); xmlErr == nil && tr.Token != "" {
			token := tr.Token
			if len(token) > 32 {
				token = token[len(token)-32:]
			}
			c.session.Token = token
			c.session.WebUIVersion = WebUI10
			c.refineWebUIVersion(ctx)
			return nil
		}
	} else if pkg.IsKind(err, pkg.KindNetwork) {
		return err
	}

	// WebUI 17 embeds a csrf token in the home page
	page, err := c.request(ctx, http.MethodGet, epHomePage, "")
	if err == nil {
		if m := csrfMetaRe.FindSubmatch(page); m != nil {
			c.session.Token = string(m[1])
			c.session.WebUIVersion = WebUI17
			return nil
		}
	} else if pkg.IsKind(err, pkg.KindNetwork) {
		return err
	}

	return pkg.ProtocolError("probe webui", errors.New("no request token obtainable, unsupported firmware"))
}

// refineWebUIVersion distinguishes WebUI 21 from 10; both share the token
// endpoint but 21 uses the hashed login flow
func (c *Client) refineWebUIVersion(ctx context.Context) {
	raw, err := c.request(ctx, http.MethodGet, epBasicInfo, "")
	if err != nil {
		return
	}
	var info basicInfoResponse
	if err := xml.Unmarshal(raw, &info); err != nil {
		return
	}
	if strings.HasPrefix(info.WebUIVersion, "21.") {
		c.session.WebUIVersion = WebUI21
	}
}

// checkLoginRequired probes whether privileged calls need a login. Wingle
// and mobile-wifi devices always require one.
func (c *Client) checkLoginRequired(ctx context.Context) error {
	raw, err := c.request(ctx, http.MethodGet, epHilinkLogin, "")
	if err != nil {
		return err
	}
	var hl hilinkLoginResponse
	if err := xml.Unmarshal(raw, &hl); err != nil {
		return pkg.ProtocolError(epHilinkLogin, err)
	}
	c.session.LoginRequired = hl.HilinkLogin == "1"

	raw, err = c.request(ctx, http.MethodGet, epBasicInfo, "")
	if err != nil {
		return err
	}
	var info basicInfoResponse
	if err := xml.Unmarshal(raw, &info); err != nil {
		return pkg.ProtocolError(epBasicInfo, err)
	}
	switch strings.ToUpper(info.Classify) {
	case "WINGLE", "MOBILE-WIFI":
		c.session.LoginRequired = true
	}
	return nil
}

// login dispatches to the variant-specific authentication flow
func (c *Client) login(ctx context.Context) error {
	if c.cfg.Password == "" {
		return pkg.AuthError("login", errors.New("device requires login but no password is configured"))
	}

	raw, err := c.request(ctx, http.MethodGet, epStateLogin, "")
	if err != nil {
		return err
	}
	var state stateLoginResponse
	if err := xml.Unmarshal(raw, &state); err != nil {
		return pkg.ProtocolError(epStateLogin, err)
	}
	if state.State == "0" {
		c.session.LoggedIn = true
		return nil
	}
	passwordType := state.PasswordType
	if passwordType == "" {
		passwordType = "4"
	}

	switch c.session.WebUIVersion {
	case WebUI17, WebUI21:
		err = c.loginHashed(ctx, passwordType)
	default:
		err = c.loginChallenge(ctx)
	}
	if err != nil {
		return err
	}
	c.session.LoggedIn = true
	return nil
}

// loginHashed is the WebUI 17/21 flow: SHA-256 password digest folded with
// the username and the request verification token
func (c *Client) loginHashed(ctx context.Context, passwordType string) error {
	passHash := sha256.Sum256([]byte(c.cfg.Password))
	passB64 := base64.StdEncoding.EncodeToString(passHash[:])

	authStr := c.cfg.Username + passB64 + c.session.Token
	authHash := sha256.Sum256([]byte(authStr))
	authB64 := base64.StdEncoding.EncodeToString(authHash[:])

	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><request><Username>%s</Username><Password>%s</Password><password_type>%s</password_type></request>`,
		c.cfg.Username, authB64, passwordType)

	raw, err := c.request(ctx, http.MethodPost, epLogin, body)
	if err != nil {
		return err
	}
	if !bytes.Contains(raw, []byte("OK")) {
		return pkg.AuthError(epLogin, errors.New("login rejected"))
	}
	return nil
}

// loginChallenge is the WebUI 10 SCRAM-style flow: a client nonce is
// exchanged for a salted challenge and answered with a PBKDF2-derived proof
func (c *Client) loginChallenge(ctx context.Context) error {
	// Refresh the token for the challenge round
	raw, err := c.request(ctx, http.MethodGet, epToken, "")
	if err != nil {
		return err
	}
	var tr tokenResponse
	if xmlErr := xml.Unmarshal(raw, &tr); xmlErr == nil && tr.Token != "" {
		token := tr.Token
		if len(token) > 32 {
			token = token[len(token)-32:]
		}
		c.session.Token = token
	}

	clientNonce, err := randomNonce()
	if err != nil {
		return pkg.AuthError(epChallenge, err)
	}

	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><request><username>%s</username><firstnonce>%s</firstnonce><mode>1</mode></request>`,
		c.cfg.Username, clientNonce)
	raw, err = c.request(ctx, http.MethodPost, epChallenge, body)
	if err != nil {
		return err
	}
	var ch challengeResponse
	if err := xml.Unmarshal(raw, &ch); err != nil {
		return pkg.ProtocolError(epChallenge, err)
	}
	if ch.Salt == "" || ch.ServerNonce == "" || ch.Iterations <= 0 {
		return pkg.ProtocolError(epChallenge, errors.New("incomplete challenge"))
	}

	salt, err := hex.DecodeString(ch.Salt)
	if err != nil {
		return pkg.ProtocolError(epChallenge, fmt.Errorf("bad salt: %w", err))
	}

	proof := challengeProof(c.cfg.Password, clientNonce, ch.ServerNonce, salt, ch.Iterations)

	body = fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><request><clientproof>%s</clientproof><finalnonce>%s</finalnonce></request>`,
		hex.EncodeToString(proof), ch.ServerNonce)
	_, err = c.request(ctx, http.MethodPost, epAuthenticate, body)
	return err
}

// challengeProof derives the client proof for the challenge login
func challengeProof(password, clientNonce, serverNonce string, salt []byte, iterations int) []byte {
	authMsg := clientNonce + "," + serverNonce + "," + serverNonce

	saltedPass := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)

	mac := hmac.New(sha256.New, []byte("Client Key"))
	mac.Write(saltedPass)
	clientKey := mac.Sum(nil)

	storedKey := sha256.Sum256(clientKey)

	mac = hmac.New(sha256.New, []byte(authMsg))
	mac.Write(storedKey[:])
	signature := mac.Sum(nil)

	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ signature[i]
	}
	return proof
}

// randomNonce returns a 64 character hex nonce
func randomNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

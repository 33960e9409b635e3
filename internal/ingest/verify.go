package ingest

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/radiusdt/attribution-api/internal/config"
	"github.com/radiusdt/attribution-api/internal/models"
)

// Header and query names carrying platform credentials.
const (
	HotmartTokenHeader = "X-Hotmart-Hottok"
	KiwifySignatureKey = "signature"
	KirvanoTokenHeader = "Security-Token"
	CustomTokenHeader  = "X-Webhook-Token"
)

// Verifier checks that a delivery comes from the platform it claims.
// A platform without a configured secret is accepted unverified.
type Verifier struct {
	secrets config.WebhookConfig
}

func NewVerifier(secrets config.WebhookConfig) *Verifier {
	return &Verifier{secrets: secrets}
}

// Verify returns models.ErrUnauthorized when the credentials do not match.
func (v *Verifier) Verify(source models.WebhookSource, header http.Header, query url.Values, body []byte) error {
	switch source {
	case models.SourceHotmart:
		return checkToken(v.secrets.HotmartHottok, header.Get(HotmartTokenHeader))
	case models.SourceKiwify:
		if v.secrets.KiwifyToken == "" {
			return nil
		}
		return checkToken(KiwifySignature(v.secrets.KiwifyToken, body), strings.ToLower(query.Get(KiwifySignatureKey)))
	case models.SourceKirvano:
		return checkToken(v.secrets.KirvanoToken, header.Get(KirvanoTokenHeader))
	case models.SourceCustom:
		return checkToken(v.secrets.CustomToken, header.Get(CustomTokenHeader))
	}
	return fmt.Errorf("unknown source %q: %w", source, models.ErrNotFound)
}

// KiwifySignature is the hex HMAC-SHA1 of body keyed by the account token.
func KiwifySignature(token string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func checkToken(expected, got string) error {
	if expected == "" {
		return nil
	}
	if got == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return fmt.Errorf("invalid webhook credentials: %w", models.ErrUnauthorized)
	}
	return nil
}

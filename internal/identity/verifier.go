// Package identity verifies Telegram WebApp init data, the only way a caller
// identity enters the system.
//
// The assertion is a URL-encoded set of key/value pairs. Every pair except
// "hash" is formatted as key=value, sorted and joined with '\n'; "hash" must
// be the hex HMAC-SHA256 of that string keyed by HMAC-SHA256("WebAppData",
// botToken).
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidAssertion is returned for every verification failure. Callers
// surface it as "unauthorized"; it is never retried.
var ErrInvalidAssertion = errors.New("identity: invalid init data")

// Identity is the verified caller.
type Identity struct {
	TelegramID string
	Username   *string
}

type userPayload struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Verifier checks init data signed with one bot token.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithMaxAge rejects assertions whose auth_date is older than maxAge.
// Zero disables the check.
func WithMaxAge(maxAge time.Duration) Option {
	return func(v *Verifier) {
		v.maxAge = maxAge
	}
}

// WithClock overrides the time source used for the auth_date check.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier derives the signing secret from botToken.
func NewVerifier(botToken string, opts ...Option) *Verifier {
	v := &Verifier{
		secret: deriveSecret(botToken),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates initData and returns the embedded user.
func (v *Verifier) Verify(initData string) (*Identity, error) {
	if initData == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAssertion)
	}

	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed query", ErrInvalidAssertion)
	}

	hash := values.Get("hash")
	if hash == "" {
		return nil, fmt.Errorf("%w: missing hash", ErrInvalidAssertion)
	}

	received, err := hex.DecodeString(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: hash is not hex", ErrInvalidAssertion)
	}

	expected := sign(v.secret, DataCheckString(values))
	if len(expected) != len(received) {
		return nil, fmt.Errorf("%w: signature size", ErrInvalidAssertion)
	}
	if !hmac.Equal(expected, received) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidAssertion)
	}

	if v.maxAge > 0 {
		if err := v.checkAge(values.Get("auth_date")); err != nil {
			return nil, err
		}
	}

	rawUser := values.Get("user")
	if rawUser == "" {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidAssertion)
	}

	var u userPayload
	if err := json.Unmarshal([]byte(rawUser), &u); err != nil {
		return nil, fmt.Errorf("%w: user payload is not valid JSON", ErrInvalidAssertion)
	}
	if u.ID <= 0 {
		return nil, fmt.Errorf("%w: user id missing", ErrInvalidAssertion)
	}

	id := &Identity{TelegramID: strconv.FormatInt(u.ID, 10)}
	if u.Username != "" {
		name := u.Username
		id.Username = &name
	}
	return id, nil
}

func (v *Verifier) checkAge(raw string) error {
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || sec <= 0 {
		return fmt.Errorf("%w: auth_date missing", ErrInvalidAssertion)
	}
	if v.now().Sub(time.Unix(sec, 0)) > v.maxAge {
		return fmt.Errorf("%w: expired", ErrInvalidAssertion)
	}
	return nil
}

// DataCheckString builds the signature input from every pair except hash.
// The result does not depend on the original field order.
func DataCheckString(values url.Values) string {
	pairs := make([]string, 0, len(values))
	for key, vals := range values {
		if key == "hash" {
			continue
		}
		for _, val := range vals {
			pairs = append(pairs, key+"="+val)
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "\n")
}

// Sign returns the hex signature Telegram would attach to values for botToken.
func Sign(botToken string, values url.Values) string {
	return hex.EncodeToString(sign(deriveSecret(botToken), DataCheckString(values)))
}

func deriveSecret(botToken string) []byte {
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	return mac.Sum(nil)
}

func sign(secret []byte, data string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

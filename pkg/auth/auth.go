// Package auth implements connection authentication for SRPC.
//
// A connecting client carries its credentials as query parameters on the
// WebSocket upgrade URL: a protocol version, an app version, a millisecond
// timestamp, a client-chosen stream id, a client id, and a hex HMAC-SHA256
// signature over the canonical newline-joined form of those values, keyed by
// a per-client secret. The server recomputes the signature with the secret it
// holds for the claimed client id and rejects on mismatch or on a timestamp
// outside the configured drift window.
//
// Verification happens before the WebSocket upgrade completes; a rejected
// attempt receives an empty 401 and no reason crosses the wire.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Query parameter names carried on the connection URL.
const (
	ParamAuthVersion = "authv"
	ParamAppVersion  = "appv"
	ParamTimestamp   = "ts"
	ParamStreamID    = "id"
	ParamClientID    = "cid"
	ParamSignature   = "signature"

	// MetaPrefix is the reserved prefix for namespaced metadata entries,
	// e.g. "m--region=eu" becomes Meta["region"] = "eu".
	MetaPrefix = "m--"
)

// AuthVersion is the current authentication protocol version.
const AuthVersion = 1

// DefaultMaxDrift is the default tolerated clock drift between the client's
// signed timestamp and the server clock.
const DefaultMaxDrift = 30 * time.Second

// Authentication errors. These are logged server-side only; the client sees
// a bare 401 regardless of the cause.
var (
	ErrMissingParam   = errors.New("auth: missing connection parameter")
	ErrUnknownClient  = errors.New("auth: unknown client id")
	ErrBadSignature   = errors.New("auth: signature mismatch")
	ErrStaleTimestamp = errors.New("auth: timestamp outside drift window")
	ErrNotLoopback    = errors.New("auth: connection is not from loopback")
)

// Params are the connection credentials and metadata a client presents
// during the upgrade request.
type Params struct {
	AuthVersion int
	AppVersion  string
	Timestamp   int64 // Unix milliseconds
	StreamID    string
	ClientID    string
	Signature   string // hex HMAC-SHA256, empty until signed
	Meta        map[string]string
}

// Values encodes the params as URL query values, including the signature
// if present and one "m--"-prefixed entry per metadata key.
func (p Params) Values() url.Values {
	v := url.Values{}
	v.Set(ParamAuthVersion, strconv.Itoa(p.AuthVersion))
	v.Set(ParamAppVersion, p.AppVersion)
	v.Set(ParamTimestamp, strconv.FormatInt(p.Timestamp, 10))
	v.Set(ParamStreamID, p.StreamID)
	v.Set(ParamClientID, p.ClientID)
	if p.Signature != "" {
		v.Set(ParamSignature, p.Signature)
	}
	for key, val := range p.Meta {
		v.Set(MetaPrefix+key, val)
	}
	return v
}

// ParseQuery extracts connection params from upgrade request query values.
// All non-metadata parameters are required.
func ParseQuery(q url.Values) (Params, error) {
	var p Params

	for _, name := range []string{ParamAuthVersion, ParamAppVersion, ParamTimestamp, ParamStreamID, ParamClientID, ParamSignature} {
		if q.Get(name) == "" {
			return p, fmt.Errorf("%w: %s", ErrMissingParam, name)
		}
	}

	authv, err := strconv.Atoi(q.Get(ParamAuthVersion))
	if err != nil {
		return p, fmt.Errorf("auth: invalid %s: %w", ParamAuthVersion, err)
	}
	ts, err := strconv.ParseInt(q.Get(ParamTimestamp), 10, 64)
	if err != nil {
		return p, fmt.Errorf("auth: invalid %s: %w", ParamTimestamp, err)
	}

	p.AuthVersion = authv
	p.AppVersion = q.Get(ParamAppVersion)
	p.Timestamp = ts
	p.StreamID = q.Get(ParamStreamID)
	p.ClientID = q.Get(ParamClientID)
	p.Signature = q.Get(ParamSignature)

	for key, vals := range q {
		if strings.HasPrefix(key, MetaPrefix) && len(vals) > 0 {
			if p.Meta == nil {
				p.Meta = make(map[string]string)
			}
			p.Meta[strings.TrimPrefix(key, MetaPrefix)] = vals[0]
		}
	}

	return p, nil
}

// signable returns the canonical string covered by the signature. The
// trailing newline is part of the format.
func signable(p Params) string {
	return fmt.Sprintf("%d\n%s\n%d\n%s\n%s\n",
		p.AuthVersion, p.AppVersion, p.Timestamp, p.StreamID, p.ClientID)
}

// Sign computes the hex HMAC-SHA256 signature for the given params using the
// per-client secret. The signature field of p itself is ignored.
func Sign(secret string, p Params) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signable(p)))
	return hex.EncodeToString(mac.Sum(nil))
}

// KeyFunc looks up the shared secret for a client id. Returning an empty
// secret or an error rejects the client.
type KeyFunc func(clientID string) (string, error)

// StaticKey returns a KeyFunc that hands out the same secret for every
// client id. Useful for single-tenant deployments and tests.
func StaticKey(secret string) KeyFunc {
	return func(string) (string, error) {
		return secret, nil
	}
}

// Authorizer decides whether a connection attempt may be upgraded.
// Exactly one authorizer is active per server instance.
type Authorizer interface {
	Authorize(r *http.Request, p Params) error
}

// Verifier authorizes connections by verifying their HMAC signature and
// timestamp freshness.
type Verifier struct {
	// Keys resolves the per-client secret. Required.
	Keys KeyFunc

	// MaxDrift is the tolerated difference between the signed timestamp and
	// the server clock. Default: DefaultMaxDrift.
	MaxDrift time.Duration

	// Now overrides the clock, for tests. Default: time.Now.
	Now func() time.Time
}

// NewVerifier creates a Verifier with the default drift window.
func NewVerifier(keys KeyFunc) *Verifier {
	return &Verifier{Keys: keys, MaxDrift: DefaultMaxDrift}
}

// Authorize implements Authorizer. A valid signature with a stale timestamp
// is still rejected.
func (v *Verifier) Authorize(_ *http.Request, p Params) error {
	secret, err := v.Keys(p.ClientID)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnknownClient, p.ClientID, err)
	}
	if secret == "" {
		return fmt.Errorf("%w: %s", ErrUnknownClient, p.ClientID)
	}

	want := Sign(secret, p)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(p.Signature))) {
		return ErrBadSignature
	}

	maxDrift := v.MaxDrift
	if maxDrift <= 0 {
		maxDrift = DefaultMaxDrift
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	drift := now().UnixMilli() - p.Timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > maxDrift.Milliseconds() {
		return ErrStaleTimestamp
	}

	return nil
}

// loopbackAuthorizer accepts only connections whose transport address is a
// loopback interface, ignoring credentials entirely. It exists for trusted
// local debugging channels.
type loopbackAuthorizer struct{}

// Loopback returns an Authorizer that accepts only loopback connections.
func Loopback() Authorizer {
	return loopbackAuthorizer{}
}

func (loopbackAuthorizer) Authorize(r *http.Request, _ Params) error {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return ErrNotLoopback
	}
	return nil
}

// NewParams builds connection params for a client about to dial, stamping
// the current time and the current auth version.
func NewParams(clientID, streamID, appVersion string, meta map[string]string) Params {
	return Params{
		AuthVersion: AuthVersion,
		AppVersion:  appVersion,
		Timestamp:   time.Now().UnixMilli(),
		StreamID:    streamID,
		ClientID:    clientID,
		Meta:        meta,
	}
}

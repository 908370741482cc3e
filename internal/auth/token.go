// Package auth implements the polymorphic credential behind the CBS
// machinery: a capability interface over a locally-minted
// shared-access-signature credential and a generic bearer token credential
// (azcore.TokenCredential), plus the token type the CBS refresh task keeps
// per authorization record.
package auth

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// TokenKind distinguishes the two token shapes the CBS put-token request
// needs to advertise via its "type" application property.
type TokenKind string

const (
	TokenKindSAS TokenKind = "servicebus.windows.net:sastoken"
	TokenKindJWT TokenKind = "jwt"
)

// Token is a minted credential ready to hand to the CBS link.
type Token struct {
	Value  string
	Expiry time.Time
	Kind   TokenKind
}

// DefaultScope is the audience azidentity-style bearer credentials are asked
// for when no more specific scope is supplied.
const DefaultScope = "https://eventhubs.azure.net/.default"

// Provider yields tokens for a resource URI. A connection scope holds one
// Provider and the CBS task calls GetToken once per authorization record per
// refresh cycle.
type Provider interface {
	GetToken(ctx context.Context, resourceURI string) (Token, error)
}

// SharedAccessProvider mints SAS tokens locally with no network I/O, from a
// (key name, key) pair or a pre-minted signature string.
type SharedAccessProvider struct {
	KeyName   string
	Key       string
	Signature string // pre-minted; mutually exclusive with KeyName/Key
	TTL       time.Duration
	now       func() time.Time
}

// NewSharedAccessProvider builds a provider that mints a fresh SAS token on
// every GetToken call, signed with the given key.
func NewSharedAccessProvider(keyName, key string, ttl time.Duration) *SharedAccessProvider {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &SharedAccessProvider{KeyName: keyName, Key: key, TTL: ttl, now: time.Now}
}

// NewPreMintedProvider wraps a caller-supplied SAS string. Its expiry is
// unknown to this library, so GetToken reports a refresh-sentinel expiry
// chosen by the caller (expiry) so the CBS task still schedules a refresh.
func NewPreMintedProvider(signature string, expiry time.Time) *SharedAccessProvider {
	return &SharedAccessProvider{Signature: signature, TTL: 0, now: func() time.Time { return expiry }}
}

func (p *SharedAccessProvider) GetToken(_ context.Context, resourceURI string) (Token, error) {
	if p.Signature != "" {
		// Pre-minted path: the caller controls expiry, not us.
		return Token{Value: p.Signature, Expiry: p.now(), Kind: TokenKindSAS}, nil
	}
	now := p.now
	if now == nil {
		now = time.Now
	}
	value := MintSharedAccessSignature(resourceURI, p.KeyName, p.Key, p.TTL, now())
	return Token{Value: value, Expiry: now().Add(p.TTL), Kind: TokenKindSAS}, nil
}

// BearerProvider adapts an azcore.TokenCredential (AAD/managed identity/etc.)
// into a Provider, requesting DefaultScope unless Scopes is set.
type BearerProvider struct {
	Credential azcore.TokenCredential
	Scopes     []string
}

func NewBearerProvider(cred azcore.TokenCredential) *BearerProvider {
	return &BearerProvider{Credential: cred, Scopes: []string{DefaultScope}}
}

func (p *BearerProvider) GetToken(ctx context.Context, _ string) (Token, error) {
	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}
	at, err := p.Credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: scopes})
	if err != nil {
		return Token{}, err
	}
	return Token{Value: at.Token, Expiry: at.ExpiresOn, Kind: TokenKindJWT}, nil
}

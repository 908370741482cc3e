package eventhubs

import (
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/chris-alexander-pop/eventhubs-go/internal/auth"
)

// TokenCredential is the polymorphic credential both client constructors
// accept: either a shared-access-signature credential minted locally or any
// azcore.TokenCredential (AAD, managed identity, client secret, ...).
type TokenCredential interface {
	provider() auth.Provider
}

type sharedAccessCredential struct {
	tokenProvider auth.Provider
}

func (c sharedAccessCredential) provider() auth.Provider { return c.tokenProvider }

type bearerCredential struct {
	tokenProvider auth.Provider
}

func (c bearerCredential) provider() auth.Provider { return c.tokenProvider }

// NewSharedKeyCredential builds a credential that mints its own SAS tokens
// locally from a (key name, key) pair, refreshed by the CBS task before
// every expiry.
func NewSharedKeyCredential(keyName, key string) TokenCredential {
	return sharedAccessCredential{tokenProvider: auth.NewSharedAccessProvider(keyName, key, 0)}
}

// NewSASCredential wraps a caller-minted SAS token string. This library
// cannot mint a replacement for an opaque pre-signed string, so expiresOn is
// reported as the token's expiry: the CBS task re-puts the same string five
// minutes before expiresOn and, because that expiry never moves, repeats
// the put about once a second after that.
func NewSASCredential(signature string, expiresOn time.Time) TokenCredential {
	return sharedAccessCredential{tokenProvider: auth.NewPreMintedProvider(signature, expiresOn)}
}

// NewTokenCredential adapts any azcore.TokenCredential (azidentity's
// DefaultAzureCredential, ManagedIdentityCredential, ClientSecretCredential,
// etc.) into a credential usable by ProducerClient/ConsumerClient.
func NewTokenCredential(cred azcore.TokenCredential) TokenCredential {
	return bearerCredential{tokenProvider: auth.NewBearerProvider(cred)}
}

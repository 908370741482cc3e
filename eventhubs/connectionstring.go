package eventhubs

import (
	"net/url"
	"strings"

	"github.com/chris-alexander-pop/eventhubs-go/pkg/apperr"
)

// parsedConnectionString is the result of parsing a connection string of
// the form
// "Endpoint=sb://<fqn>/;SharedAccessKeyName=...;SharedAccessKey=...;EntityPath=...;SharedAccessSignature=..."
// where the last four fields are optional and SharedAccessSignature and
// SharedAccessKeyName/SharedAccessKey are mutually exclusive.
type parsedConnectionString struct {
	FullyQualifiedNamespace string
	SharedAccessKeyName     string
	SharedAccessKey         string
	EntityPath              string
	SharedAccessSignature   string
}

// parseConnectionString splits connStr into its semicolon-separated
// key=value pairs. An empty fully-qualified namespace is a fatal format
// error.
func parseConnectionString(connStr string) (parsedConnectionString, error) {
	var parsed parsedConnectionString

	for _, pair := range strings.Split(connStr, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return parsedConnectionString{}, apperr.InvalidArgument("malformed connection string segment: "+pair, nil)
		}
		key, value := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch strings.ToLower(key) {
		case "endpoint":
			fqn, err := parseEndpointHost(value)
			if err != nil {
				return parsedConnectionString{}, err
			}
			parsed.FullyQualifiedNamespace = fqn
		case "sharedaccesskeyname":
			parsed.SharedAccessKeyName = value
		case "sharedaccesskey":
			parsed.SharedAccessKey = value
		case "entitypath":
			parsed.EntityPath = value
		case "sharedaccesssignature":
			parsed.SharedAccessSignature = value
		}
	}

	if parsed.FullyQualifiedNamespace == "" {
		return parsedConnectionString{}, apperr.InvalidArgument("connection string is missing a non-empty Endpoint", nil)
	}
	if parsed.SharedAccessSignature != "" && (parsed.SharedAccessKeyName != "" || parsed.SharedAccessKey != "") {
		return parsedConnectionString{}, apperr.InvalidArgument("SharedAccessSignature and SharedAccessKeyName/SharedAccessKey are mutually exclusive", nil)
	}

	return parsed, nil
}

func parseEndpointHost(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", apperr.InvalidArgument("invalid Endpoint in connection string", err)
	}
	if u.Host == "" {
		return "", apperr.InvalidArgument("Endpoint in connection string has an empty host", nil)
	}
	return u.Host, nil
}

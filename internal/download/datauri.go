package download

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/ternarybob/colligo/internal/common"
)

// decodeDataURI extracts the payload of a data: URI. Both base64 and
// percent-encoded payloads are handled.
func decodeDataURI(uri string) ([]byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, fmt.Errorf("not a data URI: %w", common.ErrInvalidInput)
	}

	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return nil, fmt.Errorf("malformed data URI: %w", common.ErrInvalidInput)
	}

	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("data URI base64 decode: %w", err)
		}
		return data, nil
	}

	decoded, err := url.QueryUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("data URI decode: %w", err)
	}
	return []byte(decoded), nil
}

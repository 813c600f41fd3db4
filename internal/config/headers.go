package config

import (
	"errors"
	"net/http"
	"strings"
)

var errInvalidHeaderParameter = errors.New("invalid syntax specified as header parameter")

// ParseHeaderString parses a list of "Key: Value" strings into a Header
func ParseHeaderString(customHeaders []string) (http.Header, error) {
	headers := http.Header{}
	for _, keyValueString := range customHeaders {
		keyValue := strings.SplitN(keyValueString, ":", 2)
		if len(keyValue) != 2 {
			return nil, errInvalidHeaderParameter
		}

		key := http.CanonicalHeaderKey(strings.TrimSpace(keyValue[0]))
		headers[key] = append(headers[key], strings.TrimSpace(keyValue[1]))
	}
	return headers, nil
}

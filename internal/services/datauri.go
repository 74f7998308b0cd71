package services

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var errNotDataURI = errors.New("not a base64 data URI")

// parseDataURI splits a `data:<mime>;base64,<payload>` URI into its MIME type and base64 payload.
func parseDataURI(uri string) (string, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", "", errNotDataURI
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", errNotDataURI
	}
	mimeType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", "", errNotDataURI
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return mimeType, payload, nil
}

// decodeDataURI is parseDataURI with the payload decoded.
func decodeDataURI(uri string) (string, []byte, error) {
	mimeType, payload, err := parseDataURI(uri)
	if err != nil {
		return "", nil, err
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("error decoding image: %w", err)
	}
	return mimeType, data, nil
}

// dataURI encodes data as a base64 data URI.
func dataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

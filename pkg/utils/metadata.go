package utils

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/driftline/uploadd/pkg/types"
)

// ParseUploadMetadata decodes an Upload-Metadata header: comma-separated
// pairs of "key base64value", where the value part may be omitted for
// flag-style keys. Duplicate keys are rejected.
func ParseUploadMetadata(header string) (types.MetaData, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	metadata := make(types.MetaData)
	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			return nil, fmt.Errorf("empty metadata pair")
		}

		key, encoded, _ := strings.Cut(pair, " ")
		if key == "" {
			return nil, fmt.Errorf("metadata key missing")
		}
		if _, exists := metadata[key]; exists {
			return nil, fmt.Errorf("duplicate metadata key %q", key)
		}

		value, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("metadata value for %q is not valid base64: %w", key, err)
		}
		metadata[key] = string(value)
	}
	return metadata, nil
}

// EncodeUploadMetadata renders metadata back into Upload-Metadata header
// form, keys sorted for a stable representation.
func EncodeUploadMetadata(metadata types.MetaData) string {
	if len(metadata) == 0 {
		return ""
	}

	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		value := metadata[key]
		if value == "" {
			pairs = append(pairs, key)
			continue
		}
		pairs = append(pairs, key+" "+base64.StdEncoding.EncodeToString([]byte(value)))
	}
	return strings.Join(pairs, ",")
}

package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
)

// SchemaVersion of the entry encoding written by this build
const SchemaVersion = 1

var (
	errCorrupt     = stderrors.New("corrupt cache entry")
	errNewerSchema = stderrors.New("cache entry written by a newer schema")
)

// entryHeader is the first line of every entry
type entryHeader struct {
	Schema     int       `json:"schema"`
	Key        string    `json:"key"`
	CreatedAt  time.Time `json:"created_at"`
	BodySHA256 string    `json:"body_sha256"`
	BodySize   int       `json:"body_size"`
}

// encodeEntry serializes result as header line + "\n" + JSON body. The cache
// status is never persisted.
func encodeEntry(key string, result *models.DocumentResult, now time.Time) ([]byte, error) {
	body, err := encodeBody(result)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(body)
	header, err := json.Marshal(entryHeader{
		Schema:     SchemaVersion,
		Key:        key,
		CreatedAt:  now.UTC(),
		BodySHA256: hex.EncodeToString(sum[:]),
		BodySize:   len(body),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache header: %w", err)
	}

	out := make([]byte, 0, len(header)+1+len(body))
	out = append(out, header...)
	out = append(out, '\n')
	out = append(out, body...)
	return out, nil
}

func encodeBody(result *models.DocumentResult) ([]byte, error) {
	stored := *result
	stored.CacheStatus = ""
	body, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache body: %w", err)
	}
	return body, nil
}

// decodeEntry parses and verifies an entry read for key
func decodeEntry(key string, data []byte) (*models.DocumentResult, error) {
	line, body, found := bytes.Cut(data, []byte{'\n'})
	if !found {
		return nil, fmt.Errorf("%w: missing header", errCorrupt)
	}

	var header entryHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return nil, fmt.Errorf("%w: bad header: %v", errCorrupt, err)
	}
	if header.Schema > SchemaVersion {
		return nil, fmt.Errorf("%w: schema %d", errNewerSchema, header.Schema)
	}
	if header.Schema < 1 {
		return nil, fmt.Errorf("%w: schema %d", errCorrupt, header.Schema)
	}
	if header.Key != key {
		return nil, fmt.Errorf("%w: entry is for key %s", errCorrupt, header.Key)
	}
	if header.BodySize != len(body) {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", errCorrupt, len(body), header.BodySize)
	}
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != header.BodySHA256 {
		return nil, fmt.Errorf("%w: body checksum mismatch", errCorrupt)
	}

	var result models.DocumentResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: bad body: %v", errCorrupt, err)
	}
	if result.CacheKey != key {
		return nil, fmt.Errorf("%w: body is for key %s", errCorrupt, result.CacheKey)
	}
	return &result, nil
}

// contentDigest hashes the parts of a result determined by its cache key.
// Run metadata differs between two computations of the same key and is
// left out.
func contentDigest(result *models.DocumentResult) (string, error) {
	content := *result
	content.ProcessingTimeMs = 0
	content.CreatedAt = time.Time{}
	content.CacheStatus = ""

	data, err := json.Marshal(&content)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

package api

import (
	"strconv"
	"strings"

	"github.com/powersync/sync-service/internal/connstate"
	"github.com/powersync/sync-service/powersync"
)

// ClientRequest is the StreamingSyncRequest body (spec §6): the client's
// reported bucket positions plus the wire-encoding flags.
type ClientRequest struct {
	Buckets         []ClientBucketPosition `json:"buckets"`
	ClientID        string                 `json:"client_id"`
	RawData         bool                   `json:"raw_data"`
	BinaryData      bool                   `json:"binary_data"`
	IncludeChecksum bool                   `json:"include_checksum"`
}

// ClientBucketPosition is one entry of the client's reported bucket state.
type ClientBucketPosition struct {
	Bucket string `json:"bucket"`
	After  string `json:"after"` // decimal op_id string, per spec §9
}

func (c ClientRequest) initialPositions() map[string]powersync.OpID {
	out := make(map[string]powersync.OpID, len(c.Buckets))
	for _, b := range c.Buckets {
		if b.After == "" {
			continue
		}
		if n, err := strconv.ParseUint(b.After, 10, 64); err == nil {
			out[b.Bucket] = powersync.OpID(n)
		}
	}
	return out
}

func (c ClientRequest) initialBuckets() []connstate.BucketRef {
	out := make([]connstate.BucketRef, 0, len(c.Buckets))
	for _, b := range c.Buckets {
		out = append(out, connstate.BucketRef{Name: b.Bucket})
	}
	return out
}

func bearerToken(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimSpace(authHeader[len(prefix):])
	}
	return strings.TrimSpace(authHeader)
}

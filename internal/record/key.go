package record

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// keyNamespace seeds every idempotency token. Derived once from the URL
// namespace so tokens are stable across builds and devices.
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://tracksync.dev/idempotency"))

// SampleKey returns the deterministic idempotency token for a sample.
// The same capture on the same device always produces the same token, so
// a dispatch retried after a crash-before-confirm dedups server-side
// instead of duplicating the record.
func SampleKey(deviceID string, s *Sample) string {
	name := fmt.Sprintf("sample|%s|%s|%s|%s",
		deviceID,
		s.CapturedAt.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(s.Latitude, 'f', -1, 64),
		strconv.FormatFloat(s.Longitude, 'f', -1, 64),
	)
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// MutationKey returns the deterministic idempotency token for a mutation.
// Creates key on the client-minted entity id alone: however many times a
// create is retried, the server sees one logical request. Updates and
// deletes fold in the queue row id so distinct changes to one entity get
// distinct tokens while retries of the same row stay stable.
func MutationKey(deviceID string, m *Mutation) string {
	var name string
	if m.Op == OpCreate {
		name = fmt.Sprintf("create|%s|%s", deviceID, m.EntityID)
	} else {
		name = fmt.Sprintf("%s|%s|%s|%d", m.Op, deviceID, m.EntityID, m.ID)
	}
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// NewClientID mints a fresh client-side entity identifier. Called exactly
// once per user action, at the boundary where the action enters the
// system; everything downstream reuses the value verbatim.
func NewClientID() string {
	return "c-" + uuid.NewString()
}

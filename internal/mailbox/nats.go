package mailbox

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultBucket is the KV bucket used for markers.
const DefaultBucket = "phonefleet_takeover"

const batchKeySegment = "_batch"

// NATS keeps markers in a JetStream key-value bucket, for fleets where the
// operator UI and the workers run on different hosts.
type NATS struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	ownsNC bool
}

// DialNATS connects to url and opens (or creates) bucket.
func DialNATS(ctx context.Context, url, bucket string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("phonefleet-mailbox"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "mailbox: connect nats %s failed", url)
	}
	mb, err := NewNATS(ctx, nc, bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	mb.ownsNC = true
	return mb, nil
}

// NewNATS uses an existing connection. The caller keeps ownership of nc.
func NewNATS(ctx context.Context, nc *nats.Conn, bucket string) (*NATS, error) {
	if strings.TrimSpace(bucket) == "" {
		bucket = DefaultBucket
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.Wrap(err, "mailbox: init jetstream failed")
	}
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "takeover markers",
		History:     1,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "mailbox: ensure kv bucket %s failed", bucket)
	}
	log.Info().Str("bucket", bucket).Msg("nats mailbox ready")
	return &NATS{nc: nc, kv: kv}, nil
}

// WriteMarker puts kind under the (taskID, role) key. Final markers are kept
// when a non-final kind is written over them.
func (n *NATS) WriteMarker(ctx context.Context, taskID, role string, kind Kind) error {
	key := markerKey(taskID, role)
	if !kind.Final() {
		existing, ok, err := n.ReadMarker(ctx, taskID, role)
		if err != nil {
			return err
		}
		if ok && existing.Final() {
			return nil
		}
	}
	if _, err := n.kv.Put(ctx, key, []byte(kind)); err != nil {
		return errors.Wrapf(err, "mailbox: put %s failed", key)
	}
	return nil
}

// ReadMarker returns the current kind for (taskID, role).
func (n *NATS) ReadMarker(ctx context.Context, taskID, role string) (Kind, bool, error) {
	key := markerKey(taskID, role)
	entry, err := n.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "mailbox: get %s failed", key)
	}
	return Kind(entry.Value()), true, nil
}

// Close drains the connection when the mailbox dialed it.
func (n *NATS) Close() error {
	if n.ownsNC && n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// markerKey maps (taskID, role) onto the NATS key alphabet.
func markerKey(taskID, role string) string {
	if role == "" {
		role = batchKeySegment
	}
	return sanitizeKeyToken(taskID) + "." + sanitizeKeyToken(role)
}

func sanitizeKeyToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '=':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

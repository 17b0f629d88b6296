// Package feed subscribes to the network's real-time change-event stream: a
// websocket delivering one JSON envelope per repository commit, filterable
// server-side by collection and author. The subscription is resumable via a
// microsecond cursor; it cannot be restarted from an arbitrary point, only
// from a previously observed cursor or "now".
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/coder/websocket"
	"github.com/guregu/null"
)

// Operations inside a commit envelope.
const (
	OperationCreate = "create"
	OperationDelete = "delete"

	KindCommit = "commit"
)

// Event is the heterogeneous envelope delivered for every subscribed commit.
type Event struct {
	DID    string  `json:"did"`
	TimeUS int64   `json:"time_us"`
	Kind   string  `json:"kind"`
	Commit *Commit `json:"commit"`
}

// Commit describes a single record operation.
type Commit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid"`
	Record     json.RawMessage `json:"record"`
}

// BlockRecord is the payload of a block-collection create.
type BlockRecord struct {
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// MalformedEventError wraps an envelope that could not be decoded. The
// consumer logs and skips these; Cursor carries the event's position when it
// could be salvaged from the raw payload so the consumer can still advance.
type MalformedEventError struct {
	Raw    []byte
	Cursor null.Int
	Err    error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed feed event: %v", e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// SubscribeOptions narrow the subscription server-side.
type SubscribeOptions struct {
	// Cursor resumes delivery from a previous position (exclusive). Invalid
	// when unset: delivery starts from now.
	Cursor null.Int
	// Collections filters to the given record collections.
	Collections []string
	// DIDs filters to commits authored by the given identifiers.
	DIDs []string
}

// Stream is a live subscription. Not safe for concurrent use.
type Stream interface {
	// Next blocks until the next event arrives, the connection drops, or ctx
	// is done. Decoding failures come back as *MalformedEventError; the
	// connection stays usable after them.
	Next(ctx context.Context) (*Event, error)
	Close() error
}

// Subscriber dials event-feed subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, opts SubscribeOptions) (Stream, error)
}

type subscriber struct {
	endpoint string
}

var _ Subscriber = (*subscriber)(nil)

// NewSubscriber creates a Subscriber for the given websocket endpoint, e.g.
// "wss://jetstream.example.com/subscribe".
func NewSubscriber(endpoint string) *subscriber {
	return &subscriber{endpoint: endpoint}
}

func (s *subscriber) Subscribe(ctx context.Context, opts SubscribeOptions) (Stream, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing feed endpoint %s: %w", s.endpoint, err)
	}

	params := u.Query()
	if opts.Cursor.Valid {
		params.Set("cursor", strconv.FormatInt(opts.Cursor.Int64, 10))
	}
	for _, collection := range opts.Collections {
		params.Add("wantedCollections", collection)
	}
	for _, did := range opts.DIDs {
		params.Add("wantedDids", did)
	}
	u.RawQuery = params.Encode()

	//nolint:bodyclose // the response body is managed by the websocket library
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing feed endpoint: %w", err)
	}
	// The feed is read-only and unbounded; do not cap message accumulation
	// at the library default.
	conn.SetReadLimit(10 << 20)

	return &stream{conn: conn}, nil
}

type stream struct {
	conn *websocket.Conn
}

var _ Stream = (*stream)(nil)

func (s *stream) Next(ctx context.Context) (*Event, error) {
	_, payload, err := s.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading from feed: %w", err)
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, &MalformedEventError{
			Raw:    payload,
			Cursor: salvageCursor(payload),
			Err:    err,
		}
	}
	return &event, nil
}

func (s *stream) Close() error {
	//nolint:wrapcheck // thin layer over the websocket close handshake
	return s.conn.Close(websocket.StatusNormalClosure, "done")
}

// salvageCursor tries to pull time_us out of an otherwise undecodable
// envelope so the consumer can advance past it.
func salvageCursor(payload []byte) null.Int {
	var probe struct {
		TimeUS int64 `json:"time_us"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.TimeUS == 0 {
		return null.Int{}
	}
	return null.IntFrom(probe.TimeUS)
}

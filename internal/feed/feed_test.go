package feed

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEnvelopeDecoding(t *testing.T) {
	payload := []byte(`{
		"did": "did:plc:abc123",
		"time_us": 1725911162329308,
		"kind": "commit",
		"commit": {
			"rev": "3l3qo2vutsw2b",
			"operation": "create",
			"collection": "app.bsky.graph.block",
			"rkey": "3l3qo2vuowo2b",
			"cid": "bafyreidwaivazkwu67xztlmuobx35hs2lnfh3kolmgfmucldvhd3sgzcqi",
			"record": {
				"$type": "app.bsky.graph.block",
				"subject": "did:plc:target456",
				"createdAt": "2025-07-14T10:00:00.000Z"
			}
		}
	}`)

	var event Event
	require.NoError(t, json.Unmarshal(payload, &event))

	assert.Equal(t, "did:plc:abc123", event.DID)
	assert.Equal(t, int64(1725911162329308), event.TimeUS)
	assert.Equal(t, KindCommit, event.Kind)
	require.NotNil(t, event.Commit)
	assert.Equal(t, OperationCreate, event.Commit.Operation)
	assert.Equal(t, "app.bsky.graph.block", event.Commit.Collection)
	assert.Equal(t, "3l3qo2vuowo2b", event.Commit.RKey)

	var record BlockRecord
	require.NoError(t, json.Unmarshal(event.Commit.Record, &record))
	assert.Equal(t, "did:plc:target456", record.Subject)
}

func TestEventEnvelopeDecodingNonCommit(t *testing.T) {
	payload := []byte(`{"did": "did:plc:abc123", "time_us": 1725911162329308, "kind": "identity"}`)

	var event Event
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "identity", event.Kind)
	assert.Nil(t, event.Commit)
}

func TestSalvageCursor(t *testing.T) {
	testCases := []struct {
		name       string
		payload    string
		wantValid  bool
		wantCursor int64
	}{
		{
			name:       "cursor recoverable from broken envelope",
			payload:    `{"time_us": 1725911162329308, "kind": "commit", "commit": "not-an-object"}`,
			wantValid:  true,
			wantCursor: 1725911162329308,
		},
		{
			name:      "not JSON at all",
			payload:   `garbage`,
			wantValid: false,
		},
		{
			name:      "missing time_us",
			payload:   `{"kind": "commit"}`,
			wantValid: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cursor := salvageCursor([]byte(tc.payload))
			assert.Equal(t, tc.wantValid, cursor.Valid)
			if tc.wantValid {
				assert.Equal(t, tc.wantCursor, cursor.Int64)
			}
		})
	}
}

func TestMalformedEventErrorUnwrap(t *testing.T) {
	inner := errors.New("bad payload")
	err := &MalformedEventError{Raw: []byte("x"), Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "malformed feed event")
}

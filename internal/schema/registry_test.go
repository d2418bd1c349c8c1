package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgtg_items_updater/internal/domain"
)

func fixedRegistry() *Registry {
	r := Default()
	r.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	r.newID = func() string { return "msg-1" }
	return r
}

func TestDefault_Schemas(t *testing.T) {
	r := Default()

	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "FetchedItems:1", schemas[0].String())
	assert.Equal(t, 7*24*time.Hour, schemas[0].Retention)
	assert.Equal(t, "Trigger:1", schemas[1].String())
	assert.Equal(t, 24*time.Hour, schemas[1].Retention)
}

func TestRegister_Duplicate(t *testing.T) {
	r := Default()
	err := r.Register(Schema{Name: TriggerName, Version: 1, Prototype: domain.TriggerMessage{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegister_SecondVersion(t *testing.T) {
	type triggerV2 struct {
		domain.TriggerMessage
		Category string `json:"category"`
	}

	r := Default()
	require.NoError(t, r.Register(Schema{Name: TriggerName, Version: 2, Retention: time.Hour, Prototype: triggerV2{}}))

	_, ok := r.Lookup(TriggerName, 2)
	assert.True(t, ok)
	assert.Len(t, r.Schemas(), 3)
}

func TestEncodeDecode_Trigger(t *testing.T) {
	r := fixedRegistry()
	trigger := domain.TriggerMessage{Latitude: 52.23, Longitude: 21.01, Radius: 5, FavoritesOnly: true}

	env, data, err := r.EncodeTrigger(trigger)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", env.ID)
	assert.Equal(t, int64(86400), env.RetentionSeconds)
	assert.Equal(t, "Trigger", string(env.Headers()[HeaderSchemaName]))
	assert.Equal(t, "1", string(env.Headers()[HeaderSchemaVersion]))

	got, decoded, err := r.DecodeTrigger(data)
	require.NoError(t, err)
	assert.Equal(t, trigger, got)
	assert.Equal(t, "msg-1", decoded.ID)
}

func TestEncode_FetchedItemsWireFormat(t *testing.T) {
	r := fixedRegistry()
	checkedAt := time.Unix(1714564800, 500_000_000).UTC()

	_, data, err := r.EncodeFetchedItems(domain.FetchedItems{
		TriggerMessage: domain.TriggerMessage{Latitude: 52.23, Longitude: 21.01, Radius: 5, FavoritesOnly: true},
		CheckedAt:      domain.NewTimestamp(checkedAt),
		Items:          []domain.Item{json.RawMessage(`{"item_id":"x1"}`), json.RawMessage(`{"item_id":"x2"}`)},
	})
	require.NoError(t, err)

	var env struct {
		SchemaName       string `json:"schema_name"`
		SchemaVersion    int    `json:"schema_version"`
		RetentionSeconds int64  `json:"retention_seconds"`
		Payload          struct {
			TriggerMessage map[string]any   `json:"trigger_message"`
			CheckedAt      float64          `json:"checked_at"`
			Items          []map[string]any `json:"items"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &env))

	assert.Equal(t, "FetchedItems", env.SchemaName)
	assert.Equal(t, 1, env.SchemaVersion)
	assert.Equal(t, int64(7*24*60*60), env.RetentionSeconds)
	assert.InDelta(t, 1714564800.5, env.Payload.CheckedAt, 1e-6)
	assert.Equal(t, 52.23, env.Payload.TriggerMessage["latitude"])
	assert.Equal(t, true, env.Payload.TriggerMessage["favorites_only"])
	require.Len(t, env.Payload.Items, 2)
	assert.Equal(t, "x1", env.Payload.Items[0]["item_id"])
	assert.Equal(t, "x2", env.Payload.Items[1]["item_id"])
}

func TestEncode_WrongPayloadType(t *testing.T) {
	_, _, err := Default().Encode(TriggerName, 1, domain.FetchedItems{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestDecode_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{{{`},
		{name: "wrong schema", data: `{"schema_name":"FetchedItems","schema_version":1,"payload":{}}`},
		{name: "unknown version", data: `{"schema_name":"Trigger","schema_version":7,"payload":{"latitude":1,"longitude":1,"radius":1,"favorites_only":false}}`},
		{name: "empty payload", data: `{"schema_name":"Trigger","schema_version":1}`},
		{name: "payload not object", data: `{"schema_name":"Trigger","schema_version":1,"payload":[1,2]}`},
		{name: "missing radius", data: `{"schema_name":"Trigger","schema_version":1,"payload":{"latitude":1,"longitude":1,"favorites_only":false}}`},
		{name: "null latitude", data: `{"schema_name":"Trigger","schema_version":1,"payload":{"latitude":null,"longitude":1,"radius":1,"favorites_only":false}}`},
		{name: "wrong type", data: `{"schema_name":"Trigger","schema_version":1,"payload":{"latitude":"north","longitude":1,"radius":1,"favorites_only":false}}`},
	}

	r := Default()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := r.DecodeTrigger([]byte(tt.data))
			require.Error(t, err)
			assert.Equal(t, domain.KindSchema, domain.KindOf(err))
		})
	}
}

func TestDecode_IgnoresUnknownFields(t *testing.T) {
	data := `{"schema_name":"Trigger","schema_version":1,"payload":{"latitude":1.5,"longitude":2.5,"radius":3,"favorites_only":true,"note":"extra"}}`

	got, _, err := Default().DecodeTrigger([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerMessage{Latitude: 1.5, Longitude: 2.5, Radius: 3, FavoritesOnly: true}, got)
}

func TestJSONSchema(t *testing.T) {
	r := Default()

	doc, err := r.JSONSchema(TriggerName, 1)
	require.NoError(t, err)
	assert.Equal(t, "Trigger", doc.Title)
	assert.ElementsMatch(t, []string{"latitude", "longitude", "radius", "favorites_only"}, doc.Required)
	assert.Equal(t, int64(86400), doc.Extras["x-retention-seconds"])

	doc, err = r.JSONSchema(FetchedItemsName, 1)
	require.NoError(t, err)
	checkedAt, ok := doc.Properties.Get("checked_at")
	require.True(t, ok)
	assert.Equal(t, "number", checkedAt.Type)

	_, err = r.JSONSchema("Nope", 1)
	assert.Error(t, err)
}

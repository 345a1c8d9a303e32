package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esgqa/qa-engine/internal/shared"
)

func TestEnvelopeRoundTripKeepsOrderingKey(t *testing.T) {
	active := "ds-2"
	env, err := NewEnvelope(QaStatusChange{DataID: "ds-1", UpdatedQaStatus: "Pending", CurrentlyActiveDataID: &active}, ActionUpdate, "c1|sfdr|2023", time.Unix(0, 0))
	require.NoError(t, err)
	require.NotEmpty(t, env.MessageID)
	require.Equal(t, "c1|sfdr|2023", env.OrderingKey)

	raw, err := Encode(env)
	require.NoError(t, err)
	decoded, msg, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, env.MessageID, decoded.MessageID)

	change, ok := msg.(QaStatusChange)
	require.True(t, ok)
	require.Equal(t, "ds-1", change.DataID)
	require.Equal(t, "ds-2", *change.CurrentlyActiveDataID)
}

func TestNewEnvelopeDefaultsOrderingKey(t *testing.T) {
	env, err := NewEnvelope(NonSourceable{CompanyID: "C1", DataType: "sfdr", ReportingPeriod: "2023"}, ActionPublish, "", time.Now())
	require.NoError(t, err)
	require.Equal(t, "c1|sfdr|2023", env.OrderingKey)

	_, err = NewEnvelope(QaCompleted{Identifier: "ds-1"}, ActionPublish, "", time.Now())
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestDecodeRejectsPoisonMessages(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"messageType":`,
		"unknown type":      `{"messageType":"Bogus","actionType":"Publish","payload":{}}`,
		"unknown action":    `{"messageType":"QaStatusChange","actionType":"Delete","payload":{"dataId":"d","updatedQaStatus":"Accepted"}}`,
		"missing action":    `{"messageType":"QaStatusChange","payload":{"dataId":"d","updatedQaStatus":"Accepted"}}`,
		"missing field":     `{"messageType":"QaCompleted","actionType":"Publish","payload":{"identifier":"d","reviewerId":"r"}}`,
		"bad status":        `{"messageType":"QaCompleted","actionType":"Publish","payload":{"identifier":"d","validationResult":"Maybe","reviewerId":"r"}}`,
		"bad optional enum": `{"messageType":"AutomatedQaCompleted","actionType":"Publish","payload":{"resourceId":"d","qaStatus":"Great","reviewerId":"r"}}`,
		"missing payload":   `{"messageType":"QaCompleted","actionType":"Publish"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode([]byte(raw))
			require.ErrorIs(t, err, shared.ErrMessageRejected)
		})
	}
}

func TestDecodeDerivesStableIDWhenMissing(t *testing.T) {
	a := `{"messageType":"ManualQaRequested","actionType":"Publish","payload":{"resourceId":"ds-1"}}`
	b := `{"messageType":"ManualQaRequested","actionType":"Publish","payload":{ "resourceId" : "ds-1" }}`
	envA, _, err := Decode([]byte(a))
	require.NoError(t, err)
	envB, _, err := Decode([]byte(b))
	require.NoError(t, err)
	require.Len(t, envA.MessageID, 64)
	require.Equal(t, envA.MessageID, envB.MessageID)

	c := `{"messageType":"ManualQaRequested","actionType":"Publish","payload":{"resourceId":"ds-2"}}`
	envC, _, err := Decode([]byte(c))
	require.NoError(t, err)
	require.NotEqual(t, envA.MessageID, envC.MessageID)
}

func TestAutomatedQaCompletedNilStatusSurvivesCodec(t *testing.T) {
	env, err := NewEnvelope(AutomatedQaCompleted{ResourceID: "dp-1", ReviewerID: "bot"}, ActionPublish, "", time.Now())
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	_, present := payload["qaStatus"]
	require.False(t, present)

	raw, err := Encode(env)
	require.NoError(t, err)
	_, msg, err := Decode(raw)
	require.NoError(t, err)
	require.Nil(t, msg.(AutomatedQaCompleted).QaStatus)
}

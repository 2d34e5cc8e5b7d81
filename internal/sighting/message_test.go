package sighting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	received := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	msg, err := ParseMessage([]byte(`{"data":{"hostName":" RDR1 ","antenna":1,"idHex":" d-tag-1 "}}`), received)
	require.NoError(t, err)
	assert.Equal(t, Message{ReaderCode: "RDR1", Antenna: 1, Tag: "d-tag-1", ObservedAt: received}, msg)
}

func TestParseMessage_Variants(t *testing.T) {
	received := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	msg, err := ParseMessage([]byte(`{"data":{"hostName":"RDR1","antenna":"2","idHex":"AB01"}}`), received)
	require.NoError(t, err)
	assert.Equal(t, 2, msg.Antenna)

	msg, err = ParseMessage([]byte(`{"data":{"hostName":"RDR1","antenna":0,"idHex":"AB01","timestamp":"2026-03-01T09:00:00-05:00"}}`), received)
	require.NoError(t, err)
	assert.True(t, msg.ObservedAt.Equal(received))
	assert.Equal(t, time.UTC, msg.ObservedAt.Location())

	msg, err = ParseMessage([]byte(`{"data":{"hostName":"RDR1","antenna":1,"idHex":"AB01","rssi":-40},"extra":true}`), received)
	require.NoError(t, err)
	assert.Equal(t, "AB01", msg.Tag)
}

func TestParseMessage_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `RDR1,1,D-TAG-1`},
		{"empty", ``},
		{"no data", `{"hostName":"RDR1","antenna":1,"idHex":"D-TAG-1"}`},
		{"null data", `{"data":null}`},
		{"missing hostName", `{"data":{"antenna":1,"idHex":"D-TAG-1"}}`},
		{"blank hostName", `{"data":{"hostName":"  ","antenna":1,"idHex":"D-TAG-1"}}`},
		{"missing antenna", `{"data":{"hostName":"RDR1","idHex":"D-TAG-1"}}`},
		{"null antenna", `{"data":{"hostName":"RDR1","antenna":null,"idHex":"D-TAG-1"}}`},
		{"fractional antenna", `{"data":{"hostName":"RDR1","antenna":1.5,"idHex":"D-TAG-1"}}`},
		{"negative antenna", `{"data":{"hostName":"RDR1","antenna":-1,"idHex":"D-TAG-1"}}`},
		{"text antenna", `{"data":{"hostName":"RDR1","antenna":"one","idHex":"D-TAG-1"}}`},
		{"missing idHex", `{"data":{"hostName":"RDR1","antenna":1}}`},
		{"empty idHex", `{"data":{"hostName":"RDR1","antenna":1,"idHex":""}}`},
		{"wrong idHex type", `{"data":{"hostName":"RDR1","antenna":1,"idHex":42}}`},
		{"bad timestamp", `{"data":{"hostName":"RDR1","antenna":1,"idHex":"D-TAG-1","timestamp":"yesterday"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.payload), time.Now())
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

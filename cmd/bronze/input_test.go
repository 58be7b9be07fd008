package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAlerts_JSONLines(t *testing.T) {
	in := `{"objectId":"ZTF21aaaaaaa","candid":1234567890123456789}
{"objectId":"ZTF21bbbbbbb"}

`
	raws, err := decodeAlerts(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, raws, 2)
	assert.Equal(t, "ZTF21bbbbbbb", raws[1]["objectId"])
	assert.Equal(t, json.Number("1234567890123456789"), raws[0]["candid"])
}

func TestDecodeAlerts_Array(t *testing.T) {
	raws, err := decodeAlerts(strings.NewReader("  \n[{\"objectId\":\"a\"},{\"objectId\":\"b\"}]"))
	require.NoError(t, err)
	assert.Len(t, raws, 2)
}

func TestDecodeAlerts_EmptyAndBroken(t *testing.T) {
	raws, err := decodeAlerts(strings.NewReader(" \n"))
	require.NoError(t, err)
	assert.Empty(t, raws)

	_, err = decodeAlerts(strings.NewReader("{\"objectId\":\"a\"}\n{broken"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record 2")
}

package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTag(t *testing.T) {
	cases := []struct {
		tag  string
		want Participant
	}{
		{"abc12-456", Participant{ID: "abc12", SSRC: "456"}},
		{"notahex-1", Participant{ID: "notahex-1"}},
		{"justatag", Participant{ID: "justatag"}},
		{"DEADBEEF-9", Participant{ID: "DEADBEEF", SSRC: "9"}},
	}
	for _, c := range cases {
		got := ParseTag(c.tag)
		assert.Equal(t, c.want, got, "tag=%s", c.tag)
		assert.Equal(t, c.want.HasSSRC(), got.HasSSRC())
	}
}

func TestParticipantMarshalOmitsEmptySSRC(t *testing.T) {
	b, err := json.Marshal(Participant{ID: "p1"})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"id":"p1"}`, string(b))

	b, err = json.Marshal(Participant{ID: "p1", SSRC: "99"})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"id":"p1","ssrc":"99"}`, string(b))
}

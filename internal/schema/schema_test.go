package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		payload string
		wantErr error
	}{
		{"identify ok", "identify", `{"subscribe":true,"clientName":"svc"}`, nil},
		{"identify missing subscribe", "identify", `{"clientName":"svc"}`, ErrInvalid},
		{"identify extra field", "identify", `{"subscribe":true,"bogus":1}`, ErrInvalid},
		{"register ok", "suspendRequestRegister", `{"clientId":"c1","register":true}`, nil},
		{"register empty clientId", "prepareSuspendRegister", `{"clientId":"","register":true}`, ErrInvalid},
		{"ack ok", "prepareSuspendAck", `{"clientId":"c1","ack":false}`, nil},
		{"ack wrong type", "suspendRequestAck", `{"clientId":"c1","ack":"yes"}`, ErrInvalid},
		{"activity ok", "activityStart", `{"id":"dl","duration_ms":500}`, nil},
		{"activity zero duration", "activityStart", `{"id":"dl","duration_ms":0}`, ErrInvalid},
		{"activity negative duration", "activityStart", `{"id":"dl","duration_ms":-1}`, ErrInvalid},
		{"activity fractional duration", "activityStart", `{"id":"dl","duration_ms":1.5}`, ErrInvalid},
		{"activity wrong id field", "activityStart", `{"activity_id":"dl","duration_ms":500}`, ErrInvalid},
		{"activity end ok", "activityEnd", `{"id":"dl"}`, nil},
		{"cancel ok", "clientCancelByName", `{"clientName":"svc"}`, nil},
		{"charger ok", "chargerStatus", `{"connected":false}`, nil},
		{"force suspend empty", "forceSuspend", ``, nil},
		{"force suspend reason", "forceSuspend", `{"reason":"maintenance"}`, nil},
		{"alarm add ok", "alarmAdd", `{"key":"calendar","app_id":"cal","in_s":300}`, nil},
		{"alarm add no key", "alarmAdd", `{"in_s":300}`, ErrInvalid},
		{"alarm add zero delay", "alarmAdd", `{"key":"calendar","in_s":0}`, ErrInvalid},
		{"alarm remove ok", "alarmRemove", `{"alarmId":7}`, nil},
		{"alarm remove missing id", "alarmRemove", `{}`, ErrInvalid},
		{"unparsable", "identify", `{"subscribe":`, ErrMalformed},
		{"not an object", "identify", `[1,2]`, ErrInvalid},
		{"unknown method passes", "somethingElse", `{"whatever":1}`, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.method, []byte(tc.payload))
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestKnown(t *testing.T) {
	assert.True(t, Known("identify"))
	assert.True(t, Known("activityStart"))
	assert.False(t, Known("status"))
}

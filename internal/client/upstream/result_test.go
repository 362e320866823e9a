package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantStatus    string
		wantCode      int
		wantMessage   string
		wantSucceeded bool
		wantAccepted  bool
		wantTxID      string
	}{
		{
			name:          "full envelope",
			status:        200,
			body:          `{"status":"success","code":201,"message":"created","transactionId":"tx-1","shipId":"s-1","data":{"id":"p-1"}}`,
			wantStatus:    "success",
			wantCode:      201,
			wantMessage:   "created",
			wantSucceeded: true,
			wantTxID:      "tx-1",
		},
		{
			name:          "missing code and status",
			status:        202,
			body:          `{"transactionId":"tx-2"}`,
			wantStatus:    "success",
			wantCode:      202,
			wantSucceeded: true,
			wantAccepted:  true,
			wantTxID:      "tx-2",
		},
		{
			name:          "empty body",
			status:        204,
			body:          "",
			wantStatus:    "success",
			wantCode:      204,
			wantMessage:   "No Content",
			wantSucceeded: true,
		},
		{
			name:          "non-JSON success",
			status:        200,
			body:          "OK",
			wantStatus:    "success",
			wantCode:      200,
			wantMessage:   "OK",
			wantSucceeded: true,
		},
		{
			name:        "error status in a 200 body",
			status:      200,
			body:        `{"status":"error","code":404,"message":"not found"}`,
			wantStatus:  "error",
			wantCode:    404,
			wantMessage: "not found",
		},
		{
			name:        "error field",
			status:      400,
			body:        `{"error":"invalid resource"}`,
			wantStatus:  "error",
			wantCode:    400,
			wantMessage: "invalid resource",
		},
		{
			name:        "title field",
			status:      422,
			body:        `{"title":"Unprocessable"}`,
			wantStatus:  "error",
			wantCode:    422,
			wantMessage: "Unprocessable",
		},
		{
			name:        "plain text error",
			status:      502,
			body:        "bad gateway from proxy",
			wantStatus:  "error",
			wantCode:    502,
			wantMessage: "bad gateway from proxy",
		},
		{
			name:        "empty error body",
			status:      503,
			body:        "",
			wantStatus:  "error",
			wantCode:    503,
			wantMessage: "Service Unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := normalize(tt.status, []byte(tt.body))
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantCode, res.Code)
			assert.Equal(t, tt.wantMessage, res.Message)
			assert.Equal(t, tt.wantSucceeded, res.Succeeded())
			assert.Equal(t, tt.wantAccepted, res.Accepted())
			assert.Equal(t, tt.wantTxID, res.TransactionID)
		})
	}
}

func TestNormalize_TruncatesLongMessages(t *testing.T) {
	body := make([]byte, 2000)
	for i := range body {
		body[i] = 'x'
	}
	res := normalize(500, body)
	assert.Len(t, res.Message, maxMessageLen)
}

func TestResult_ResourceID(t *testing.T) {
	res := normalize(201, []byte(`{"data":{"id":"p-9","resourceType":"Patient"}}`))
	assert.Equal(t, "p-9", res.ResourceID())

	res = normalize(201, []byte(`{"data":[1,2]}`))
	assert.Empty(t, res.ResourceID())
}

package upstream

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
)

const maxMessageLen = 500

// Result is the normalized upstream response. HTTP error statuses are
// reported here rather than as Go errors.
type Result struct {
	Status        string          `json:"status"`
	Code          int             `json:"code"`
	Message       string          `json:"message,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
	ShipID        string          `json:"shipId,omitempty"`
}

// Succeeded reports a 2xx code without an error status in the body.
func (r *Result) Succeeded() bool {
	if r.Code < 200 || r.Code >= 300 {
		return false
	}
	switch strings.ToLower(r.Status) {
	case "error", "failed", "failure", "fail":
		return false
	}
	return true
}

// Accepted reports that upstream took the request for asynchronous
// processing; the final outcome arrives by callback or probe.
func (r *Result) Accepted() bool {
	return r.Succeeded() && r.Code == http.StatusAccepted
}

// NotFound reports a 404 from upstream.
func (r *Result) NotFound() bool {
	return r.Code == http.StatusNotFound
}

// ResourceID returns data.id when upstream echoed the stored resource.
func (r *Result) ResourceID() string {
	if len(r.Data) == 0 {
		return ""
	}
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(r.Data, &v); err != nil {
		return ""
	}
	return v.ID
}

// Raw returns the result re-encoded as JSON for storage on the record.
func (r *Result) Raw() json.RawMessage {
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return b
}

type wireResult struct {
	Status        string          `json:"status"`
	Code          int             `json:"code"`
	Message       string          `json:"message"`
	Data          json.RawMessage `json:"data"`
	TransactionID string          `json:"transactionId"`
	ShipID        string          `json:"shipId"`
	Error         string          `json:"error"`
	Title         string          `json:"title"`
}

// normalize turns an HTTP status and body into a Result.
func normalize(status int, raw []byte) *Result {
	body := bytes.TrimSpace(raw)
	isJSON := len(body) > 0 && json.Valid(body)

	var w wireResult
	parsed := isJSON && body[0] == '{' && json.Unmarshal(body, &w) == nil

	if status >= 200 && status < 300 {
		if !parsed {
			res := &Result{Status: "success", Code: status, Message: http.StatusText(status)}
			if isJSON {
				res.Data = json.RawMessage(body)
			}
			return res
		}
		res := &Result{
			Status:        w.Status,
			Code:          w.Code,
			Message:       w.Message,
			Data:          w.Data,
			TransactionID: w.TransactionID,
			ShipID:        w.ShipID,
		}
		if res.Code == 0 {
			res.Code = status
		}
		if res.Status == "" {
			res.Status = "success"
		}
		return res
	}

	res := &Result{Status: "error", Code: status}
	switch {
	case parsed && w.Message != "":
		res.Message = w.Message
	case parsed && w.Error != "":
		res.Message = w.Error
	case parsed && w.Title != "":
		res.Message = w.Title
	case len(body) > 0 && !isJSON:
		res.Message = truncate(string(body), maxMessageLen)
	default:
		res.Message = http.StatusText(status)
	}
	if parsed {
		res.TransactionID = w.TransactionID
		res.ShipID = w.ShipID
		res.Data = w.Data
	} else if isJSON {
		res.Data = json.RawMessage(body)
	}
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

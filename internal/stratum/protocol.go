package stratum

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/bardlex/kawpool/internal/job"
	"github.com/bardlex/kawpool/internal/pow"
	"github.com/bardlex/kawpool/internal/validation"
)

// Message is an inbound Stratum JSON-RPC line.
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  any    `json:"error,omitempty"`
}

// Response answers a request. Both result and error are always present on
// the wire.
type Response struct {
	ID     any `json:"id"`
	Result any `json:"result"`
	Error  any `json:"error"`
}

// Notification is a server-initiated message.
type Notification struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Stratum error codes. The share codes are shared with the validator.
const (
	ErrorOther          = validation.CodeOther
	ErrorJobNotFound    = validation.CodeJobNotFound
	ErrorDuplicateShare = validation.CodeDuplicate
	ErrorLowDifficulty  = validation.CodeLowDifficulty
	ErrorUnauthorized   = validation.CodeUnauthorized
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Methods
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodNotify              = "mining.notify"
	MethodSetTarget           = "mining.set_target"
)

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// AuthorizeRequest represents a mining.authorize request. Username is
// "address" or "address.worker".
type AuthorizeRequest struct {
	Username string
	Password string
	Address  string
	Worker   string
}

// SubmitRequest is a KawPow mining.submit:
// [worker, jobId, nonce, headerHash, mixHash].
type SubmitRequest struct {
	Worker     string
	JobID      string
	Nonce      string
	HeaderHash string
	MixHash    string
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalLine encodes v as one newline-terminated line.
func MarshalLine(v any) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	if err := sonic.ConfigDefault.NewEncoder(buf).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

func NewResponse(id, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewErrorResponse renders the error as [code, message, null].
func NewErrorResponse(id any, code int, message string) *Response {
	return &Response{ID: id, Error: []any{code, message, nil}}
}

// NewShareResponse answers a mining.submit with the validator's verdict.
func NewShareResponse(id any, res validation.Result) *Response {
	if res.Error != nil {
		return &Response{ID: id, Error: res.Stratum()}
	}
	return &Response{ID: id, Result: true}
}

func NewNotification(method string, params []any) *Notification {
	return &Notification{Method: method, Params: params}
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParseSubscribeRequest parses mining.subscribe parameters. Both are optional.
func ParseSubscribeRequest(params []any) *SubscribeRequest {
	req := &SubscribeRequest{}
	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}
	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}
	return req
}

// ParseAuthorizeRequest parses mining.authorize parameters. The password is
// optional.
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok || username == "" {
		return nil, fmt.Errorf("username must be a non-empty string")
	}

	req := &AuthorizeRequest{Username: username}
	if len(params) > 1 {
		if password, ok := params[1].(string); ok {
			req.Password = password
		}
	}

	req.Address, req.Worker, _ = strings.Cut(username, ".")
	if req.Worker == "" {
		req.Worker = "default"
	}
	return req, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	fields := make([]string, 5)
	names := [...]string{"worker", "job_id", "nonce", "header_hash", "mix_hash"}
	for i, name := range names {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", name)
		}
		fields[i] = s
	}

	return &SubmitRequest{
		Worker:     fields[0],
		JobID:      fields[1],
		Nonce:      fields[2],
		HeaderHash: fields[3],
		MixHash:    fields[4],
	}, nil
}

// NotifyParams renders mining.notify for j with the session's share target:
// [jobId, headerHash, seedHash, target, cleanJobs, height, bits].
func NotifyParams(j *job.Job, difficulty float64) []any {
	return []any{
		j.IDHex(),
		j.HeaderHashHex(),
		j.SeedHashHex(),
		pow.TargetHex(pow.DifficultyToTarget(difficulty)),
		j.CleanJobs,
		j.Height,
		j.Bits,
	}
}

// SetTargetParams renders mining.set_target for a difficulty.
func SetTargetParams(difficulty float64) []any {
	return []any{pow.TargetHex(pow.DifficultyToTarget(difficulty))}
}

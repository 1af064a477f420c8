package host

import (
	"strings"
	"time"
)

// Key-value records

type KeyArgs struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

type SetArgs struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Value  []byte `json:"value"`
	TTLMs  int64  `json:"ttl_ms,omitempty"`
}

type KeysArgs struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix,omitempty"`
}

type ValueResult struct {
	Value []byte `json:"value"`
}

// Messaging records

type Message struct {
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type PublishArgs struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

type SubscribeArgs struct {
	Topic     string `json:"topic"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// Blob records

type BlobArgs struct {
	Container string `json:"container"`
	Name      string `json:"name"`
}

type BlobPutArgs struct {
	Container string `json:"container"`
	Name      string `json:"name"`
	Data      []byte `json:"data"`
}

type BlobListArgs struct {
	Container string `json:"container"`
	Prefix    string `json:"prefix,omitempty"`
}

// BlobInfo carries the reserved metadata fields of a stored object.
type BlobInfo struct {
	Container string    `json:"container"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Modified  time.Time `json:"modified"`
}

// SQL records

type StatementArgs struct {
	Database  string  `json:"database"`
	Statement string  `json:"statement"`
	Params    []Value `json:"params,omitempty"`
}

// Field is one named column value of a row.
type Field struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Row is one result row in column order.
type Row struct {
	Index  int     `json:"index"`
	Fields []Field `json:"fields"`
}

// Get returns the value of the named field. Names compare case-insensitively.
func (r Row) Get(name string) (Value, bool) {
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return Value{}, false
}

type ExecResult struct {
	Affected int64 `json:"affected"`
}

// Vault records

type IssueArgs struct {
	Subject  string `json:"subject"`
	Audience string `json:"audience,omitempty"`
	TTLMs    int64  `json:"ttl_ms,omitempty"`
}

type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ValidateArgs struct {
	Token string `json:"token"`
}

type Claims struct {
	ID        string    `json:"jti"`
	Subject   string    `json:"sub"`
	Audience  string    `json:"aud,omitempty"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

type SecretArgs struct {
	Name string `json:"name"`
}

type PutSecretArgs struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"strings"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

// DefaultVolatileFields are caller clock and nonce fields stripped before hashing.
var DefaultVolatileFields = []string{"timestamp", "ts", "nonce", "request_id", "requestId", "client_time", "sent_at"}

// Fingerprinter digests the logically significant parts of a request.
type Fingerprinter struct {
	volatile map[string]struct{}
}

// NewFingerprinter strips the given fields at any depth of a JSON body.
// A nil slice uses DefaultVolatileFields; an empty one strips nothing.
func NewFingerprinter(volatileFields []string) *Fingerprinter {
	if volatileFields == nil {
		volatileFields = DefaultVolatileFields
	}
	f := &Fingerprinter{volatile: make(map[string]struct{}, len(volatileFields))}
	for _, name := range volatileFields {
		if name = strings.TrimSpace(name); name != "" {
			f.volatile[name] = struct{}{}
		}
	}
	return f
}

// Fingerprint never fails: a body that is not valid JSON is hashed as raw bytes.
func (f *Fingerprinter) Fingerprint(req Request) idempotencyport.Fingerprint {
	route := req.Route
	if route == "" {
		route = req.Path
	}

	h := sha256.New()
	writeField(h, domain.NormalizeMethod(req.Method))
	writeField(h, route)
	writeField(h, string(req.Tenant))
	writeField(h, string(req.Subject))
	writeField(h, req.Key)
	writeField(h, mediaType(req.ContentType))
	if canon, ok := f.canonicalJSON(req.Body); ok {
		writeField(h, "json")
		writeBytes(h, canon)
	} else {
		writeField(h, "raw")
		writeBytes(h, req.Body)
	}
	return idempotencyport.Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// canonicalJSON re-encodes body with sorted keys and volatile fields removed.
// Numbers keep their literal text so 1.0 and 1 stay distinct.
func (f *Fingerprinter) canonicalJSON(body []byte) ([]byte, bool) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		// Trailing data after the first value.
		return nil, false
	}
	// encoding/json sorts map keys, which makes the encoding order independent.
	out, err := json.Marshal(f.strip(v))
	if err != nil {
		return nil, false
	}
	return out, true
}

func (f *Fingerprinter) strip(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, drop := f.volatile[k]; drop {
				delete(t, k)
				continue
			}
			t[k] = f.strip(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = f.strip(child)
		}
		return t
	default:
		return v
	}
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// Fields are length-prefixed so that ("ab","c") and ("a","bc") never collide.
func writeField(w io.Writer, s string) {
	writeBytes(w, []byte(s))
}

func writeBytes(w io.Writer, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	_, _ = w.Write(n[:])
	_, _ = w.Write(b)
}

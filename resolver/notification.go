package resolver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Field aliases seen across payment providers. The first non-empty value wins.
var (
	orderFields     = []string{"order_id", "orderId", "order", "merchant_order_id", "label", "InvId", "object.metadata.order_id"}
	noteFields      = []string{"customer_note", "comment", "note", "description", "message", "object.description"}
	statusFields    = []string{"status", "payment_status", "state", "object.status"}
	amountFields    = []string{"amount", "sum", "OutSum", "withdraw_amount", "object.amount.value"}
	currencyFields  = []string{"currency", "object.amount.currency"}
	paymentIDFields = []string{"payment_id", "transaction_id", "operation_id", "id", "object.id"}
	signatureFields = []string{"signature", "sign", "hash"}
)

var successStatuses = map[string]bool{
	"success":   true,
	"succeeded": true,
	"paid":      true,
	"completed": true,
	"ok":        true,
	"true":      true,
	"1":         true,
}

// Notification is the raw, untrusted body of a payment webhook flattened to string
// fields. Nested JSON objects become dotted keys ("object.metadata.order_id").
type Notification struct {
	Fields    map[string]string
	Signature string
	Raw       []byte
}

// ParseNotification decodes a webhook body. JSON objects and form bodies are both
// accepted; an unknown content type is tried as JSON first, then as a form.
func ParseNotification(contentType string, body []byte, signature string) (Notification, error) {
	n := Notification{Signature: strings.TrimSpace(signature), Raw: body}

	mediaType, params, _ := mime.ParseMediaType(contentType)
	var err error
	switch mediaType {
	case "application/json":
		n.Fields, err = parseJSONFields(body)
	case "application/x-www-form-urlencoded":
		n.Fields, err = parseFormFields(body)
	case "multipart/form-data":
		n.Fields, err = parseMultipartFields(body, params["boundary"])
	default:
		n.Fields, err = parseJSONFields(body)
		if err != nil {
			n.Fields, err = parseFormFields(body)
		}
	}
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(n.Fields) == 0 {
		return n, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}
	return n, nil
}

// NewNotification builds a notification from already decoded fields.
func NewNotification(fields map[string]string, signature string) Notification {
	return Notification{Fields: fields, Signature: signature}
}

func parseJSONFields(body []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(obj))
	flatten("", obj, out)
	return out, nil
}

func flatten(prefix string, obj map[string]any, out map[string]string) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case string:
			out[key] = val
		case json.Number:
			out[key] = val.String()
		case bool:
			out[key] = strconv.FormatBool(val)
		case nil:
			out[key] = ""
		default:
			b, _ := json.Marshal(val)
			out[key] = string(b)
		}
	}
}

func parseFormFields(body []byte) (map[string]string, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	return firstValues(values), nil
}

func parseMultipartFields(body []byte, boundary string) (map[string]string, error) {
	if boundary == "" {
		return nil, fmt.Errorf("multipart body without boundary")
	}
	form, err := multipart.NewReader(bytes.NewReader(body), boundary).ReadForm(1 << 20)
	if err != nil {
		return nil, err
	}
	defer form.RemoveAll()
	return firstValues(form.Value), nil
}

func firstValues(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func (n Notification) lookup(aliases []string) string {
	for _, k := range aliases {
		if v := strings.TrimSpace(n.Fields[k]); v != "" {
			return v
		}
	}
	return ""
}

func (n Notification) OrderID() string   { return n.lookup(orderFields) }
func (n Notification) Note() string      { return n.lookup(noteFields) }
func (n Notification) Status() string    { return n.lookup(statusFields) }
func (n Notification) Amount() string    { return n.lookup(amountFields) }
func (n Notification) Currency() string  { return n.lookup(currencyFields) }
func (n Notification) PaymentID() string { return n.lookup(paymentIDFields) }

// Succeeded reports whether the status flag carries one of the success values.
func (n Notification) Succeeded() bool {
	return successStatuses[strings.ToLower(n.Status())]
}

// signature returns the header signature, or the one embedded in the body.
func (n Notification) signature() string {
	if n.Signature != "" {
		return n.Signature
	}
	return n.lookup(signatureFields)
}

// Canonical is the string the provider signs: every non-signature field sorted by
// key, rendered as key=value and joined with "&".
func (n Notification) Canonical() string {
	return canonicalize(n.Fields)
}

func canonicalize(fields map[string]string) string {
	skip := make(map[string]bool, len(signatureFields))
	for _, f := range signatureFields {
		skip[f] = true
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}

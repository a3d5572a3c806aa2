// Package cloud defines the remote record store boundary.
//
// Everything the sync layer knows about the remote service is expressed
// through the Store interface and the value types in this package: records
// with ordered field maps, opaque query cursors, subscriptions and change
// notifications. Concrete stores live in subpackages (memstore, sqlstore).
package cloud

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordID identifies a remote record.
type RecordID string

// Well-known record types.
const (
	TypeRootNode    = "RootNode"
	TypeProjectNode = "ProjectNode"
	TypeUser        = "Users"
)

// Well-known field keys.
const (
	KeyDisplayName           = "displayName"
	KeyParent                = "parent"
	KeyType                  = "type"
	KeyRepresentedObjectInfo = "representedObjectInfo"
	KeyRepresentedObject     = "representedObject"
	KeyAdministrator         = "administrator"
)

// Values of the KeyType field.
const (
	NodeTypeGroup     int64 = 2
	NodeTypeStructure int64 = 3
)

// ChildKeys are the desired keys for child listings. Heavy payloads are
// never part of a listing.
var ChildKeys = []string{KeyDisplayName, KeyParent, KeyType, KeyRepresentedObjectInfo}

// RootKeys are the desired keys for root listings.
var RootKeys = []string{KeyDisplayName, KeyType}

// Reference is a field value pointing at another record.
type Reference struct {
	ID RecordID
}

// AssetRef refers to a large payload fetched separately from its record.
type AssetRef struct {
	Key  string
	Size int64
}

// Field is one key/value pair of a record.
type Field struct {
	Key   string
	Value any
}

// Fields is an ordered field map. Supported value types are string, int64,
// float64, bool, []byte and Reference.
type Fields []Field

// Get returns the value stored under key.
func (f Fields) Get(key string) (any, bool) {
	for _, kv := range f {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// Set replaces the value under key, appending it when absent.
func (f *Fields) Set(key string, value any) {
	for i := range *f {
		if (*f)[i].Key == key {
			(*f)[i].Value = value
			return
		}
	}
	*f = append(*f, Field{Key: key, Value: value})
}

// String returns the string value under key, or "".
func (f Fields) String(key string) string {
	v, _ := f.Get(key)
	s, _ := v.(string)
	return s
}

// Int returns the integer value under key.
func (f Fields) Int(key string) (int64, bool) {
	v, ok := f.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// Bytes returns the byte value under key, or nil.
func (f Fields) Bytes(key string) []byte {
	v, _ := f.Get(key)
	b, _ := v.([]byte)
	return b
}

// Ref returns the record referenced under key.
func (f Fields) Ref(key string) (RecordID, bool) {
	v, ok := f.Get(key)
	if !ok {
		return "", false
	}
	r, ok := v.(Reference)
	return r.ID, ok
}

// Keys returns the keys in order.
func (f Fields) Keys() []string {
	keys := make([]string, len(f))
	for i, kv := range f {
		keys[i] = kv.Key
	}
	return keys
}

// Project returns the subset of fields named by keys, in record order.
// A nil keys slice returns a copy of every field.
func (f Fields) Project(keys []string) Fields {
	if keys == nil {
		return f.Clone()
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	out := make(Fields, 0, len(keys))
	for _, kv := range f {
		if want[kv.Key] {
			out = append(out, Field{Key: kv.Key, Value: cloneValue(kv.Value)})
		}
	}
	return out
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for i, kv := range f {
		out[i] = Field{Key: kv.Key, Value: cloneValue(kv.Value)}
	}
	return out
}

func cloneValue(v any) any {
	if b, ok := v.([]byte); ok {
		return append([]byte(nil), b...)
	}
	return v
}

type wireField struct {
	Key  string          `json:"k"`
	Kind string          `json:"t"`
	Data json.RawMessage `json:"v"`
}

// MarshalJSON encodes the fields as a tagged list so value types survive a
// round trip.
func (f Fields) MarshalJSON() ([]byte, error) {
	out := make([]wireField, 0, len(f))
	for _, kv := range f {
		var kind string
		var v any = kv.Value
		switch x := kv.Value.(type) {
		case string:
			kind = "s"
		case int64:
			kind = "i"
		case int:
			kind, v = "i", int64(x)
		case float64:
			kind = "f"
		case bool:
			kind = "b"
		case []byte:
			kind = "d"
		case Reference:
			kind, v = "r", string(x.ID)
		default:
			return nil, fmt.Errorf("field %q: unsupported value type %T", kv.Key, kv.Value)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", kv.Key, err)
		}
		out = append(out, wireField{Key: kv.Key, Kind: kind, Data: data})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the tagged list written by MarshalJSON.
func (f *Fields) UnmarshalJSON(data []byte) error {
	var in []wireField
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := make(Fields, 0, len(in))
	for _, w := range in {
		var err error
		var v any
		switch w.Kind {
		case "s":
			var s string
			err = json.Unmarshal(w.Data, &s)
			v = s
		case "i":
			var n int64
			err = json.Unmarshal(w.Data, &n)
			v = n
		case "f":
			var n float64
			err = json.Unmarshal(w.Data, &n)
			v = n
		case "b":
			var b bool
			err = json.Unmarshal(w.Data, &b)
			v = b
		case "d":
			var b []byte
			err = json.Unmarshal(w.Data, &b)
			v = b
		case "r":
			var s string
			err = json.Unmarshal(w.Data, &s)
			v = Reference{ID: RecordID(s)}
		default:
			err = fmt.Errorf("unknown kind %q", w.Kind)
		}
		if err != nil {
			return fmt.Errorf("field %q: %w", w.Key, err)
		}
		out = append(out, Field{Key: w.Key, Value: v})
	}
	*f = out
	return nil
}

// Record is a remote record.
type Record struct {
	ID       RecordID
	Type     string
	Fields   Fields
	Asset    *AssetRef
	Creator  RecordID
	Modified time.Time
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = r.Fields.Clone()
	if r.Asset != nil {
		a := *r.Asset
		c.Asset = &a
	}
	return &c
}

// DisplayName returns the displayName field.
func (r *Record) DisplayName() string { return r.Fields.String(KeyDisplayName) }

// Parent returns the record referenced by the parent field.
func (r *Record) Parent() (RecordID, bool) { return r.Fields.Ref(KeyParent) }

// Cursor is an opaque continuation token for a query. It is only valid for
// the store session that produced it.
type Cursor struct {
	Token     string
	Remaining int
	Session   string
}

// Query selects records of one type, optionally restricted to the children
// of a parent record.
type Query struct {
	RecordType  string
	Parent      *RecordID
	SortKey     string
	Descending  bool
	DesiredKeys []string
}

// QueryRequest asks for one page of a query. When Cursor is set the store
// continues after the last record it delivered for that cursor.
type QueryRequest struct {
	Query  Query
	Cursor *Cursor
	Limit  int
}

// Page is one page of query results. Cursor is nil when the query is
// exhausted.
type Page struct {
	Records []*Record
	Cursor  *Cursor
}

// Reason is the kind of change a notification reports.
type Reason int

const (
	ReasonCreated Reason = iota + 1
	ReasonUpdated
	ReasonDeleted
)

// String returns a human-readable representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonCreated:
		return "created"
	case ReasonUpdated:
		return "updated"
	case ReasonDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ParseReason parses the String form of a Reason.
func ParseReason(s string) (Reason, error) {
	switch s {
	case "created":
		return ReasonCreated, nil
	case "updated":
		return ReasonUpdated, nil
	case "deleted":
		return ReasonDeleted, nil
	}
	return 0, fmt.Errorf("unknown notification reason %q", s)
}

// Subscription is a standing request for change notifications.
type Subscription struct {
	ID          string
	RecordType  string
	Reasons     []Reason
	DesiredKeys []string
}

// Notification reports one change matching a subscription.
type Notification struct {
	ID             string
	SubscriptionID string
	Reason         Reason
	RecordID       RecordID
	Fields         Fields
	Received       time.Time
}

// AccountStatus is the state of the user's remote account.
type AccountStatus int

const (
	AccountCouldNotDetermine AccountStatus = iota
	AccountAvailable
	AccountRestricted
	AccountNoAccount
)

// String returns a human-readable representation of the status.
func (s AccountStatus) String() string {
	switch s {
	case AccountAvailable:
		return "available"
	case AccountRestricted:
		return "restricted"
	case AccountNoAccount:
		return "no account"
	default:
		return "could not determine"
	}
}

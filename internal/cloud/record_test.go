package cloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsProjectKeepsRecordOrder(t *testing.T) {
	var f Fields
	f.Set(KeyType, NodeTypeGroup)
	f.Set(KeyDisplayName, "CoRE MOF")
	f.Set(KeyRepresentedObject, []byte{1, 2, 3})
	f.Set(KeyParent, Reference{ID: "root"})
	f.Set(KeyDisplayName, "CoRE MOF v1.0")

	got := f.Project(ChildKeys)
	assert.Equal(t, []string{KeyType, KeyDisplayName, KeyParent}, got.Keys())
	assert.Equal(t, "CoRE MOF v1.0", got.String(KeyDisplayName))

	parent, ok := got.Ref(KeyParent)
	require.True(t, ok)
	assert.Equal(t, RecordID("root"), parent)

	n, ok := got.Int(KeyType)
	require.True(t, ok)
	assert.Equal(t, NodeTypeGroup, n)
}

func TestFieldsCloneIsDeep(t *testing.T) {
	f := Fields{{Key: "blob", Value: []byte("abc")}}
	c := f.Clone()
	c.Bytes("blob")[0] = 'x'
	assert.Equal(t, "abc", string(f.Bytes("blob")))
}

func TestFieldsJSONPreservesTypes(t *testing.T) {
	f := Fields{
		{Key: "s", Value: "text"},
		{Key: "i", Value: int64(42)},
		{Key: "d", Value: []byte{0, 1}},
		{Key: "r", Value: Reference{ID: "p"}},
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var back Fields
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, f, back)

	_, err = json.Marshal(Fields{{Key: "bad", Value: struct{}{}}})
	assert.Error(t, err)
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("fetch: %w", &Error{Code: CodeUnknownItem, RecordID: "x"})
	assert.True(t, errors.Is(err, ErrUnknownItem))

	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeUnknownItem, code)

	_, ok = CodeOf(errors.New("plain"))
	assert.False(t, ok)

	e := &Error{Code: CodeZoneBusy, RetryAfter: "2.5"}
	assert.Equal(t, "zone busy (retry after 2.5s)", e.Error())
}

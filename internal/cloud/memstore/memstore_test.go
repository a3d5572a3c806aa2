package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iraspa/projectsync/internal/cloud"
)

func child(id, name string, parent cloud.RecordID) *cloud.Record {
	return &cloud.Record{
		ID:   cloud.RecordID(id),
		Type: cloud.TypeProjectNode,
		Fields: cloud.Fields{
			{Key: cloud.KeyDisplayName, Value: name},
			{Key: cloud.KeyParent, Value: cloud.Reference{ID: parent}},
			{Key: cloud.KeyType, Value: cloud.NodeTypeStructure},
			{Key: cloud.KeyRepresentedObject, Value: []byte("heavy")},
		},
	}
}

func childQuery(parent cloud.RecordID) cloud.Query {
	return cloud.Query{
		RecordType:  cloud.TypeProjectNode,
		Parent:      &parent,
		SortKey:     cloud.KeyDisplayName,
		DesiredKeys: cloud.ChildKeys,
	}
}

func TestQueryPagesInSortOrder(t *testing.T) {
	s := New(Config{PageSize: 2})
	s.Put(child("c", "charlie", "p"), child("a", "alpha", "p"), child("b", "bravo", "p"), child("x", "other", "q"))
	ctx := context.Background()

	page, err := s.Query(ctx, cloud.QueryRequest{Query: childQuery("p")})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "alpha", page.Records[0].DisplayName())
	assert.Equal(t, "bravo", page.Records[1].DisplayName())
	require.NotNil(t, page.Cursor)
	assert.Equal(t, 1, page.Cursor.Remaining)
	_, heavy := page.Records[0].Fields.Get(cloud.KeyRepresentedObject)
	assert.False(t, heavy, "desired keys must exclude the payload")

	page, err = s.Query(ctx, cloud.QueryRequest{Query: childQuery("p"), Cursor: page.Cursor})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "charlie", page.Records[0].DisplayName())
	assert.Nil(t, page.Cursor)
}

func TestQueryPartialFault(t *testing.T) {
	s := New(Config{PageSize: 3})
	for i := 0; i < 5; i++ {
		s.Put(child(fmt.Sprintf("r%d", i), fmt.Sprintf("n%d", i), "p"))
	}
	busy := &cloud.Error{Code: cloud.CodeZoneBusy}
	s.Inject(func(c Call) error {
		if c.Method == MethodQuery && c.N == 1 {
			return &PartialError{Deliver: 1, Err: busy}
		}
		return nil
	})

	page, err := s.Query(context.Background(), cloud.QueryRequest{Query: childQuery("p")})
	assert.Same(t, busy, err)
	require.NotNil(t, page)
	require.Len(t, page.Records, 1)
	require.NotNil(t, page.Cursor)
	assert.Equal(t, 4, page.Cursor.Remaining)
}

func TestResetSessionInvalidatesCursor(t *testing.T) {
	s := New(Config{PageSize: 1})
	s.Put(child("a", "a", "p"), child("b", "b", "p"))
	page, err := s.Query(context.Background(), cloud.QueryRequest{Query: childQuery("p")})
	require.NoError(t, err)

	s.ResetSession()
	_, err = s.Query(context.Background(), cloud.QueryRequest{Query: childQuery("p"), Cursor: page.Cursor})
	code, ok := cloud.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, cloud.CodeChangeTokenExpired, code)
}

func TestSaveRecordsIsNonAtomic(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.SaveSubscription(context.Background(), cloud.Subscription{
		ID:          "projects",
		RecordType:  cloud.TypeProjectNode,
		Reasons:     []cloud.Reason{cloud.ReasonCreated},
		DesiredKeys: []string{cloud.KeyDisplayName, cloud.KeyParent},
	}))

	var notes []cloud.Notification
	unregister := s.Listen(func(n cloud.Notification) { notes = append(notes, n) })
	defer unregister()

	denied := errors.New("denied")
	s.Inject(func(c Call) error {
		if c.Method == MethodSaveRecord && c.IDs[0] == "bad" {
			return denied
		}
		return nil
	})

	saved, failures, err := s.SaveRecords(context.Background(),
		[]*cloud.Record{child("good", "good", "p"), child("bad", "bad", "p")},
		map[cloud.RecordID][]byte{"good": []byte("payload")})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, cloud.RecordID("good"), saved[0].ID)
	assert.Equal(t, cloud.RecordID("_user"), saved[0].Creator)
	require.NotNil(t, saved[0].Asset)
	assert.ErrorIs(t, failures["bad"], denied)

	require.Len(t, notes, 1)
	assert.Equal(t, cloud.ReasonCreated, notes[0].Reason)
	assert.Equal(t, "projects", notes[0].SubscriptionID)
	assert.Equal(t, []string{cloud.KeyDisplayName, cloud.KeyParent}, notes[0].Fields.Keys())

	data, err := s.FetchAsset(context.Background(), *saved[0].Asset, nil)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// Updates do not match a created-only subscription.
	_, _, err = s.SaveRecords(context.Background(), []*cloud.Record{child("good", "renamed", "p")}, nil)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestFetchRecordsReportsMissing(t *testing.T) {
	s := New(Config{Administrator: true})
	s.Put(child("a", "a", "p"))

	found, failures, err := s.FetchRecords(context.Background(), []cloud.RecordID{"a", "missing", "_user"}, nil, nil)
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.ErrorIs(t, failures["missing"], cloud.ErrUnknownItem)

	admin, ok := found["_user"].Fields.Int(cloud.KeyAdministrator)
	require.True(t, ok)
	assert.EqualValues(t, 1, admin)
}

func TestCancelledContext(t *testing.T) {
	s := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.AccountStatus(ctx)
	code, _ := cloud.CodeOf(err)
	assert.Equal(t, cloud.CodeOperationCancelled, code)
	assert.ErrorIs(t, err, context.Canceled)
}

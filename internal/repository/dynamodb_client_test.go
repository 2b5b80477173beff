package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"support-chat/internal/domain"
)

type fakeDynamo struct {
	getOut   *dynamodb.GetItemOutput
	getErr   error
	putErr   error
	queryOut *dynamodb.QueryOutput
	queryErr error
	txErr    error

	lastGet   *dynamodb.GetItemInput
	lastPut   *dynamodb.PutItemInput
	lastQuery *dynamodb.QueryInput
	lastTx    *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGet = in
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.getOut == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return f.getOut, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPut = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQuery = in
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.queryOut == nil {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.queryOut, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTx = in
	if f.txErr != nil {
		return nil, f.txErr
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func strVal(t *testing.T, item map[string]types.AttributeValue, key string) string {
	t.Helper()
	v, ok := item[key].(*types.AttributeValueMemberS)
	require.True(t, ok, "attribute %q", key)
	return v.Value
}

func msgItemFixture(ts time.Time, id, role, content string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: "CONV#tok-1"},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(ts, id)},
		"id":             &types.AttributeValueMemberS{Value: id},
		"conversationId": &types.AttributeValueMemberS{Value: "conv-1"},
		"role":           &types.AttributeValueMemberS{Value: role},
		"content":        &types.AttributeValueMemberS{Value: content},
		"createdAt":      &types.AttributeValueMemberS{Value: ts.UTC().Format(time.RFC3339Nano)},
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "table")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

func TestCreate_WritesMetaItem(t *testing.T) {
	api := &fakeDynamo{}
	c, err := New(api, "chat-state")
	require.NoError(t, err)

	conv, err := c.Create(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	require.NotEmpty(t, conv.SessionToken)
	require.NotEqual(t, conv.ID, conv.SessionToken)

	require.NotNil(t, api.lastPut)
	require.Equal(t, "chat-state", *api.lastPut.TableName)
	require.Contains(t, *api.lastPut.ConditionExpression, "attribute_not_exists")
	require.Equal(t, "CONV#"+conv.SessionToken, strVal(t, api.lastPut.Item, "PK"))
	require.Equal(t, skMeta, strVal(t, api.lastPut.Item, "SK"))
	require.Equal(t, conv.ID, strVal(t, api.lastPut.Item, "conversationId"))
}

func TestFindByToken_NotFound(t *testing.T) {
	c, err := New(&fakeDynamo{}, "chat-state")
	require.NoError(t, err)

	_, err = c.FindByToken(context.Background(), "tok-missing")
	require.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestFindByToken_DecodesMeta(t *testing.T) {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	api := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: "CONV#tok-1"},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: "conv-1"},
		"sessionToken":   &types.AttributeValueMemberS{Value: "tok-1"},
		"createdAt":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		"updatedAt":      &types.AttributeValueMemberS{Value: now.Add(time.Hour).Format(time.RFC3339Nano)},
	}}}
	c, err := New(api, "chat-state")
	require.NoError(t, err)

	conv, err := c.FindByToken(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, "conv-1", conv.ID)
	require.Equal(t, "tok-1", conv.SessionToken)
	require.Equal(t, now, conv.CreatedAt)
	require.Equal(t, now.Add(time.Hour), conv.UpdatedAt)
	require.Equal(t, "CONV#tok-1", strVal(t, api.lastGet.Key, "PK"))
}

func TestFindByToken_StoreError(t *testing.T) {
	c, err := New(&fakeDynamo{getErr: errors.New("throttled")}, "chat-state")
	require.NoError(t, err)

	_, err = c.FindByToken(context.Background(), "tok-1")
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestRecent_QueriesNewestFirstAndReverses(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	api := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		msgItemFixture(base.Add(2*time.Second), "m3", "user", "third"),
		msgItemFixture(base.Add(time.Second), "m2", "assistant", "second"),
		msgItemFixture(base, "m1", "user", "first"),
	}}}
	c, err := New(api, "chat-state")
	require.NoError(t, err)

	conv := domain.Conversation{ID: "conv-1", SessionToken: "tok-1"}
	msgs, err := c.Recent(context.Background(), conv, 3)
	require.NoError(t, err)

	require.NotNil(t, api.lastQuery)
	require.False(t, *api.lastQuery.ScanIndexForward, "query must read newest-first")
	require.Equal(t, int32(3), *api.lastQuery.Limit)

	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "second", msgs[1].Content)
	require.Equal(t, "third", msgs[2].Content)
	require.Equal(t, domain.RoleAssistant, msgs[1].Role)
}

func TestAppend_TransactionWritesMessageAndBumpsMeta(t *testing.T) {
	api := &fakeDynamo{}
	c, err := New(api, "chat-state")
	require.NoError(t, err)

	conv := domain.Conversation{ID: "conv-1", SessionToken: "tok-1"}
	msg, err := c.Append(context.Background(), conv, domain.RoleUser, "Hello")
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.Equal(t, "conv-1", msg.ConversationID)
	require.Equal(t, domain.RoleUser, msg.Role)

	require.NotNil(t, api.lastTx)
	require.Len(t, api.lastTx.TransactItems, 2)

	put := api.lastTx.TransactItems[0].Put
	require.NotNil(t, put)
	require.Equal(t, "CONV#tok-1", strVal(t, put.Item, "PK"))
	require.Equal(t, "user", strVal(t, put.Item, "role"))
	require.Equal(t, "Hello", strVal(t, put.Item, "content"))

	update := api.lastTx.TransactItems[1].Update
	require.NotNil(t, update)
	require.Equal(t, skMeta, strVal(t, update.Key, "SK"))
	require.Contains(t, *update.UpdateExpression, "updatedAt")
	require.Equal(t, "attribute_exists(PK)", *update.ConditionExpression,
		"the meta bump must not create a record for a conversation that was never persisted")
}

func TestAppend_RequiresSessionToken(t *testing.T) {
	c, err := New(&fakeDynamo{}, "chat-state")
	require.NoError(t, err)

	_, err = c.Append(context.Background(), domain.Conversation{ID: "conv-1"}, domain.RoleUser, "Hello")
	require.Error(t, err)
}

func TestLoadWithMessages_ChronologicalOrder(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	api := &fakeDynamo{
		getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
			"conversationId": &types.AttributeValueMemberS{Value: "conv-1"},
			"sessionToken":   &types.AttributeValueMemberS{Value: "tok-1"},
			"createdAt":      &types.AttributeValueMemberS{Value: base.Format(time.RFC3339Nano)},
			"updatedAt":      &types.AttributeValueMemberS{Value: base.Format(time.RFC3339Nano)},
		}},
		queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
			msgItemFixture(base, "m1", "user", "Hello"),
			msgItemFixture(base.Add(time.Second), "m2", "assistant", "Hi!"),
		}},
	}
	c, err := New(api, "chat-state")
	require.NoError(t, err)

	conv, msgs, err := c.LoadWithMessages(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, "conv-1", conv.ID)
	require.Len(t, msgs, 2)
	require.Equal(t, "Hello", msgs[0].Content)
	require.True(t, *api.lastQuery.ScanIndexForward, "full load reads in chronological order")
}

func TestPing(t *testing.T) {
	c, err := New(&fakeDynamo{}, "chat-state")
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))

	c, err = New(&fakeDynamo{getErr: errors.New("unreachable")}, "chat-state")
	require.NoError(t, err)
	require.Error(t, c.Ping(context.Background()))
}

func TestMsgSK_DistinctForSameTimestamp(t *testing.T) {
	ts := time.Now()
	a := msgSK(ts, "id-a")
	b := msgSK(ts, "id-b")
	require.NotEqual(t, a, b)
	require.Equal(t, fmt.Sprintf("%s%s#id-a", skPrefixMsg, ts.UTC().Format(msgSKTimeFormat)), a)
}

// DynamoDB sorts MSG# items lexicographically, so the sort key's byte order
// must agree with chronological order. Variable-width fractions break this:
// ".1Z" sorts after ".15Z" and a whole second sorts after every fraction of
// it, which is exactly where same-second user/assistant turns land.
func TestMsgSK_LexicographicOrderMatchesChronological(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pairs := []struct {
		earlier, later time.Time
	}{
		{base.Add(100 * time.Millisecond), base.Add(150 * time.Millisecond)},
		{base.Add(5 * time.Second), base.Add(5*time.Second + 500*time.Millisecond)},
		{base, base.Add(time.Nanosecond)},
		{base.Add(999999999 * time.Nanosecond), base.Add(time.Second)},
		{base, base.Add(time.Hour)},
	}
	for _, p := range pairs {
		earlier := msgSK(p.earlier, "id-a")
		later := msgSK(p.later, "id-b")
		require.Less(t, earlier, later, "%v must sort before %v", p.earlier, p.later)
	}
}

// Package repository persists conversations and messages in a single
// DynamoDB table. A conversation is one partition keyed by its session token:
// a META# item carries the conversation record and MSG# items carry the
// turns, sort-keyed by creation timestamp.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"support-chat/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding conversation state.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// convPK returns the partition key for a conversation's session token.
func convPK(token string) string {
	return "CONV#" + token
}

// msgSKTimeFormat is fixed-width: RFC3339Nano drops trailing fractional
// zeros, which lets lexicographic sort-key order disagree with chronological
// order for same-second messages.
const msgSKTimeFormat = "2006-01-02T15:04:05.000000000Z"

// msgSK returns the sort key for a message. The message id is appended so two
// turns written within the same nanosecond still get distinct keys.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format(msgSKTimeFormat) + "#" + id
}

// ttlValue returns a Unix timestamp 30 days in the future.
func ttlValue() int64 {
	return time.Now().Add(ttlDuration).Unix()
}

// Create allocates a fresh conversation with a new session token and writes
// its META item.
func (c *Client) Create(ctx context.Context) (domain.Conversation, error) {
	now := time.Now().UTC()
	conv := domain.Conversation{
		ID:           uuid.NewString(),
		SessionToken: uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                metaItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Create: %w", err)
	}
	return conv, nil
}

// FindByToken loads the conversation record for a session token. Returns
// domain.ErrConversationNotFound when no META item exists.
func (c *Client) FindByToken(ctx context.Context, token string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(token)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindByToken get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindByToken decode: %w", err)
	}
	return conv, nil
}

// LoadWithMessages loads the conversation and its full message history in
// chronological order.
func (c *Client) LoadWithMessages(ctx context.Context, token string) (domain.Conversation, []domain.Message, error) {
	conv, err := c.FindByToken(ctx, token)
	if err != nil {
		return domain.Conversation{}, nil, err
	}

	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(token)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, nil, fmt.Errorf("repository: LoadWithMessages query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return domain.Conversation{}, nil, fmt.Errorf("repository: LoadWithMessages unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return conv, msgs, nil
}

// Recent returns the last limit messages of a conversation in chronological
// order. The query reads newest-first so the bound favors the most recent
// turns; results are reversed before returning to prompt assembly.
func (c *Client) Recent(ctx context.Context, conv domain.Conversation, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conv.SessionToken)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: Recent query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: Recent unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Append writes a new message and bumps the conversation's updatedAt in one
// transaction.
func (c *Client) Append(ctx context.Context, conv domain.Conversation, role domain.Role, text string) (domain.Message, error) {
	if conv.SessionToken == "" {
		return domain.Message{}, errors.New("repository: Append: conversation session token is required")
	}
	now := time.Now().UTC()
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           role,
		Content:        text,
		CreatedAt:      now,
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(conv, msg),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: convPK(conv.SessionToken)},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					// Never materialize a partial META item for a
					// conversation that was never created.
					ConditionExpression: aws.String("attribute_exists(PK)"),
					UpdateExpression:    aws.String("SET updatedAt = :now, #ttl = :ttl"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":now": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
						":ttl": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue())},
					},
				},
			},
		},
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: Append: %w", err)
	}
	return msg, nil
}

// Ping verifies the table is reachable with a cheap point read.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "HEALTH#probe"},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

func metaItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.SessionToken)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"sessionToken":   &types.AttributeValueMemberS{Value: conv.SessionToken},
		"createdAt":      &types.AttributeValueMemberS{Value: conv.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"updatedAt":      &types.AttributeValueMemberS{Value: conv.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue())},
	}
}

func messageItem(conv domain.Conversation, msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.SessionToken)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt, msg.ID)},
		"id":             &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"createdAt":      &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue())},
	}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	token, err := strAttr(item, "sessionToken")
	if err != nil {
		return domain.Conversation{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{
		ID:           id,
		SessionToken: token,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:             id,
		ConversationID: convID,
		Role:           domain.Role(role),
		Content:        content,
		CreatedAt:      createdAt,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}

// Package dynamo implements the partition-store task backend on DynamoDB.
//
// The table is keyed by task_id alone; a global secondary index keyed by
// (session_id, sort_key) serves session-scoped listing, where sort_key is
// the zero-padded creation timestamp concatenated with the task id so the
// index order is exactly the canonical (created_at, id) order. The unscoped
// listing is a Scan and therefore best effort: a strictly ordered global
// index would funnel every write through one partition key, and that
// hot-spot is a worse trade than weak global ordering, since session-scoped
// listing is the primary access pattern.
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/phrazzld/taskhorn/internal/task"
)

// SessionIndex is the name of the GSI serving session-scoped listing.
const SessionIndex = "session-index"

// item is the DynamoDB representation of a task record. Timestamps are unix
// nanoseconds except expires_at, which is unix seconds because the native
// TTL feature requires it.
type item struct {
	TaskID    string `dynamodbav:"task_id"`
	SessionID string `dynamodbav:"session_id"`
	SortKey   string `dynamodbav:"sort_key"`
	Status    string `dynamodbav:"status"`
	Meta      []byte `dynamodbav:"meta,omitempty"`
	Outcome   []byte `dynamodbav:"outcome,omitempty"`
	CreatedAt int64  `dynamodbav:"created_at"`
	UpdatedAt int64  `dynamodbav:"updated_at"`
	ExpiresAt int64  `dynamodbav:"expires_at,omitempty"`
}

func sortKey(createdAt int64, id string) string {
	return fmt.Sprintf("%020d#%s", createdAt, id)
}

func (it *item) expired(now time.Time) bool {
	return it.ExpiresAt != 0 && it.ExpiresAt <= now.Unix()
}

func (it *item) record() *task.Record {
	rec := &task.Record{
		ID:        it.TaskID,
		SessionID: it.SessionID,
		Status:    task.Status(it.Status),
		Meta:      it.Meta,
		CreatedAt: time.Unix(0, it.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, it.UpdatedAt).UTC(),
	}
	if it.ExpiresAt != 0 {
		t := time.Unix(it.ExpiresAt, 0).UTC()
		rec.ExpiresAt = &t
	}
	return rec
}

// TaskStore implements task.Store backed by DynamoDB. Conditional writes on
// the status attribute guarantee concurrent terminal-transition attempts
// resolve to exactly one winner.
type TaskStore struct {
	client *dynamodb.Client
	table  string
}

var _ task.Store = (*TaskStore)(nil)

// New creates a store over an existing table. Use EnsureTable in tests and
// local development to create the table and its session index.
func New(client *dynamodb.Client, table string) *TaskStore {
	return &TaskStore{client: client, table: table}
}

// CreateTask writes a new item.
func (s *TaskStore) CreateTask(ctx context.Context, rec *task.Record) error {
	it := item{
		TaskID:    rec.ID,
		SessionID: rec.SessionID,
		SortKey:   sortKey(rec.CreatedAt.UnixNano(), rec.ID),
		Status:    string(rec.Status),
		Meta:      rec.Meta,
		CreatedAt: rec.CreatedAt.UnixNano(),
		UpdatedAt: rec.UpdatedAt.UnixNano(),
	}
	if rec.ExpiresAt != nil {
		it.ExpiresAt = rec.ExpiresAt.Unix()
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("marshal task item: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("put task item: %w", err)
	}
	return nil
}

// getItem fetches the raw item with a consistent read, treating expired
// items as absent. Native TTL deletion can lag by hours, so expiry is also
// enforced on every read.
func (s *TaskStore) getItem(ctx context.Context, id string) (*item, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get task item: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal task item: %w", err)
	}
	if it.expired(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	return &it, nil
}

// GetTask fetches a record by id.
func (s *TaskStore) GetTask(ctx context.Context, id string) (*task.Record, error) {
	it, err := s.getItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return it.record(), nil
}

// UpdateStatus transitions a task's status under the state machine. The
// conditional expression pins the working status so racing writers get
// exactly one winner.
func (s *TaskStore) UpdateStatus(ctx context.Context, id string, status task.Status) error {
	it, err := s.getItem(ctx, id)
	if err != nil {
		return err
	}
	if err := task.ValidateTransition(task.Status(it.Status), status); err != nil {
		return err
	}
	err = s.conditionalTerminalWrite(ctx, id, status, nil)
	if err == nil {
		return nil
	}
	if isConditionFailure(err) {
		return s.reclassify(ctx, id, status, false)
	}
	return err
}

// StoreOutcome atomically transitions to the outcome's terminal status and
// records the outcome.
func (s *TaskStore) StoreOutcome(ctx context.Context, id string, out task.Outcome) error {
	it, err := s.getItem(ctx, id)
	if err != nil {
		return err
	}
	current := task.Status(it.Status)
	if current.Terminal() {
		return fmt.Errorf("%w: %s is %s", task.ErrAlreadyTerminal, id, current)
	}
	if err := task.ValidateTransition(current, out.Status); err != nil {
		return err
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	err = s.conditionalTerminalWrite(ctx, id, out.Status, payload)
	if err == nil {
		return nil
	}
	if isConditionFailure(err) {
		return s.reclassify(ctx, id, out.Status, true)
	}
	return err
}

// conditionalTerminalWrite updates status (and optionally outcome) only
// while the item still holds the working status.
func (s *TaskStore) conditionalTerminalWrite(ctx context.Context, id string, status task.Status, outcome []byte) error {
	update := "SET #s = :new, updated_at = :now"
	values := map[string]types.AttributeValue{
		":new":     &types.AttributeValueMemberS{Value: string(status)},
		":now":     &types.AttributeValueMemberN{Value: fmt.Sprint(time.Now().UTC().UnixNano())},
		":working": &types.AttributeValueMemberS{Value: string(task.StatusWorking)},
	}
	if outcome != nil {
		update += ", outcome = :outcome"
		values[":outcome"] = &types.AttributeValueMemberB{Value: outcome}
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       key(id),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_exists(task_id) AND #s = :working"),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("conditional status write: %w", err)
	}
	return nil
}

// reclassify turns a failed conditional write into the contract error.
func (s *TaskStore) reclassify(ctx context.Context, id string, attempted task.Status, wantOutcome bool) error {
	it, err := s.getItem(ctx, id)
	if err != nil {
		return err
	}
	current := task.Status(it.Status)
	if wantOutcome && current.Terminal() {
		return fmt.Errorf("%w: %s is %s", task.ErrAlreadyTerminal, id, current)
	}
	if err := task.ValidateTransition(current, attempted); err != nil {
		return err
	}
	return fmt.Errorf("conditional status write lost race for task %s", id)
}

// GetOutcome returns the stored outcome.
func (s *TaskStore) GetOutcome(ctx context.Context, id string) (*task.Outcome, error) {
	it, err := s.getItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Outcome == nil {
		return nil, fmt.Errorf("%w: task %s is %s", task.ErrOutcomeNotFound, id, it.Status)
	}
	var out task.Outcome
	if err := json.Unmarshal(it.Outcome, &out); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return &out, nil
}

// ListSessionTasks pages through one session's records via the session
// index, whose sort key reproduces the canonical (created_at, id) order.
func (s *TaskStore) ListSessionTasks(ctx context.Context, sessionID, cursor string, limit int) (*task.Page, error) {
	limit = task.NormalizeLimit(limit)
	now := time.Now().UTC()

	keyCond := "session_id = :sid"
	values := map[string]types.AttributeValue{
		":sid":    &types.AttributeValueMemberS{Value: sessionID},
		":nowsec": &types.AttributeValueMemberN{Value: fmt.Sprint(now.Unix())},
	}
	if after, ok := s.resolveCursor(ctx, cursor); ok {
		keyCond += " AND sort_key > :after"
		values[":after"] = &types.AttributeValueMemberS{Value: after}
	}

	page := &task.Page{Tasks: make([]*task.Record, 0, limit)}
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			IndexName:                 aws.String(SessionIndex),
			KeyConditionExpression:    aws.String(keyCond),
			FilterExpression:          aws.String("attribute_not_exists(expires_at) OR expires_at > :nowsec"),
			ExpressionAttributeValues: values,
			Limit:                     aws.Int32(int32(limit + 1)),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query session tasks: %w", err)
		}
		for _, raw := range out.Items {
			var it item
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, fmt.Errorf("unmarshal task item: %w", err)
			}
			if len(page.Tasks) == limit {
				page.NextCursor = page.Tasks[limit-1].ID
				return page, nil
			}
			page.Tasks = append(page.Tasks, it.record())
		}
		if out.LastEvaluatedKey == nil {
			return page, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// ListTasks pages through all records. This scans the whole table and sorts
// in memory: completeness is guaranteed, strict global ordering under
// concurrent writes is not. See the package comment for the trade-off.
func (s *TaskStore) ListTasks(ctx context.Context, cursor string, limit int) (*task.Page, error) {
	limit = task.NormalizeLimit(limit)
	now := time.Now().UTC()

	var candidates []*task.Record
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			FilterExpression:          aws.String("attribute_not_exists(expires_at) OR expires_at > :nowsec"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":nowsec": &types.AttributeValueMemberN{Value: fmt.Sprint(now.Unix())}},
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan tasks: %w", err)
		}
		for _, raw := range out.Items {
			var it item
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, fmt.Errorf("unmarshal task item: %w", err)
			}
			candidates = append(candidates, it.record())
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	sort.Slice(candidates, func(i, j int) bool { return task.Less(candidates[i], candidates[j]) })

	var afterAt time.Time
	afterID := ""
	haveCursor := false
	if cursor != "" {
		if cur, err := s.GetTask(ctx, cursor); err == nil {
			afterAt, afterID = cur.CreatedAt, cur.ID
			haveCursor = true
		}
	}

	page := &task.Page{Tasks: make([]*task.Record, 0, limit)}
	for _, rec := range candidates {
		if haveCursor && !rec.After(afterAt, afterID) {
			continue
		}
		if len(page.Tasks) == limit {
			page.NextCursor = page.Tasks[limit-1].ID
			return page, nil
		}
		page.Tasks = append(page.Tasks, rec)
	}
	return page, nil
}

// resolveCursor maps a cursor task id to its session-index sort key. A
// vanished cursor record restarts from the beginning of the remaining set.
func (s *TaskStore) resolveCursor(ctx context.Context, cursor string) (string, bool) {
	if cursor == "" {
		return "", false
	}
	it, err := s.getItem(ctx, cursor)
	if err != nil {
		return "", false
	}
	return it.SortKey, true
}

// RecoverStuck scans for working items past the threshold and force-fails
// each with a conditional write, so an item that settles mid-sweep is left
// alone.
func (s *TaskStore) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan).UnixNano()
	payload, err := json.Marshal(task.FailedOutcome("task exceeded recovery threshold"))
	if err != nil {
		return 0, fmt.Errorf("encode recovery outcome: %w", err)
	}

	count := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.table),
			FilterExpression:     aws.String("#s = :working AND updated_at < :cutoff AND (attribute_not_exists(expires_at) OR expires_at > :nowsec)"),
			ProjectionExpression: aws.String("task_id"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":working": &types.AttributeValueMemberS{Value: string(task.StatusWorking)},
				":cutoff":  &types.AttributeValueMemberN{Value: fmt.Sprint(cutoff)},
				":nowsec":  &types.AttributeValueMemberN{Value: fmt.Sprint(now.Unix())},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return count, fmt.Errorf("scan stuck tasks: %w", err)
		}
		for _, raw := range out.Items {
			var it item
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return count, fmt.Errorf("unmarshal task item: %w", err)
			}
			werr := s.conditionalTerminalWrite(ctx, it.TaskID, task.StatusFailed, payload)
			if werr == nil {
				count++
				continue
			}
			if !isConditionFailure(werr) {
				return count, werr
			}
		}
		if out.LastEvaluatedKey == nil {
			return count, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// Touch refreshes a record's updated_at.
func (s *TaskStore) Touch(ctx context.Context, id string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 key(id),
		UpdateExpression:    aws.String("SET updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(task_id) AND (attribute_not_exists(expires_at) OR expires_at > :nowsec)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":    &types.AttributeValueMemberN{Value: fmt.Sprint(time.Now().UTC().UnixNano())},
			":nowsec": &types.AttributeValueMemberN{Value: fmt.Sprint(time.Now().UTC().Unix())},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
		}
		return fmt.Errorf("touch task: %w", err)
	}
	return nil
}

// DeleteTask removes an item.
func (s *TaskStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 key(id),
		ConditionExpression: aws.String("attribute_exists(task_id)"),
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
		}
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// DeleteExpired removes items whose time-to-live has passed. In production
// DynamoDB's native TTL reclaims these on its own schedule (up to 48 hours
// behind); this sweep makes expiry deterministic for tests and for
// deployments that disable native TTL.
func (s *TaskStore) DeleteExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	count := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.table),
			FilterExpression:     aws.String("attribute_exists(expires_at) AND expires_at <= :nowsec"),
			ProjectionExpression: aws.String("task_id"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":nowsec": &types.AttributeValueMemberN{Value: fmt.Sprint(now.Unix())},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return count, fmt.Errorf("scan expired tasks: %w", err)
		}
		for _, raw := range out.Items {
			var it item
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return count, fmt.Errorf("unmarshal task item: %w", err)
			}
			if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.table),
				Key:       key(it.TaskID),
			}); err != nil {
				return count, fmt.Errorf("delete expired task: %w", err)
			}
			count++
		}
		if out.LastEvaluatedKey == nil {
			return count, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// Ping verifies the table is reachable.
func (s *TaskStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrBackendUnavailable, err)
	}
	return nil
}

// Close is a no-op; the SDK client carries no long-lived resources here.
func (s *TaskStore) Close() error { return nil }

// Kind identifies this backend.
func (s *TaskStore) Kind() string { return "dynamo" }

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"task_id": &types.AttributeValueMemberS{Value: id},
	}
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// EnsureTable creates the task table and its session index if they do not
// exist and waits for them to become active. Intended for tests and local
// development against dynamodb-local; production tables are provisioned out
// of band.
func EnsureTable(ctx context.Context, client *dynamodb.Client, table string) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table: %w", err)
	}

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("task_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("session_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sort_key"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("task_id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(SessionIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("session_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("sort_key"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, 2*time.Minute); err != nil {
		return fmt.Errorf("wait for table: %w", err)
	}

	_, err = client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("expires_at"),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		// dynamodb-local builds sometimes reject TTL updates; reads filter
		// expired items anyway, so this is not fatal.
		return nil
	}
	return nil
}

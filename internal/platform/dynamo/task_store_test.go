package dynamo

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/phrazzld/taskhorn/internal/task"
	"github.com/phrazzld/taskhorn/internal/task/storetest"
)

// TestTaskStore runs the parity suite against DynamoDB. Set
// TASKHORN_TEST_DYNAMO_ENDPOINT to enable, e.g.
//
//	TASKHORN_TEST_DYNAMO_ENDPOINT=http://localhost:8000
//
// with dynamodb-local listening there. A fresh table is created per subtest
// and dropped afterwards.
func TestTaskStore(t *testing.T) {
	endpoint := os.Getenv("TASKHORN_TEST_DYNAMO_ENDPOINT")
	if endpoint == "" {
		t.Skip("TASKHORN_TEST_DYNAMO_ENDPOINT not set; skipping dynamo integration tests")
	}

	ctx := context.Background()
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", "")),
	)
	if err != nil {
		t.Fatalf("load AWS config: %v", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	var seq int
	storetest.Run(t, func(t *testing.T) task.Store {
		seq++
		table := fmt.Sprintf("taskhorn-test-%s-%d",
			strings.ToLower(strings.ReplaceAll(task.NewID(), "-", ""))[:8], seq)
		if err := EnsureTable(ctx, client, table); err != nil {
			t.Fatalf("create table %s: %v", table, err)
		}
		t.Cleanup(func() {
			_, _ = client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
				TableName: aws.String(table),
			})
		})
		return New(client, table)
	})
}

func TestSortKeyOrdering(t *testing.T) {
	// The zero-padded composite key must sort by (created_at, id) as a
	// plain string comparison; that is what the GSI range key relies on.
	a := sortKey(1, "aaaa")
	b := sortKey(1, "bbbb")
	c := sortKey(2, "aaaa")
	if !(a < b && b < c) {
		t.Errorf("sort keys out of order: %q %q %q", a, b, c)
	}
	// Padding keeps a larger timestamp sorting after a shorter-looking one.
	if sortKey(999, "x") > sortKey(1000, "x") {
		t.Error("zero padding failed to preserve numeric order")
	}
}

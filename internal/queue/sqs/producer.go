// Package sqsqueue carries delivery nudges from the ingest service to the
// forwarder. A nudge only says "this delivery is due"; the delivery row is
// authoritative, so lost or repeated nudges are harmless.
package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// API is the subset of *sqs.Client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type DeliveryNudge struct {
	TenantID   string    `json:"tenantId"`
	DeliveryID string    `json:"deliveryId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type Producer struct {
	SQS      API
	QueueURL string

	// GroupBuckets spreads one tenant's nudges over this many FIFO message
	// groups. Only used for .fifo queues.
	GroupBuckets int
}

func (p *Producer) EnqueueDelivery(ctx context.Context, tenantID, deliveryID string) error {
	body, err := json.Marshal(DeliveryNudge{TenantID: tenantID, DeliveryID: deliveryID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		in.MessageGroupId = str(messageGroupIDBucketed(tenantID, deliveryID, p.GroupBuckets))
		in.MessageDeduplicationId = str(deliveryID)
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

// messageGroupIDBucketed keeps a tenant's nudges in a bounded set of groups
// so one slow tenant cannot serialize the whole queue.
func messageGroupIDBucketed(tenantID, deliveryID string, buckets int) string {
	if buckets <= 0 {
		buckets = 16
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(deliveryID))
	return fmt.Sprintf("%s:%d", tenantID, h.Sum32()%uint32(buckets))
}

func isFIFO(queueURL string) bool { return strings.HasSuffix(queueURL, ".fifo") }

func str(s string) *string { return &s }

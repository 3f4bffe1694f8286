package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Message is one received queue message.
type Message struct {
	Body          string
	ReceiptHandle string
}

// SQSQueue wraps the SQS operations the grading pipeline needs.
type SQSQueue struct {
	client *sqs.Client
}

// NewSQSQueue wraps an SQS client.
func NewSQSQueue(client *sqs.Client) *SQSQueue {
	return &SQSQueue{client: client}
}

// ResolveQueueURL looks up a queue URL by name.
func (q *SQSQueue) ResolveQueueURL(ctx context.Context, name string) (string, error) {
	out, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("resolve queue url for %s: %w", name, err)
	}

	return aws.ToString(out.QueueUrl), nil
}

// Send enqueues one message body.
func (q *SQSQueue) Send(ctx context.Context, queueURL, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("send message to %s: %w", queueURL, err)
	}

	return nil
}

// Receive long-polls for up to max messages.
func (q *SQSQueue) Receive(ctx context.Context, queueURL string, max int32, waitSeconds int32) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     waitSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queueURL, err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, msg := range out.Messages {
		messages = append(messages, fromSQSMessage(msg))
	}

	return messages, nil
}

// Delete acknowledges a message so the queue stops redelivering it.
func (q *SQSQueue) Delete(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message from %s: %w", queueURL, err)
	}

	return nil
}

func fromSQSMessage(msg types.Message) Message {
	return Message{
		Body:          aws.ToString(msg.Body),
		ReceiptHandle: aws.ToString(msg.ReceiptHandle),
	}
}

package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSClientAPI is the subset of the SNS client used by the provider.
type SNSClientAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSProvider publishes events to an SNS topic. Subscribers (email,
// chat bridges, pager) fan out downstream of the topic.
type SNSProvider struct {
	client      SNSClientAPI
	topicARN    string
	minSeverity Severity
}

// NewSNSProvider creates a provider that publishes events at or above
// minSeverity to the given topic.
func NewSNSProvider(client SNSClientAPI, topicARN string, minSeverity Severity) *SNSProvider {
	return &SNSProvider{client: client, topicARN: topicARN, minSeverity: minSeverity}
}

// Name identifies the provider in logs.
func (p *SNSProvider) Name() string { return "sns" }

// SupportsEvent filters on the configured minimum severity.
func (p *SNSProvider) SupportsEvent(event Event) bool {
	return event.Severity >= p.minSeverity
}

type snsPayload struct {
	Event          string            `json:"event"`
	Severity       string            `json:"severity"`
	TenantID       string            `json:"tenantId"`
	CredentialID   string            `json:"credentialId"`
	CredentialName string            `json:"credentialName,omitempty"`
	CredentialType string            `json:"credentialType,omitempty"`
	Error          string            `json:"error,omitempty"`
	Timestamp      string            `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Send publishes the event as a JSON message. Severity and event type
// ride along as message attributes so subscriptions can filter without
// parsing the body.
func (p *SNSProvider) Send(ctx context.Context, event Event) error {
	payload := snsPayload{
		Event:          string(event.Type),
		Severity:       event.Severity.String(),
		TenantID:       event.TenantID,
		CredentialID:   event.CredentialID,
		CredentialName: event.CredentialName,
		CredentialType: string(event.CredentialType),
		Timestamp:      event.Timestamp.Format(time.RFC3339),
		Metadata:       event.Metadata,
	}
	if event.Error != nil {
		payload.Error = event.Error.Error()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := fmt.Sprintf("[%s] %s: %s", event.Severity, event.Type, event.CredentialName)
	// SNS caps subjects at 100 characters; cut on rune boundaries so a
	// multi-byte name never leaves broken UTF-8 at the edge.
	if runes := []rune(subject); len(runes) > 100 {
		subject = string(runes[:100])
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"severity": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Severity.String()),
			},
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.topicARN, err)
	}
	return nil
}

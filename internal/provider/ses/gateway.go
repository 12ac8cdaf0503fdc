// Package ses implements the provider gateway over Amazon SES (v1 and v2 APIs) and SNS.
package ses

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsses "github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sesv2types "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/unclebandit/broadcast-mailer/internal/model"
	"github.com/unclebandit/broadcast-mailer/internal/provider"
)

const deliveryPolicy = `{"throttlePolicy":{"maxReceivesPerSecond":5}}`

var trackedEvents = []sestypes.EventType{
	sestypes.EventTypeReject,
	sestypes.EventTypeBounce,
	sestypes.EventTypeComplaint,
	sestypes.EventTypeClick,
	sestypes.EventTypeOpen,
}

type snsAPI interface {
	ListTopics(ctx context.Context, in *sns.ListTopicsInput, optFns ...func(*sns.Options)) (*sns.ListTopicsOutput, error)
	CreateTopic(ctx context.Context, in *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	DeleteTopic(ctx context.Context, in *sns.DeleteTopicInput, optFns ...func(*sns.Options)) (*sns.DeleteTopicOutput, error)
	Subscribe(ctx context.Context, in *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
	ListSubscriptionsByTopic(ctx context.Context, in *sns.ListSubscriptionsByTopicInput, optFns ...func(*sns.Options)) (*sns.ListSubscriptionsByTopicOutput, error)
}

type sesAPI interface {
	GetSendQuota(ctx context.Context, in *awsses.GetSendQuotaInput, optFns ...func(*awsses.Options)) (*awsses.GetSendQuotaOutput, error)
	GetAccountSendingEnabled(ctx context.Context, in *awsses.GetAccountSendingEnabledInput, optFns ...func(*awsses.Options)) (*awsses.GetAccountSendingEnabledOutput, error)
	ListIdentities(ctx context.Context, in *awsses.ListIdentitiesInput, optFns ...func(*awsses.Options)) (*awsses.ListIdentitiesOutput, error)
	CreateConfigurationSet(ctx context.Context, in *awsses.CreateConfigurationSetInput, optFns ...func(*awsses.Options)) (*awsses.CreateConfigurationSetOutput, error)
	CreateConfigurationSetEventDestination(ctx context.Context, in *awsses.CreateConfigurationSetEventDestinationInput, optFns ...func(*awsses.Options)) (*awsses.CreateConfigurationSetEventDestinationOutput, error)
	DeleteConfigurationSet(ctx context.Context, in *awsses.DeleteConfigurationSetInput, optFns ...func(*awsses.Options)) (*awsses.DeleteConfigurationSetOutput, error)
	SetIdentityMailFromDomain(ctx context.Context, in *awsses.SetIdentityMailFromDomainInput, optFns ...func(*awsses.Options)) (*awsses.SetIdentityMailFromDomainOutput, error)
	GetIdentityVerificationAttributes(ctx context.Context, in *awsses.GetIdentityVerificationAttributesInput, optFns ...func(*awsses.Options)) (*awsses.GetIdentityVerificationAttributesOutput, error)
}

type sesv2API interface {
	CreateEmailIdentity(ctx context.Context, in *sesv2.CreateEmailIdentityInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateEmailIdentityOutput, error)
}

// Gateway talks to one AWS account in one region.
type Gateway struct {
	sns   snsAPI
	ses   sesAPI
	sesv2 sesv2API
}

func New(creds provider.Credentials) *Gateway {
	cfg := aws.Config{
		Region: creds.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			creds.AccessKey.Release(), creds.AccessSecret.Release(), "",
		)),
	}
	return &Gateway{
		sns:   sns.NewFromConfig(cfg),
		ses:   awsses.NewFromConfig(cfg),
		sesv2: sesv2.NewFromConfig(cfg),
	}
}

func newWithClients(snsClient snsAPI, sesClient sesAPI, sesv2Client sesv2API) *Gateway {
	return &Gateway{sns: snsClient, ses: sesClient, sesv2: sesv2Client}
}

// CheckAccountAccess needs SES quota, SES identity listing and SNS topic listing to succeed.
func (g *Gateway) CheckAccountAccess(ctx context.Context) bool {
	if _, err := g.ses.GetSendQuota(ctx, &awsses.GetSendQuotaInput{}); err != nil {
		return false
	}
	if _, err := g.ses.ListIdentities(ctx, &awsses.ListIdentitiesInput{}); err != nil {
		return false
	}
	if _, err := g.sns.ListTopics(ctx, &sns.ListTopicsInput{}); err != nil {
		return false
	}
	return true
}

func (g *Gateway) GetSendQuota(ctx context.Context) (provider.SendQuota, error) {
	out, err := g.ses.GetSendQuota(ctx, &awsses.GetSendQuotaInput{})
	if err != nil {
		return provider.SendQuota{}, fmt.Errorf("get send quota: %w", err)
	}
	quota := provider.SendQuota{
		Max24Hour:        out.Max24HourSend,
		MaxRatePerSecond: out.MaxSendRate,
		SentLast24Hours:  out.SentLast24Hours,
	}

	enabled, err := g.ses.GetAccountSendingEnabled(ctx, &awsses.GetAccountSendingEnabledInput{})
	if err != nil {
		return provider.SendQuota{}, fmt.Errorf("get account sending enabled: %w", err)
	}
	quota.SendingEnabled = enabled.Enabled

	return quota, nil
}

func (g *Gateway) ListTopics(ctx context.Context) ([]provider.TopicRef, error) {
	var (
		refs  []provider.TopicRef
		token *string
	)
	for {
		out, err := g.sns.ListTopics(ctx, &sns.ListTopicsInput{NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("list topics: %w", err)
		}
		for _, t := range out.Topics {
			arn := aws.ToString(t.TopicArn)
			refs = append(refs, provider.TopicRef{Name: topicName(arn), ARN: arn})
		}
		if aws.ToString(out.NextToken) == "" {
			return refs, nil
		}
		token = out.NextToken
	}
}

// CreateTopic reuses a topic with the same name when one exists.
func (g *Gateway) CreateTopic(ctx context.Context, name string) (provider.TopicRef, error) {
	topics, err := g.ListTopics(ctx)
	if err != nil {
		return provider.TopicRef{}, err
	}
	for _, t := range topics {
		if t.Name == name {
			return t, nil
		}
	}

	out, err := g.sns.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(name)})
	if err != nil {
		return provider.TopicRef{}, fmt.Errorf("create topic %s: %w", name, err)
	}
	return provider.TopicRef{Name: name, ARN: aws.ToString(out.TopicArn)}, nil
}

func (g *Gateway) DeleteTopic(ctx context.Context, ref provider.TopicRef) error {
	if ref.ARN == "" {
		return nil
	}
	if _, err := g.sns.DeleteTopic(ctx, &sns.DeleteTopicInput{TopicArn: aws.String(ref.ARN)}); err != nil {
		return fmt.Errorf("delete topic %s: %w", ref.ARN, err)
	}
	return nil
}

func (g *Gateway) CreateSubscription(ctx context.Context, ref provider.TopicRef, endpoint string) (provider.Subscription, error) {
	out, err := g.sns.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(ref.ARN),
		Protocol: aws.String(protocolFor(endpoint)),
		Endpoint: aws.String(endpoint),
		Attributes: map[string]string{
			"DeliveryPolicy": deliveryPolicy,
		},
	})
	if err != nil {
		return provider.Subscription{}, fmt.Errorf("subscribe %s: %w", endpoint, err)
	}
	return provider.Subscription{ARN: aws.ToString(out.SubscriptionArn), Endpoint: endpoint}, nil
}

func (g *Gateway) ListSubscriptions(ctx context.Context, ref provider.TopicRef) ([]provider.Subscription, error) {
	var (
		subs  []provider.Subscription
		token *string
	)
	for {
		out, err := g.sns.ListSubscriptionsByTopic(ctx, &sns.ListSubscriptionsByTopicInput{
			TopicArn:  aws.String(ref.ARN),
			NextToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		for _, s := range out.Subscriptions {
			subs = append(subs, provider.Subscription{
				ARN:      aws.ToString(s.SubscriptionArn),
				Endpoint: aws.ToString(s.Endpoint),
			})
		}
		if aws.ToString(out.NextToken) == "" {
			return subs, nil
		}
		token = out.NextToken
	}
}

// EnsureEventRouting creates the configuration set and its SNS event destination.
// Both calls tolerate the resource already existing.
func (g *Gateway) EnsureEventRouting(ctx context.Context, name string, ref provider.TopicRef) error {
	_, err := g.ses.CreateConfigurationSet(ctx, &awsses.CreateConfigurationSetInput{
		ConfigurationSet: &sestypes.ConfigurationSet{Name: aws.String(name)},
	})
	var setExists *sestypes.ConfigurationSetAlreadyExistsException
	if err != nil && !errors.As(err, &setExists) {
		return fmt.Errorf("create configuration set %s: %w", name, err)
	}

	_, err = g.ses.CreateConfigurationSetEventDestination(ctx, &awsses.CreateConfigurationSetEventDestinationInput{
		ConfigurationSetName: aws.String(name),
		EventDestination: &sestypes.EventDestination{
			Name:               aws.String(name),
			Enabled:            true,
			MatchingEventTypes: trackedEvents,
			SNSDestination:     &sestypes.SNSDestination{TopicARN: aws.String(ref.ARN)},
		},
	})
	var destExists *sestypes.EventDestinationAlreadyExistsException
	if err != nil && !errors.As(err, &destExists) {
		return fmt.Errorf("create event destination %s: %w", name, err)
	}
	return nil
}

func (g *Gateway) RemoveEventRouting(ctx context.Context, name string) error {
	_, err := g.ses.DeleteConfigurationSet(ctx, &awsses.DeleteConfigurationSetInput{
		ConfigurationSetName: aws.String(name),
	})
	var missing *sestypes.ConfigurationSetDoesNotExistException
	if err != nil && !errors.As(err, &missing) {
		return fmt.Errorf("delete configuration set %s: %w", name, err)
	}
	return nil
}

func (g *Gateway) CreateIdentity(ctx context.Context, req provider.IdentityRequest) error {
	in := &sesv2.CreateEmailIdentityInput{
		EmailIdentity:        aws.String(req.Value),
		ConfigurationSetName: aws.String(req.ConfigurationSetName),
	}
	if req.Type == model.IdentityTypeDomain {
		in.DkimSigningAttributes = &sesv2types.DkimSigningAttributes{
			DomainSigningPrivateKey: aws.String(req.DKIMPrivateKey.Release()),
			DomainSigningSelector:   aws.String(req.DKIMSelector),
		}
	}
	if _, err := g.sesv2.CreateEmailIdentity(ctx, in); err != nil {
		return fmt.Errorf("create identity %s: %w", req.Value, err)
	}

	if req.Type != model.IdentityTypeDomain {
		return nil
	}
	_, err := g.ses.SetIdentityMailFromDomain(ctx, &awsses.SetIdentityMailFromDomainInput{
		Identity:            aws.String(req.Value),
		MailFromDomain:      aws.String("send." + req.Value),
		BehaviorOnMXFailure: sestypes.BehaviorOnMXFailureUseDefaultValue,
	})
	if err != nil {
		return fmt.Errorf("set mail from domain for %s: %w", req.Value, err)
	}
	return nil
}

func (g *Gateway) IdentityStatuses(ctx context.Context, values []string) (map[string]model.IdentityStatus, error) {
	out, err := g.ses.GetIdentityVerificationAttributes(ctx, &awsses.GetIdentityVerificationAttributesInput{
		Identities: values,
	})
	if err != nil {
		return nil, fmt.Errorf("get identity verification attributes: %w", err)
	}

	statuses := make(map[string]model.IdentityStatus, len(values))
	for _, v := range values {
		attrs, ok := out.VerificationAttributes[v]
		if !ok {
			statuses[v] = model.IdentityStatusPending
			continue
		}
		switch attrs.VerificationStatus {
		case sestypes.VerificationStatusSuccess:
			statuses[v] = model.IdentityStatusApproved
		case sestypes.VerificationStatusFailed:
			statuses[v] = model.IdentityStatusFailed
		default:
			statuses[v] = model.IdentityStatusPending
		}
	}
	return statuses, nil
}

func topicName(arn string) string {
	if i := strings.LastIndex(arn, ":"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

func protocolFor(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") {
		return "http"
	}
	return "https"
}

// Factory builds SES gateways. It is the only provider kind wired today.
type Factory struct{}

func (Factory) Gateway(kind model.MailerProvider, creds provider.Credentials) (provider.Gateway, error) {
	if kind != model.ProviderAWSSES {
		return nil, fmt.Errorf("unsupported mailer provider %q", kind)
	}
	return New(creds), nil
}

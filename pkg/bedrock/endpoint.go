// Package bedrock implements agent.Endpoint on top of the Bedrock Agents
// runtime InvokeAgent API.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/rs/zerolog"

	"github.com/godeps/agentchat/pkg/agent"
	"github.com/godeps/agentchat/pkg/message"
)

// ErrMissingRegion is returned when no region is configured.
var ErrMissingRegion = errors.New("bedrock: region is required")

// InvokeAgentAPI is the subset of the runtime client the endpoint uses.
type InvokeAgentAPI interface {
	InvokeAgent(ctx context.Context, params *bedrockagentruntime.InvokeAgentInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.InvokeAgentOutput, error)
}

// eventReader is satisfied by *bedrockagentruntime.InvokeAgentEventStream.
type eventReader interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

type startFunc func(ctx context.Context, input *bedrockagentruntime.InvokeAgentInput) (eventReader, error)

// Options configures how the AWS client is built.
type Options struct {
	Region      string
	Profile     string
	EndpointURL string
	// MaxAttempts overrides the SDK retryer's attempt count when positive.
	MaxAttempts int
	Logger      zerolog.Logger
}

// Endpoint sends agent requests to Bedrock.
type Endpoint struct {
	start  startFunc
	logger zerolog.Logger
}

// New loads the default AWS configuration and returns a ready endpoint.
func New(ctx context.Context, opts Options) (*Endpoint, error) {
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		return nil, ErrMissingRegion
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile := strings.TrimSpace(opts.Profile); profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(profile))
	}
	if opts.MaxAttempts > 0 {
		loadOpts = append(loadOpts, awsconfig.WithRetryMaxAttempts(opts.MaxAttempts))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	client := bedrockagentruntime.NewFromConfig(awsCfg, func(o *bedrockagentruntime.Options) {
		if url := strings.TrimSpace(opts.EndpointURL); url != "" {
			o.BaseEndpoint = aws.String(url)
		}
	})
	return NewFromClient(client, opts.Logger), nil
}

// NewFromClient wraps an existing runtime client.
func NewFromClient(client InvokeAgentAPI, logger zerolog.Logger) *Endpoint {
	return &Endpoint{
		start: func(ctx context.Context, input *bedrockagentruntime.InvokeAgentInput) (eventReader, error) {
			out, err := client.InvokeAgent(ctx, input)
			if err != nil {
				return nil, err
			}
			stream := out.GetStream()
			if stream == nil {
				return nil, errors.New("bedrock: response has no event stream")
			}
			return stream, nil
		},
		logger: logger.With().Str("component", "bedrock").Logger(),
	}
}

// Invoke implements agent.Endpoint.
func (e *Endpoint) Invoke(ctx context.Context, req agent.Request) (agent.EventStream, error) {
	input, err := BuildInput(req)
	if err != nil {
		return nil, err
	}
	reader, err := e.start(ctx, input)
	if err != nil {
		return nil, err
	}
	return newEventStream(reader, e.logger), nil
}

// BuildInput maps an agent request to the InvokeAgent payload. History is
// attached as session state only when non-empty.
func BuildInput(req agent.Request) (*bedrockagentruntime.InvokeAgentInput, error) {
	if err := message.ValidateWindow(req.History); err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	input := &bedrockagentruntime.InvokeAgentInput{
		AgentId:      aws.String(req.AgentID),
		AgentAliasId: aws.String(req.AliasID),
		SessionId:    aws.String(req.SessionID),
		InputText:    aws.String(req.Prompt),
		EnableTrace:  aws.Bool(req.EnableTrace),
		StreamingConfigurations: &types.StreamingConfigurations{
			StreamFinalResponse: req.StreamFinalResponse,
		},
	}
	if len(req.History) > 0 {
		input.SessionState = &types.SessionState{
			ConversationHistory: &types.ConversationHistory{
				Messages: toMessages(req.History),
			},
		}
	}
	return input, nil
}

func toMessages(turns []message.Turn) []types.Message {
	out := make([]types.Message, 0, len(turns))
	for _, turn := range turns {
		out = append(out, types.Message{
			Role: types.ConversationRole(turn.Role),
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: turn.Content},
			},
		})
	}
	return out
}

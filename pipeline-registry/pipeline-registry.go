package pipeline_registry

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const s3CommonPrefix = "pipeline-registry"

// PipelineEventsQueue receives PipelineComplete/PipelineFailed signals
// emitted when a pipeline reaches a terminal state.
const PipelineEventsQueue = "pipeline-events"

type PipelineRegistry struct {
	dynamodbClient *dynamodb.Client
	s3Client       *s3.Client
	sqsClient      *sqs.Client
	lambdaClient   *lambda.Client
}

func New(dynamoEndpoint string) (*PipelineRegistry, error) {
	cfg, err := getAwsConfig(dynamoEndpoint)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config, %w", err)
	}

	svc := dynamodb.NewFromConfig(cfg)
	if err = migrate(svc); err != nil {
		return nil, err
	}

	return &PipelineRegistry{
		dynamodbClient: svc,
		s3Client:       s3.NewFromConfig(cfg),
		sqsClient:      sqs.NewFromConfig(cfg),
		lambdaClient:   lambda.NewFromConfig(cfg),
	}, nil
}

// getAwsConfig loads the default config chain. A non-empty dynamoEndpoint
// overrides the DynamoDB endpoint only (local testing against
// dynamodb-local or a Document API gateway).
func getAwsConfig(dynamoEndpoint string) (aws.Config, error) {
	if dynamoEndpoint == "" {
		return config.LoadDefaultConfig(context.Background())
	}

	customResolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if service == dynamodb.ServiceID {
				return aws.Endpoint{URL: dynamoEndpoint}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		},
	)

	return config.LoadDefaultConfig(
		context.Background(),
		config.WithEndpointResolverWithOptions(customResolver),
	)
}
